package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	CHOKE          = 0
	UNCHOKE        = 1
	INTERESTED     = 2
	NOT_INTERESTED = 3
	HAVE           = 4
	BITFIELD       = 5
	REQUEST        = 6
	BLOCK          = 7
	CANCEL         = 8
	PORT           = 9
)

const (
	PROTOCOL      = "BitTorrent protocol"
	HANDSHAKE_LEN = 68

	// Upper bound on a single frame. Large enough for a 16 KiB block message
	// or the bitfield of a very large torrent, small enough to reject garbage
	// length prefixes before allocating.
	MAX_FRAME_LEN = 1 << 18
)

// Message is a decoded peer-wire frame. A nil *Message stands for keep-alive
// (zero length prefix, no id, no payload).
type Message struct {
	ID      uint8
	Payload []byte
}

// Encode serializes the message into its length-prefixed frame.
func (m *Message) Encode() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	frame := make([]byte, 4+1+len(m.Payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(1+len(m.Payload)))
	frame[4] = m.ID
	copy(frame[5:], m.Payload)
	return frame
}

// Decode reads one frame from the front of buf. It returns the decoded
// message and the number of bytes consumed. When buf holds only part of a
// frame it returns (nil, 0, nil); the caller should read more bytes and
// retry. A consumed count of 4 with a nil message is a keep-alive.
//
// Unknown message ids are returned as-is so the caller can skip them;
// malformed lengths and payload sizes are errors.
func Decode(buf []byte) (*Message, int, error) {
	if len(buf) < 4 {
		return nil, 0, nil
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	if length == 0 {
		// keep-alive
		return nil, 4, nil
	}
	if length > MAX_FRAME_LEN {
		return nil, 0, fmt.Errorf("frame length %d exceeds limit", length)
	}
	if len(buf) < int(4+length) {
		return nil, 0, nil
	}
	id := buf[4]
	var payload []byte
	if length > 1 {
		payload = make([]byte, length-1)
		copy(payload, buf[5:4+length])
	}
	msg := &Message{ID: id, Payload: payload}
	if err := msg.validate(); err != nil {
		return nil, 0, err
	}
	return msg, int(4 + length), nil
}

func (m *Message) validate() error {
	var want int
	switch m.ID {
	case CHOKE, UNCHOKE, INTERESTED, NOT_INTERESTED:
		want = 0
	case HAVE:
		want = 4
	case REQUEST, CANCEL:
		want = 12
	case PORT:
		want = 2
	case BLOCK:
		if len(m.Payload) < 8 {
			return fmt.Errorf("piece message payload too short: %d", len(m.Payload))
		}
		return nil
	default:
		// Unknown ids (extensions, ids >= 20) are tolerated and skipped by
		// the session; bitfield size depends on the torrent and is checked
		// there too.
		return nil
	}
	if len(m.Payload) != want {
		return fmt.Errorf("message id %d: payload length %d, want %d", m.ID, len(m.Payload), want)
	}
	return nil
}

// Index decodes the payload of a have message.
func (m *Message) Index() int {
	return int(binary.BigEndian.Uint32(m.Payload))
}

// Request decodes the payload of a request or cancel message.
func (m *Message) Request() (pieceIndex, begin, length int) {
	pieceIndex = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(m.Payload[8:12]))
	return
}

// Block decodes the payload of a piece message.
func (m *Message) Block() (pieceIndex, begin int, block []byte) {
	pieceIndex = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	block = m.Payload[8:]
	return
}

func NewHave(pieceIndex int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(pieceIndex))
	return &Message{ID: HAVE, Payload: payload}
}

func NewBitfield(bitfield []byte) *Message {
	return &Message{ID: BITFIELD, Payload: bitfield}
}

func NewRequest(pieceIndex, begin, length int) *Message {
	return &Message{ID: REQUEST, Payload: encodeRequest(pieceIndex, begin, length)}
}

func NewCancel(pieceIndex, begin, length int) *Message {
	return &Message{ID: CANCEL, Payload: encodeRequest(pieceIndex, begin, length)}
}

func NewBlock(pieceIndex, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(pieceIndex))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: BLOCK, Payload: payload}
}

func encodeRequest(pieceIndex, begin, length int) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(pieceIndex))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return payload
}

// 1 + 19 + 8 + 20 + 20
type Handshake struct {
	Len      uint8
	Protocol [19]byte
	Reserved [8]uint8
	InfoHash [20]byte
	PeerID   [20]byte
}

// EncodeHandshake builds the fixed 68-byte handshake frame.
func EncodeHandshake(infoHash, peerID []byte) []byte {
	b := &bytes.Buffer{}
	binary.Write(b, binary.BigEndian, uint8(len(PROTOCOL)))
	binary.Write(b, binary.BigEndian, []byte(PROTOCOL))
	binary.Write(b, binary.BigEndian, make([]byte, 8))
	binary.Write(b, binary.BigEndian, infoHash)
	binary.Write(b, binary.BigEndian, peerID)
	return b.Bytes()
}

// DecodeHandshake parses and verifies a 68-byte handshake frame. The remote
// info hash and peer id are returned for the session to check.
func DecodeHandshake(data []byte) (*Handshake, error) {
	if len(data) != HANDSHAKE_LEN {
		return nil, fmt.Errorf("handshake length %d, want %d", len(data), HANDSHAKE_LEN)
	}
	h := &Handshake{}
	if err := binary.Read(bytes.NewBuffer(data), binary.BigEndian, h); err != nil {
		return nil, err
	}
	if h.Len != uint8(len(PROTOCOL)) || string(h.Protocol[:]) != PROTOCOL {
		return nil, fmt.Errorf("unknown protocol string %q", h.Protocol)
	}
	return h, nil
}
