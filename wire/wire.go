package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// Wire is a peer connection speaking the framed protocol. Reads apply the
// configured deadline so a silent peer eventually errors out instead of
// blocking its session forever.
type Wire interface {
	// Reading
	ReadHandshake() (*Handshake, error)
	ReadMessage() (*Message, error)

	// Writing
	SendHandshake(infoHash, peerID []byte) error
	SendKeepAlive() error
	SendChoke() error
	SendUnchoke() error
	SendInterested() error
	SendUnInterested() error
	SendHave(pieceIndex int) error
	SendBitField(bitfield []byte) error
	SendRequest(pieceIndex, begin, length int) error
	SendBlock(pieceIndex, begin int, block []byte) error
	SendCancel(pieceIndex, begin, length int) error

	// Other
	GetLastMessageSent() (lastMessageSent time.Time)
	Close()
}

type wire struct {
	conn            net.Conn
	timeoutDuration time.Duration
	lastMessageSent time.Time
}

func NewWire(conn net.Conn, timeoutDuration time.Duration) Wire {
	return &wire{
		conn:            conn,
		timeoutDuration: timeoutDuration,
	}
}

func (w *wire) GetLastMessageSent() time.Time {
	return w.lastMessageSent
}

func (w *wire) Close() {
	w.conn.Close()
}

func (w *wire) ReadHandshake() (*Handshake, error) {
	w.conn.SetReadDeadline(time.Now().Add(w.timeoutDuration))
	data := make([]byte, HANDSHAKE_LEN)
	if _, err := io.ReadFull(w.conn, data); err != nil {
		return nil, err
	}
	return DecodeHandshake(data)
}

// ReadMessage reads one frame. A nil message is a keep-alive.
func (w *wire) ReadMessage() (*Message, error) {
	w.conn.SetReadDeadline(time.Now().Add(w.timeoutDuration))

	frame := make([]byte, 4)
	if _, err := io.ReadFull(w.conn, frame); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(frame)
	if length == 0 {
		// keep-alive
		return nil, nil
	}
	if length > MAX_FRAME_LEN {
		return nil, fmt.Errorf("frame length %d exceeds limit", length)
	}

	frame = append(frame, make([]byte, length)...)
	if _, err := io.ReadFull(w.conn, frame[4:]); err != nil {
		return nil, err
	}
	msg, _, err := Decode(frame)
	return msg, err
}

func (w *wire) SendHandshake(infoHash, peerID []byte) error {
	return w.send(EncodeHandshake(infoHash, peerID))
}

func (w *wire) SendKeepAlive() error {
	return w.send((*Message)(nil).Encode())
}

func (w *wire) SendChoke() error {
	return w.send((&Message{ID: CHOKE}).Encode())
}

func (w *wire) SendUnchoke() error {
	return w.send((&Message{ID: UNCHOKE}).Encode())
}

func (w *wire) SendInterested() error {
	return w.send((&Message{ID: INTERESTED}).Encode())
}

func (w *wire) SendUnInterested() error {
	return w.send((&Message{ID: NOT_INTERESTED}).Encode())
}

func (w *wire) SendHave(pieceIndex int) error {
	return w.send(NewHave(pieceIndex).Encode())
}

func (w *wire) SendBitField(bitfield []byte) error {
	return w.send(NewBitfield(bitfield).Encode())
}

func (w *wire) SendRequest(pieceIndex, begin, length int) error {
	return w.send(NewRequest(pieceIndex, begin, length).Encode())
}

func (w *wire) SendBlock(pieceIndex, begin int, block []byte) error {
	return w.send(NewBlock(pieceIndex, begin, block).Encode())
}

func (w *wire) SendCancel(pieceIndex, begin, length int) error {
	return w.send(NewCancel(pieceIndex, begin, length).Encode())
}

func (w *wire) send(frame []byte) error {
	w.lastMessageSent = time.Now()
	w.conn.SetWriteDeadline(time.Now().Add(w.timeoutDuration))
	_, err := w.conn.Write(frame)
	return err
}
