package peer

import (
	"bytes"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	bitmap "github.com/boljen/go-bitmap"

	"swarm/piece"
	"swarm/stats"
	"swarm/storage"
	"swarm/torrent"
	"swarm/wire"
)

var (
	DIAL_TIMEOUT = 5 * time.Second
	// Send a keep-alive after 120 idle seconds; give up on a peer that sent
	// nothing for 120 seconds plus a grace margin.
	KEEP_ALIVE_INTERVAL = 120 * time.Second
	IDLE_TIMEOUT        = 150 * time.Second
	// Small delay before serving an upload request, giving the peer a window
	// to cancel it.
	BLOCK_READ_REQUEST_DELAY = time.Second
	MAX_UPLOAD_QUEUE         = 16
)

var newWire = wire.NewWire
var dial = net.DialTimeout

// Peer is one remote peer session. Start drives the connection through
// connecting, handshaking and the active message loop on the caller's
// goroutine; everything else may be called concurrently.
type Peer interface {
	Start()
	Stop(reason error)
	GetPeerInfo() (id string, state connState, lastBlockAt int64)
	SendChoke() error
	SendUnchoke() error
	SendHave(pieceIndex int) error
	SendCancel(pieceIndex, begin, length int) error
}

type connState struct {
	peerInterested   bool
	clientInterested bool
	peerChoking      bool
	clientChoking    bool
}

type uploadRequest struct {
	pieceIndex int
	begin      int
	length     int
}

type peer struct {
	sync.Mutex
	id             string
	expectedPeerID []byte // from a dictionary-format tracker response, may be nil
	state          connState
	closed         bool
	quit           chan int
	storage        storage.Storage
	torrent        *torrent.Torrent
	peerMgr        PeerManager
	pieceMgr       piece.PieceManager
	wire           wire.Wire
	stats          stats.Stats
	peerBitfield   *bitmap.Bitmap
	uploadCancel   map[uploadRequest]chan int
	uploadOrder    []uploadRequest
	lastBlockAt    int64
}

func NewPeer(
	id string,
	expectedPeerID []byte,
	w wire.Wire,
	tor *torrent.Torrent,
	st storage.Storage,
	peerMgr PeerManager,
	pieceMgr piece.PieceManager,
	sts stats.Stats) Peer {

	return &peer{
		id:             id,
		expectedPeerID: expectedPeerID,
		wire:           w,
		quit:           make(chan int),
		torrent:        tor,
		storage:        st,
		peerMgr:        peerMgr,
		pieceMgr:       pieceMgr,
		stats:          sts,
		uploadCancel:   make(map[uploadRequest]chan int),
		state: connState{
			peerChoking:      true,
			clientChoking:    true,
			peerInterested:   false,
			clientInterested: false,
		},
	}
}

func (p *peer) GetPeerInfo() (string, connState, int64) {
	p.Lock()
	defer p.Unlock()

	return p.id, p.state, p.lastBlockAt
}

func (p *peer) Stop(reason error) {
	p.Lock()
	if p.closed {
		p.Unlock()
		return
	}
	p.closed = true
	close(p.quit)
	w := p.wire
	bf := p.peerBitfield
	p.Unlock()

	if reason != nil {
		log.Printf("peer %s: closing: %v", p.id, reason)
	}
	if w != nil {
		w.Close()
	}
	go func() {
		p.peerMgr.RemovePeer(p.id)
		p.pieceMgr.PeerStopped(p.id, bf)
		p.stats.RemovePeer(p.id)
	}()
}

func (p *peer) Start() {
	if p.wire == nil {
		conn, err := dial("tcp", p.id, DIAL_TIMEOUT)
		if err != nil {
			p.Stop(err)
			return
		}
		p.Lock()
		if p.closed {
			p.Unlock()
			conn.Close()
			return
		}
		p.wire = newWire(conn, IDLE_TIMEOUT)
		p.Unlock()
	}

	if err := p.wire.SendHandshake(p.torrent.InfoHash, torrent.PEER_ID); err != nil {
		p.Stop(err)
		return
	}
	hs, err := p.wire.ReadHandshake()
	if err != nil {
		p.peerMgr.BanPeer(p.id)
		p.Stop(fmt.Errorf("handshake: %v", err))
		return
	}
	if !bytes.Equal(hs.InfoHash[:], p.torrent.InfoHash) {
		p.peerMgr.BanPeer(p.id)
		p.Stop(fmt.Errorf("handshake info hash mismatch"))
		return
	}
	if p.expectedPeerID != nil && !bytes.Equal(hs.PeerID[:], p.expectedPeerID) {
		// Common client behavior: a warning, not fatal.
		log.Printf("peer %s: handshake peer id differs from tracker-reported id", p.id)
	}

	// Only announce a bitfield that says something.
	bitfield := p.pieceMgr.GetBitField()
	if !allZero(bitfield) {
		if err := p.wire.SendBitField(bitfield); err != nil {
			p.Stop(err)
			return
		}
	}

	go p.keepAlive()

	for {
		msg, err := p.wire.ReadMessage()
		if err != nil {
			p.Stop(err)
			return
		}
		if msg == nil {
			// keep-alive, the read deadline was already pushed out
			continue
		}
		if !p.dispatch(msg) {
			return
		}
	}
}

func (p *peer) keepAlive() {
	for {
		select {
		case <-p.quit:
			return
		case <-time.After(KEEP_ALIVE_INTERVAL / 4):
			if time.Since(p.wire.GetLastMessageSent()) >= KEEP_ALIVE_INTERVAL {
				if err := p.wire.SendKeepAlive(); err != nil {
					return
				}
			}
		}
	}
}

// dispatch handles one incoming message; it returns false when the session
// was stopped.
func (p *peer) dispatch(msg *wire.Message) bool {
	switch msg.ID {
	case wire.CHOKE:
		p.Lock()
		wasChoking := p.state.peerChoking
		p.state.peerChoking = true
		p.Unlock()
		if !wasChoking {
			go p.pieceMgr.PeerChoked(p.id)
		}
	case wire.UNCHOKE:
		p.Lock()
		wasChoking := p.state.peerChoking
		p.state.peerChoking = false
		p.Unlock()
		if wasChoking {
			go p.requestBlocks()
		}
	case wire.INTERESTED:
		p.Lock()
		p.state.peerInterested = true
		p.Unlock()
	case wire.NOT_INTERESTED:
		p.Lock()
		p.state.peerInterested = false
		p.Unlock()
	case wire.HAVE:
		pieceIndex := msg.Index()
		if pieceIndex < 0 || pieceIndex >= p.torrent.NumPieces {
			return p.protocolViolation(fmt.Errorf("have index %d out of range", pieceIndex))
		}
		p.Lock()
		if p.peerBitfield == nil {
			bf := bitmap.New(p.torrent.NumPieces)
			p.peerBitfield = &bf
		}
		p.peerBitfield.Set(pieceIndex, true)
		p.Unlock()
		if p.pieceMgr.PieceHave(p.id, pieceIndex) {
			p.becomeInterested()
		}
	case wire.BITFIELD:
		return p.handleBitfield(msg.Payload)
	case wire.REQUEST:
		p.handleRequest(msg)
	case wire.BLOCK:
		p.handleBlock(msg)
	case wire.CANCEL:
		pieceIndex, begin, length := msg.Request()
		p.Lock()
		req := uploadRequest{pieceIndex, begin, length}
		if cancel, ok := p.uploadCancel[req]; ok {
			close(cancel)
			delete(p.uploadCancel, req)
		}
		p.Unlock()
	case wire.PORT:
		// DHT is out of scope; not an error
	default:
		// ids >= 10 are extensions we don't speak; skip for forward
		// compatibility
		log.Printf("peer %s: skipping unknown message id %d", p.id, msg.ID)
	}
	return true
}

func (p *peer) protocolViolation(err error) bool {
	p.peerMgr.BanPeer(p.id)
	p.Stop(err)
	return false
}

func (p *peer) becomeInterested() {
	p.Lock()
	was := p.state.clientInterested
	p.state.clientInterested = true
	p.Unlock()
	if !was {
		if err := p.wire.SendInterested(); err != nil {
			p.Stop(err)
		}
	}
}

// becomeUninterested clears the interest flag along with sending the message,
// so a later have for a wanted piece re-sends interested.
func (p *peer) becomeUninterested() {
	p.Lock()
	was := p.state.clientInterested
	p.state.clientInterested = false
	p.Unlock()
	if was {
		if err := p.wire.SendUnInterested(); err != nil {
			p.Stop(err)
		}
	}
}

func (p *peer) handleBitfield(payload []byte) bool {
	if len(payload) != (p.torrent.NumPieces+7)/8 {
		return p.protocolViolation(fmt.Errorf("bitfield length %d for %d pieces", len(payload), p.torrent.NumPieces))
	}
	p.Lock()
	if p.peerBitfield != nil {
		// Valid only as the first post-handshake message; tolerated later
		// but worth noticing.
		p.Unlock()
		log.Printf("peer %s: ignoring bitfield arriving after other messages", p.id)
		return true
	}
	bf := bitmap.New(p.torrent.NumPieces)
	for pieceIndex := 0; pieceIndex < p.torrent.NumPieces; pieceIndex++ {
		if bitmap.Get(payload, pieceIndex) {
			bf.Set(pieceIndex, true)
		}
	}
	p.peerBitfield = &bf
	p.Unlock()

	if p.pieceMgr.PeerBitfield(p.id, &bf) {
		p.becomeInterested()
	}
	return true
}

func (p *peer) handleRequest(msg *wire.Message) {
	pieceIndex, begin, length := msg.Request()
	p.Lock()
	if p.state.clientChoking {
		p.Unlock()
		log.Printf("peer %s: dropping request while choked", p.id)
		return
	}
	req := uploadRequest{pieceIndex, begin, length}
	if _, ok := p.uploadCancel[req]; ok {
		p.Unlock()
		return
	}
	if len(p.uploadOrder) >= MAX_UPLOAD_QUEUE {
		oldest := p.uploadOrder[0]
		p.uploadOrder = p.uploadOrder[1:]
		if cancel, ok := p.uploadCancel[oldest]; ok {
			close(cancel)
			delete(p.uploadCancel, oldest)
		}
	}
	cancel := make(chan int)
	p.uploadCancel[req] = cancel
	p.uploadOrder = append(p.uploadOrder, req)
	p.Unlock()

	go p.serveBlock(req, cancel)
}

func (p *peer) serveBlock(req uploadRequest, cancel chan int) {
	select {
	case <-cancel:
		return
	case <-p.quit:
		return
	case <-time.After(BLOCK_READ_REQUEST_DELAY):
	}
	p.Lock()
	delete(p.uploadCancel, req)
	for i, queued := range p.uploadOrder {
		if queued == req {
			p.uploadOrder = append(p.uploadOrder[:i], p.uploadOrder[i+1:]...)
			break
		}
	}
	p.Unlock()

	block, err := p.storage.BlockReadRequest(req.pieceIndex, req.begin, req.length)
	if err != nil {
		p.Stop(err)
		return
	}
	if err := p.wire.SendBlock(req.pieceIndex, req.begin, block); err != nil {
		p.Stop(err)
		return
	}
	p.stats.UpdatePeer(p.id, 0, req.length)
}

func (p *peer) handleBlock(msg *wire.Message) {
	pieceIndex, begin, block := msg.Block()
	p.Lock()
	p.lastBlockAt = time.Now().Unix()
	p.Unlock()
	p.stats.UpdatePeer(p.id, len(block), 0)

	go func() {
		_, banned, err := p.pieceMgr.WriteBlock(p.id, pieceIndex, begin, block)
		if err != nil {
			p.Stop(err)
			return
		}
		if banned != nil {
			p.peerMgr.BanPeers(banned)
		}
		p.requestBlocks()
	}()
}

func (p *peer) requestBlocks() {
	p.Lock()
	choked := p.state.peerChoking
	closed := p.closed
	// hand the scheduler a snapshot; the session keeps mutating its copy as
	// have messages arrive
	var bf *bitmap.Bitmap
	if p.peerBitfield != nil {
		snapshot := bitmap.Bitmap(append([]byte(nil), *p.peerBitfield...))
		bf = &snapshot
	}
	p.Unlock()
	if bf == nil || choked || closed {
		return
	}
	interesting, err := p.pieceMgr.SendBlockRequests(p.id, p.wire, bf)
	if err != nil {
		p.Stop(err)
		return
	}
	if !interesting {
		p.becomeUninterested()
	}
}

func (p *peer) SendChoke() error {
	p.Lock()
	if p.state.clientChoking || p.wire == nil {
		p.Unlock()
		return nil
	}
	p.state.clientChoking = true
	// Implicitly drops the pending upload queue; requests issued while
	// unchoked aren't honored across a choke.
	for req, cancel := range p.uploadCancel {
		close(cancel)
		delete(p.uploadCancel, req)
	}
	p.uploadOrder = nil
	p.Unlock()
	return p.wire.SendChoke()
}

func (p *peer) SendUnchoke() error {
	p.Lock()
	if !p.state.clientChoking || p.wire == nil {
		p.Unlock()
		return nil
	}
	p.state.clientChoking = false
	p.Unlock()
	return p.wire.SendUnchoke()
}

func (p *peer) SendHave(pieceIndex int) error {
	p.Lock()
	w := p.wire
	closed := p.closed
	p.Unlock()
	if w == nil || closed {
		return nil
	}
	return w.SendHave(pieceIndex)
}

func (p *peer) SendCancel(pieceIndex, begin, length int) error {
	p.Lock()
	w := p.wire
	closed := p.closed
	p.Unlock()
	if w == nil || closed {
		return nil
	}
	return w.SendCancel(pieceIndex, begin, length)
}

func allZero(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}
