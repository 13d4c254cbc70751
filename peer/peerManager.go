package peer

import (
	"log"
	"net"
	"sync"

	mapset "github.com/deckarep/golang-set"

	"swarm/piece"
	"swarm/stats"
	"swarm/storage"
	"swarm/torrent"
	"swarm/wire"
)

// PeerManager is the registry of live sessions. It enforces the connection
// cap (overflow addresses wait in a queue), keeps the ban list for peers that
// violated the protocol, and fans have/cancel messages out to sessions.
type PeerManager interface {
	AddPeer(id string, peerID []byte, conn net.Conn)
	RemovePeer(id string)
	GetPeerList() []Peer
	ConnectedCount() int
	StopPeers()
	BroadcastHave(pieceIndex int)
	SendCancel(id string, pieceIndex, begin, length int)
	BanPeer(id string)
	BanPeers(peers mapset.Set)
}

type queuedPeer struct {
	id     string
	peerID []byte
}

type peerManager struct {
	sync.RWMutex
	torrent     *torrent.Torrent
	pieceMgr    piece.PieceManager
	storage     storage.Storage
	stats       stats.Stats
	peers       map[string]Peer
	pending     []queuedPeer
	maxPeers    int
	bannedPeers mapset.Set
}

func NewPeerManager(
	tor *torrent.Torrent,
	pieceMgr piece.PieceManager,
	st storage.Storage,
	sts stats.Stats,
	maxPeers int) PeerManager {

	return &peerManager{
		torrent:     tor,
		pieceMgr:    pieceMgr,
		storage:     st,
		stats:       sts,
		peers:       make(map[string]Peer),
		bannedPeers: mapset.NewSet(),
		maxPeers:    maxPeers,
	}
}

func (pm *peerManager) BanPeer(id string) {
	pm.Lock()
	defer pm.Unlock()

	pm.bannedPeers.Add(id)
}

func (pm *peerManager) BanPeers(peers mapset.Set) {
	pm.Lock()
	stopped := []Peer{}
	for _, id := range peers.ToSlice() {
		pm.bannedPeers.Add(id)
		if p, ok := pm.peers[id.(string)]; ok {
			stopped = append(stopped, p)
		}
	}
	pm.Unlock()

	for _, p := range stopped {
		p.Stop(nil)
	}
}

func (pm *peerManager) BroadcastHave(pieceIndex int) {
	pm.RLock()
	defer pm.RUnlock()

	for _, p := range pm.peers {
		go p.SendHave(pieceIndex)
	}
}

func (pm *peerManager) SendCancel(id string, pieceIndex, begin, length int) {
	pm.RLock()
	p, ok := pm.peers[id]
	pm.RUnlock()

	if ok {
		go p.SendCancel(pieceIndex, begin, length)
	}
}

func (pm *peerManager) StopPeers() {
	pm.RLock()
	peers := make([]Peer, 0, len(pm.peers))
	for _, p := range pm.peers {
		peers = append(peers, p)
	}
	pm.RUnlock()

	for _, p := range peers {
		p.Stop(nil)
	}
}

func (pm *peerManager) GetPeerList() []Peer {
	pm.RLock()
	defer pm.RUnlock()

	peers := []Peer{}
	for _, p := range pm.peers {
		peers = append(peers, p)
	}
	return peers
}

func (pm *peerManager) ConnectedCount() int {
	pm.RLock()
	defer pm.RUnlock()

	return len(pm.peers)
}

func (pm *peerManager) AddPeer(id string, peerID []byte, conn net.Conn) {
	pm.Lock()
	defer pm.Unlock()

	if pm.bannedPeers.Contains(id) {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if _, ok := pm.peers[id]; ok {
		// Already connected to peer
		if conn != nil {
			conn.Close()
		}
		return
	}
	if len(pm.peers) >= pm.maxPeers {
		// Connected to too many peers; keep the address for later rather
		// than dropping it. Inbound connections are simply refused.
		if conn != nil {
			conn.Close()
			return
		}
		pm.pending = append(pm.pending, queuedPeer{id: id, peerID: peerID})
		return
	}

	w := (wire.Wire)(nil)
	if conn != nil {
		w = newWire(conn, IDLE_TIMEOUT)
	}
	p := NewPeer(
		id,
		peerID,
		w,
		pm.torrent,
		pm.storage,
		pm,
		pm.pieceMgr,
		pm.stats,
	)
	pm.stats.AddPeer(id)
	pm.peers[id] = p
	go p.Start()
}

func (pm *peerManager) RemovePeer(id string) {
	pm.Lock()
	if _, ok := pm.peers[id]; !ok {
		pm.Unlock()
		return
	}
	delete(pm.peers, id)
	var next *queuedPeer
	if len(pm.pending) > 0 {
		next = &pm.pending[0]
		pm.pending = pm.pending[1:]
	}
	pm.Unlock()

	if next != nil {
		log.Printf("peer %s: promoting from pending queue", next.id)
		pm.AddPeer(next.id, next.peerID, nil)
	}
}
