package piece

import (
	"bytes"
	"crypto/sha1"
	"log"
	"sort"
	"sync"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"

	"swarm/stats"
	"swarm/storage"
	"swarm/torrent"
	"swarm/wire"
)

type request struct {
	pieceIndex int
	begin      int
	length     int
}

type blockInfo struct {
	received bool
	// outstanding requests for this block, peer id -> issue time.
	// More than one entry only during endgame.
	issued map[string]time.Time
}

type pieceInfo struct {
	status       int
	availability int
	blocks       []*blockInfo
	buf          []byte
	contributors mapset.Set
}

type rarestFirst struct {
	sync.Mutex
	tor            *torrent.Torrent
	storage        storage.Storage
	stats          stats.Stats
	broadcaster    Broadcaster
	clientBitField bitmap.Bitmap
	pieceInfo      []*pieceInfo
	// per-peer outstanding requests, mirror of the blockInfo.issued entries
	requests       map[string]map[request]struct{}
	maxOutstanding int
	requestTimeout time.Duration
	endgame        bool
	corruptions    int
}

func NewRarestFirstPieceManager(
	tor *torrent.Torrent,
	st storage.Storage,
	sts stats.Stats,
	clientBitField bitmap.Bitmap,
	maxOutstanding int,
	requestTimeout time.Duration) PieceManager {

	pm := &rarestFirst{
		tor:            tor,
		storage:        st,
		stats:          sts,
		clientBitField: clientBitField,
		requests:       make(map[string]map[request]struct{}),
		maxOutstanding: maxOutstanding,
		requestTimeout: requestTimeout,
	}

	for pieceIndex := 0; pieceIndex < tor.NumPieces; pieceIndex++ {
		pi := &pieceInfo{
			contributors: mapset.NewSet(),
		}
		if clientBitField.Get(pieceIndex) {
			pi.status = VERIFIED
		}
		for blockIndex := 0; blockIndex < pm.numBlocks(pieceIndex); blockIndex++ {
			pi.blocks = append(pi.blocks, &blockInfo{
				issued: make(map[string]time.Time),
			})
		}
		pm.pieceInfo = append(pm.pieceInfo, pi)
	}
	return pm
}

func (pm *rarestFirst) SetBroadcaster(b Broadcaster) {
	pm.Lock()
	defer pm.Unlock()

	pm.broadcaster = b
}

func (pm *rarestFirst) numBlocks(pieceIndex int) int {
	size := pm.tor.PieceSize(pieceIndex)
	return (size + BLOCK_SIZE - 1) / BLOCK_SIZE
}

func (pm *rarestFirst) blockLength(pieceIndex, blockIndex int) int {
	size := pm.tor.PieceSize(pieceIndex)
	if length := size - blockIndex*BLOCK_SIZE; length < BLOCK_SIZE {
		return length
	}
	return BLOCK_SIZE
}

func (pm *rarestFirst) GetBitField() []byte {
	pm.Lock()
	defer pm.Unlock()

	return pm.clientBitField.Data(true)
}

func (pm *rarestFirst) GetPiecesVerified() int {
	pm.Lock()
	defer pm.Unlock()

	return pm.piecesVerified()
}

func (pm *rarestFirst) piecesVerified() int {
	verified := 0
	for _, pi := range pm.pieceInfo {
		if pi.status == VERIFIED {
			verified++
		}
	}
	return verified
}

func (pm *rarestFirst) GetCorruptions() int {
	pm.Lock()
	defer pm.Unlock()

	return pm.corruptions
}

func (pm *rarestFirst) Done() bool {
	pm.Lock()
	defer pm.Unlock()

	return pm.piecesVerified() == pm.tor.NumPieces
}

// dropRequests releases every outstanding request held by a peer, making the
// affected blocks requestable again.
func (pm *rarestFirst) dropRequests(id string) {
	for req := range pm.requests[id] {
		pi := pm.pieceInfo[req.pieceIndex]
		delete(pi.blocks[req.begin/BLOCK_SIZE].issued, id)
		pm.demoteIfIdle(req.pieceIndex)
	}
	delete(pm.requests, id)
}

// demoteIfIdle reverts an in-progress piece to missing when no block has been
// received and nothing is in flight.
func (pm *rarestFirst) demoteIfIdle(pieceIndex int) {
	pi := pm.pieceInfo[pieceIndex]
	if pi.status != IN_PROGRESS {
		return
	}
	for _, blk := range pi.blocks {
		if blk.received || len(blk.issued) > 0 {
			return
		}
	}
	pi.status = MISSING
}

func (pm *rarestFirst) PeerChoked(id string) {
	pm.Lock()
	defer pm.Unlock()

	pm.dropRequests(id)
}

func (pm *rarestFirst) PeerStopped(id string, peerBitfield *bitmap.Bitmap) {
	pm.Lock()
	defer pm.Unlock()

	if peerBitfield != nil {
		for pieceIndex := 0; pieceIndex < pm.tor.NumPieces; pieceIndex++ {
			if peerBitfield.Get(pieceIndex) && pm.pieceInfo[pieceIndex].availability > 0 {
				pm.pieceInfo[pieceIndex].availability--
			}
		}
	}
	pm.dropRequests(id)
}

func (pm *rarestFirst) PieceHave(id string, pieceIndex int) bool {
	pm.Lock()
	defer pm.Unlock()

	if pieceIndex < 0 || pieceIndex >= pm.tor.NumPieces {
		return false
	}
	pm.pieceInfo[pieceIndex].availability++
	return !pm.clientBitField.Get(pieceIndex)
}

func (pm *rarestFirst) PeerBitfield(id string, peerBitfield *bitmap.Bitmap) bool {
	pm.Lock()
	defer pm.Unlock()

	interesting := false
	for pieceIndex := 0; pieceIndex < pm.tor.NumPieces; pieceIndex++ {
		if peerBitfield.Get(pieceIndex) {
			pm.pieceInfo[pieceIndex].availability++
			if !pm.clientBitField.Get(pieceIndex) {
				interesting = true
			}
		}
	}
	return interesting
}

// WriteBlock records a delivered block. Deliveries that don't match an
// outstanding request from that peer are dropped. When the block completes a
// piece the hash is checked: a match persists the piece and broadcasts have;
// a mismatch resets the piece and, when a single peer supplied all of it,
// reports that peer for banning.
func (pm *rarestFirst) WriteBlock(id string, pieceIndex, begin int, data []byte) (bool, mapset.Set, error) {
	pm.Lock()
	defer pm.Unlock()

	if pieceIndex < 0 || pieceIndex >= pm.tor.NumPieces {
		return false, nil, nil
	}
	req := request{pieceIndex: pieceIndex, begin: begin, length: len(data)}
	if _, ok := pm.requests[id][req]; !ok {
		log.Printf("piece: ignoring unsolicited block %d/%d from %s", pieceIndex, begin, id)
		return false, nil, nil
	}
	delete(pm.requests[id], req)

	pi := pm.pieceInfo[pieceIndex]
	blk := pi.blocks[begin/BLOCK_SIZE]
	delete(blk.issued, id)

	// Endgame duplicates: first delivery wins, the rest get cancels.
	for other := range blk.issued {
		pm.broadcaster.SendCancel(other, pieceIndex, begin, len(data))
		delete(pm.requests[other], req)
		delete(blk.issued, other)
	}

	if blk.received || pi.status == VERIFIED {
		return false, nil, nil
	}
	if pi.buf == nil {
		pi.buf = make([]byte, pm.tor.PieceSize(pieceIndex))
	}
	copy(pi.buf[begin:], data)
	blk.received = true
	pi.contributors.Add(id)

	for _, b := range pi.blocks {
		if !b.received {
			return false, nil, nil
		}
	}

	checksum := sha1.Sum(pi.buf)
	if !bytes.Equal(checksum[:], pm.tor.PieceHash(pieceIndex)) {
		pm.corruptions++
		log.Printf("piece: checksum mismatch for piece %d (corruptions: %d)", pieceIndex, pm.corruptions)
		pi.status = MISSING
		for _, b := range pi.blocks {
			b.received = false
		}
		var banned mapset.Set
		if pi.contributors.Cardinality() == 1 {
			// The whole piece came from one peer, so the corruption is theirs.
			banned = pi.contributors
		}
		pi.contributors = mapset.NewSet()
		return false, banned, nil
	}

	if err := pm.storage.WritePieceRequest(pieceIndex, pi.buf); err != nil {
		return false, nil, err
	}
	pi.status = VERIFIED
	pi.buf = nil
	pi.contributors = mapset.NewSet()
	pm.clientBitField.Set(pieceIndex, true)
	pm.stats.PieceVerified(pm.tor.PieceSize(pieceIndex))
	pm.broadcaster.BroadcastHave(pieceIndex)
	return true, nil, nil
}

// SendBlockRequests tops up a peer's request pipeline and reports whether the
// peer still has anything the client lacks; the session owns the interest
// flag and the not-interested message. Pieces the peer has and the client
// lacks are considered rarest first, ties broken by lowest index; blocks
// within a piece go out in ascending offset order. During endgame mode blocks
// already in flight to other peers may be requested again.
func (pm *rarestFirst) SendBlockRequests(id string, w wire.Wire, peerBitfield *bitmap.Bitmap) (bool, error) {
	pm.Lock()
	defer pm.Unlock()

	if peerBitfield == nil {
		return false, nil
	}

	candidates := make([]int, 0)
	interesting := false
	for pieceIndex := 0; pieceIndex < pm.tor.NumPieces; pieceIndex++ {
		if peerBitfield.Get(pieceIndex) && !pm.clientBitField.Get(pieceIndex) {
			interesting = true
			if pm.pieceInfo[pieceIndex].status != VERIFIED {
				candidates = append(candidates, pieceIndex)
			}
		}
	}
	if !interesting {
		return false, nil
	}

	if pm.requests[id] == nil {
		pm.requests[id] = make(map[request]struct{})
	}
	window := pm.maxOutstanding - len(pm.requests[id])
	if window <= 0 {
		return true, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		p1, p2 := candidates[i], candidates[j]
		if pm.pieceInfo[p1].availability != pm.pieceInfo[p2].availability {
			return pm.pieceInfo[p1].availability < pm.pieceInfo[p2].availability
		}
		return p1 < p2
	})

	window, err := pm.fillWindow(id, w, candidates, window, false)
	if err != nil || window == 0 {
		return true, err
	}
	if pm.inEndgame() {
		_, err = pm.fillWindow(id, w, candidates, window, true)
	}
	return true, err
}

func (pm *rarestFirst) fillWindow(id string, w wire.Wire, candidates []int, window int, duplicate bool) (int, error) {
	now := time.Now()
	for _, pieceIndex := range candidates {
		pi := pm.pieceInfo[pieceIndex]
		for blockIndex, blk := range pi.blocks {
			if blk.received {
				continue
			}
			if _, mine := blk.issued[id]; mine {
				continue
			}
			if !duplicate && len(blk.issued) > 0 {
				continue
			}
			length := pm.blockLength(pieceIndex, blockIndex)
			if err := w.SendRequest(pieceIndex, blockIndex*BLOCK_SIZE, length); err != nil {
				return window, err
			}
			blk.issued[id] = now
			pm.requests[id][request{pieceIndex, blockIndex * BLOCK_SIZE, length}] = struct{}{}
			if pi.status == MISSING {
				pi.status = IN_PROGRESS
			}
			window--
			if window == 0 {
				return 0, nil
			}
		}
	}
	return window, nil
}

// inEndgame reports whether every piece is verified or fully in flight. The
// flag is sticky: timed-out requests don't leave endgame once it starts.
func (pm *rarestFirst) inEndgame() bool {
	if pm.endgame {
		return true
	}
	for _, pi := range pm.pieceInfo {
		if pi.status == VERIFIED {
			continue
		}
		for _, blk := range pi.blocks {
			if !blk.received && len(blk.issued) == 0 {
				return false
			}
		}
	}
	pm.endgame = true
	log.Println("piece: entering endgame mode")
	return true
}

// ExpireRequests abandons requests older than the timeout so their blocks
// become requestable from other peers.
func (pm *rarestFirst) ExpireRequests() {
	pm.Lock()
	defer pm.Unlock()

	cutoff := time.Now().Add(-pm.requestTimeout)
	for id, reqs := range pm.requests {
		for req := range reqs {
			blk := pm.pieceInfo[req.pieceIndex].blocks[req.begin/BLOCK_SIZE]
			if issued, ok := blk.issued[id]; ok && issued.Before(cutoff) {
				delete(blk.issued, id)
				delete(reqs, req)
				pm.demoteIfIdle(req.pieceIndex)
			}
		}
	}
}
