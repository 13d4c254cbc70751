package piece

import (
	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"

	"swarm/wire"
)

var (
	BLOCK_SIZE = 16384 // 2^14
)

// Piece lifecycle. A piece leaves IN_PROGRESS back to MISSING when its hash
// check fails or every outstanding request for it is dropped.
const (
	MISSING = iota
	IN_PROGRESS
	VERIFIED
)

// Broadcaster fans session-bound messages out to connected peers. Implemented
// by the peer manager; injected after construction to break the peer<->piece
// dependency cycle.
type Broadcaster interface {
	BroadcastHave(pieceIndex int)
	SendCancel(id string, pieceIndex, begin, length int)
}

// PieceManager owns all piece and block state: availability counts, block
// bitmaps, outstanding requests and hash verification. Peer sessions report
// events through these calls and never touch the state directly.
type PieceManager interface {
	SetBroadcaster(b Broadcaster)
	GetBitField() (clientBitfield []byte)
	GetPiecesVerified() (piecesVerified int)
	GetCorruptions() (corruptions int)
	Done() bool
	PeerChoked(id string)
	PeerStopped(id string, peerBitfield *bitmap.Bitmap)
	PieceHave(id string, pieceIndex int) (interesting bool)
	PeerBitfield(id string, peerBitfield *bitmap.Bitmap) (interesting bool)
	WriteBlock(id string, pieceIndex, begin int, data []byte) (verified bool, bannedPeers mapset.Set, err error)
	SendBlockRequests(id string, wire wire.Wire, peerBitfield *bitmap.Bitmap) (interesting bool, err error)
	ExpireRequests()
}
