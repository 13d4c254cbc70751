package peer

import (
	"testing"
	"time"

	bitmap "github.com/boljen/go-bitmap"
	mapset "github.com/deckarep/golang-set"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"swarm/piece"
	"swarm/stats"
	"swarm/torrent"
	"swarm/wire"
)

type stubWire struct {
	wire.Wire
	mock.Mock
}

func (w *stubWire) SendInterested() error {
	args := w.Called()
	return args.Error(0)
}

func (w *stubWire) SendUnInterested() error {
	args := w.Called()
	return args.Error(0)
}

func (w *stubWire) SendChoke() error {
	args := w.Called()
	return args.Error(0)
}

func (w *stubWire) Close() {
	w.Called()
}

type stubPieceMgr struct {
	piece.PieceManager
	mock.Mock
}

func (m *stubPieceMgr) PieceHave(id string, pieceIndex int) bool {
	args := m.Called(id, pieceIndex)
	return args.Bool(0)
}

func (m *stubPieceMgr) PeerBitfield(id string, peerBitfield *bitmap.Bitmap) bool {
	args := m.Called(id, peerBitfield)
	return args.Bool(0)
}

func (m *stubPieceMgr) PeerChoked(id string) {
	m.Called(id)
}

func (m *stubPieceMgr) PeerStopped(id string, peerBitfield *bitmap.Bitmap) {
	m.Called(id, peerBitfield)
}

func (m *stubPieceMgr) WriteBlock(id string, pieceIndex, begin int, data []byte) (bool, mapset.Set, error) {
	args := m.Called(id, pieceIndex, begin, data)
	banned, _ := args.Get(1).(mapset.Set)
	return args.Bool(0), banned, args.Error(2)
}

func (m *stubPieceMgr) SendBlockRequests(id string, w wire.Wire, peerBitfield *bitmap.Bitmap) (bool, error) {
	args := m.Called(id, w, peerBitfield)
	return args.Bool(0), args.Error(1)
}

type stubPeerMgr struct {
	PeerManager
	mock.Mock
}

func (m *stubPeerMgr) BanPeer(id string)         { m.Called(id) }
func (m *stubPeerMgr) BanPeers(peers mapset.Set) { m.Called(peers) }
func (m *stubPeerMgr) RemovePeer(id string)      { m.Called(id) }

func newTestSession(w wire.Wire, pieceMgr piece.PieceManager, peerMgr PeerManager) *peer {
	tor := &torrent.Torrent{
		Name:        "fixture",
		NumPieces:   4,
		PieceLength: 16384,
		Length:      4 * 16384,
	}
	sts := stats.NewStats(0, 0, tor.Length)
	return NewPeer("10.0.0.1:6881", nil, w, tor, nil, peerMgr, pieceMgr, sts).(*peer)
}

func expectStop(w *stubWire, pieceMgr *stubPieceMgr, peerMgr *stubPeerMgr) {
	w.On("Close").Return()
	peerMgr.On("RemovePeer", mock.Anything).Return()
	pieceMgr.On("PeerStopped", mock.Anything, mock.Anything).Return()
}

func TestHaveTriggersInterestedOnce(t *testing.T) {
	w := &stubWire{}
	pieceMgr := &stubPieceMgr{}
	p := newTestSession(w, pieceMgr, &stubPeerMgr{})

	w.On("SendInterested").Return(nil).Once()
	pieceMgr.On("PieceHave", p.id, 2).Return(true).Once()
	pieceMgr.On("PieceHave", p.id, 3).Return(true).Once()

	assert.True(t, p.dispatch(wire.NewHave(2)))
	assert.True(t, p.dispatch(wire.NewHave(3)))

	w.AssertExpectations(t)
	pieceMgr.AssertExpectations(t)
}

func TestHaveOutOfRangeBansPeer(t *testing.T) {
	w := &stubWire{}
	pieceMgr := &stubPieceMgr{}
	peerMgr := &stubPeerMgr{}
	p := newTestSession(w, pieceMgr, peerMgr)

	expectStop(w, pieceMgr, peerMgr)
	peerMgr.On("BanPeer", p.id).Return().Once()

	assert.False(t, p.dispatch(wire.NewHave(9)))
	time.Sleep(50 * time.Millisecond)
	peerMgr.AssertExpectations(t)
}

func TestBitfieldLengthMismatchBansPeer(t *testing.T) {
	w := &stubWire{}
	pieceMgr := &stubPieceMgr{}
	peerMgr := &stubPeerMgr{}
	p := newTestSession(w, pieceMgr, peerMgr)

	expectStop(w, pieceMgr, peerMgr)
	peerMgr.On("BanPeer", p.id).Return().Once()

	// 4 pieces need a single bitfield byte
	assert.False(t, p.dispatch(wire.NewBitfield([]byte{0xf0, 0x00})))
	time.Sleep(50 * time.Millisecond)
	peerMgr.AssertExpectations(t)
}

func TestBitfieldRegistersInterest(t *testing.T) {
	w := &stubWire{}
	pieceMgr := &stubPieceMgr{}
	p := newTestSession(w, pieceMgr, &stubPeerMgr{})

	w.On("SendInterested").Return(nil).Once()
	pieceMgr.On("PeerBitfield", p.id, mock.Anything).Return(true).Once()

	assert.True(t, p.dispatch(wire.NewBitfield([]byte{0xf0})))

	// piece 0 is the high bit of the first byte
	assert.True(t, p.peerBitfield.Get(0))
	assert.True(t, p.peerBitfield.Get(3))
	w.AssertExpectations(t)
	pieceMgr.AssertExpectations(t)
}

func TestLateBitfieldIgnored(t *testing.T) {
	w := &stubWire{}
	pieceMgr := &stubPieceMgr{}
	p := newTestSession(w, pieceMgr, &stubPeerMgr{})

	pieceMgr.On("PieceHave", p.id, 1).Return(false).Once()
	assert.True(t, p.dispatch(wire.NewHave(1)))

	// a bitfield after other messages doesn't reset what we learned
	assert.True(t, p.dispatch(wire.NewBitfield([]byte{0xf0})))
	pieceMgr.AssertNotCalled(t, "PeerBitfield", mock.Anything, mock.Anything)
	assert.True(t, p.peerBitfield.Get(1))
	assert.False(t, p.peerBitfield.Get(0))
}

func TestUnchokeRequestsBlocks(t *testing.T) {
	w := &stubWire{}
	pieceMgr := &stubPieceMgr{}
	p := newTestSession(w, pieceMgr, &stubPeerMgr{})

	pieceMgr.On("PeerBitfield", p.id, mock.Anything).Return(false).Once()
	assert.True(t, p.dispatch(wire.NewBitfield([]byte{0xf0})))

	pieceMgr.On("SendBlockRequests", p.id, w, p.peerBitfield).Return(true, nil).Once()
	assert.True(t, p.dispatch(&wire.Message{ID: wire.UNCHOKE}))
	time.Sleep(50 * time.Millisecond)
	pieceMgr.AssertExpectations(t)
}

// A peer that stops being interesting gets not-interested, and a later have
// for a wanted piece flips us back to interested on the wire.
func TestInterestRestoredAfterHave(t *testing.T) {
	w := &stubWire{}
	pieceMgr := &stubPieceMgr{}
	p := newTestSession(w, pieceMgr, &stubPeerMgr{})

	w.On("SendInterested").Return(nil).Twice()
	w.On("SendUnInterested").Return(nil).Once()

	pieceMgr.On("PeerBitfield", p.id, mock.Anything).Return(true).Once()
	assert.True(t, p.dispatch(wire.NewBitfield([]byte{0x80})))

	// the only piece this peer had got verified elsewhere
	pieceMgr.On("SendBlockRequests", p.id, w, mock.Anything).Return(false, nil).Once()
	assert.True(t, p.dispatch(&wire.Message{ID: wire.UNCHOKE}))
	time.Sleep(50 * time.Millisecond)

	p.Lock()
	assert.False(t, p.state.clientInterested)
	p.Unlock()

	// a fresh have must re-send interested, not assume the old flag
	pieceMgr.On("PieceHave", p.id, 1).Return(true).Once()
	assert.True(t, p.dispatch(wire.NewHave(1)))

	w.AssertExpectations(t)
	pieceMgr.AssertExpectations(t)
}

// The scheduler works on a snapshot of the remote bitfield, not the live copy
// the session mutates as have messages arrive.
func TestSchedulerGetsBitfieldSnapshot(t *testing.T) {
	w := &stubWire{}
	pieceMgr := &stubPieceMgr{}
	p := newTestSession(w, pieceMgr, &stubPeerMgr{})

	pieceMgr.On("PeerBitfield", p.id, mock.Anything).Return(false).Once()
	assert.True(t, p.dispatch(wire.NewBitfield([]byte{0x80})))

	var got *bitmap.Bitmap
	pieceMgr.On("SendBlockRequests", p.id, w, mock.Anything).
		Run(func(args mock.Arguments) {
			got = args.Get(2).(*bitmap.Bitmap)
		}).
		Return(true, nil).Once()
	assert.True(t, p.dispatch(&wire.Message{ID: wire.UNCHOKE}))
	time.Sleep(50 * time.Millisecond)

	assert.NotNil(t, got)
	assert.NotSame(t, p.peerBitfield, got)
	assert.True(t, got.Get(0))

	// session-side updates don't reach into the handed-off copy
	p.peerBitfield.Set(3, true)
	assert.False(t, got.Get(3))
}

func TestChokeDropsOutstandingRequests(t *testing.T) {
	w := &stubWire{}
	pieceMgr := &stubPieceMgr{}
	p := newTestSession(w, pieceMgr, &stubPeerMgr{})

	assert.True(t, p.dispatch(&wire.Message{ID: wire.UNCHOKE}))
	pieceMgr.On("PeerChoked", p.id).Return().Once()
	assert.True(t, p.dispatch(&wire.Message{ID: wire.CHOKE}))
	time.Sleep(50 * time.Millisecond)
	pieceMgr.AssertExpectations(t)

	// a repeated choke is not reported again
	assert.True(t, p.dispatch(&wire.Message{ID: wire.CHOKE}))
	time.Sleep(50 * time.Millisecond)
	pieceMgr.AssertNumberOfCalls(t, "PeerChoked", 1)
}

func TestRequestWhileChokingDropped(t *testing.T) {
	p := newTestSession(&stubWire{}, &stubPieceMgr{}, &stubPeerMgr{})

	assert.True(t, p.dispatch(wire.NewRequest(0, 0, 16384)))
	p.Lock()
	assert.Empty(t, p.uploadCancel)
	p.Unlock()
}

func TestChokingClearsUploadQueue(t *testing.T) {
	w := &stubWire{}
	pieceMgr := &stubPieceMgr{}
	p := newTestSession(w, pieceMgr, &stubPeerMgr{})

	p.Lock()
	p.state.clientChoking = false
	p.Unlock()

	assert.True(t, p.dispatch(wire.NewRequest(0, 0, 16384)))
	assert.True(t, p.dispatch(wire.NewRequest(1, 0, 16384)))
	p.Lock()
	assert.Len(t, p.uploadCancel, 2)
	p.Unlock()

	w.On("SendChoke").Return(nil).Once()
	assert.NoError(t, p.SendChoke())
	p.Lock()
	assert.Empty(t, p.uploadCancel)
	assert.Empty(t, p.uploadOrder)
	p.Unlock()
	w.AssertExpectations(t)
}

func TestCancelRemovesQueuedUpload(t *testing.T) {
	p := newTestSession(&stubWire{}, &stubPieceMgr{}, &stubPeerMgr{})

	p.Lock()
	p.state.clientChoking = false
	p.Unlock()

	assert.True(t, p.dispatch(wire.NewRequest(2, 0, 16384)))
	assert.True(t, p.dispatch(wire.NewCancel(2, 0, 16384)))
	p.Lock()
	assert.Empty(t, p.uploadCancel)
	p.Unlock()
}

func TestBlockDeliveryBansCorruptors(t *testing.T) {
	w := &stubWire{}
	pieceMgr := &stubPieceMgr{}
	peerMgr := &stubPeerMgr{}
	p := newTestSession(w, pieceMgr, peerMgr)

	banned := mapset.NewSet()
	banned.Add(p.id)
	data := make([]byte, 16384)
	pieceMgr.On("WriteBlock", p.id, 1, 0, data).Return(false, banned, nil).Once()
	peerMgr.On("BanPeers", banned).Return().Once()

	assert.True(t, p.dispatch(wire.NewBlock(1, 0, data)))
	time.Sleep(50 * time.Millisecond)
	pieceMgr.AssertExpectations(t)
	peerMgr.AssertExpectations(t)
}
