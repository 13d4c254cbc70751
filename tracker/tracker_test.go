package tracker

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"swarm/peer"
	"swarm/stats"
	"swarm/torrent"
)

type mockPeerManager struct {
	mock.Mock
}

func (m *mockPeerManager) AddPeer(id string, peerID []byte, conn net.Conn) {
	m.Called(id, peerID, conn)
}
func (m *mockPeerManager) RemovePeer(id string)       { m.Called(id) }
func (m *mockPeerManager) GetPeerList() []peer.Peer   { return nil }
func (m *mockPeerManager) ConnectedCount() int        { return 0 }
func (m *mockPeerManager) StopPeers()                 {}
func (m *mockPeerManager) BroadcastHave(pieceIndex int) {
	m.Called(pieceIndex)
}
func (m *mockPeerManager) SendCancel(id string, pieceIndex, begin, length int) {
	m.Called(id, pieceIndex, begin, length)
}
func (m *mockPeerManager) BanPeer(id string)        { m.Called(id) }
func (m *mockPeerManager) BanPeers(peers mapset.Set) { m.Called(peers) }

var testInfoHash = []byte{
	0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09,
	0xfa, 0xfb, 0xfc, 0xfd, 0xfe, 0xff, 0x20, 0x25, 0x26, 0x3d,
}

func newTestTracker(announceList [][]string, pm peer.PeerManager) *tracker {
	tor := &torrent.Torrent{
		InfoHash:     testInfoHash,
		Name:         "fixture",
		Length:       1000,
		AnnounceList: announceList,
	}
	sts := stats.NewStats(0, 0, tor.Length)
	return NewTracker(tor, sts, pm, make(chan int), 6881, 30).(*tracker)
}

func TestAnnounceQueryAndCompactPeers(t *testing.T) {
	var query map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		peers := string([]byte{1, 2, 3, 4, 0x1a, 0xe1})
		fmt.Fprintf(w, "d8:completei5e10:incompletei7e8:intervali1800e5:peers%d:%se", len(peers), peers)
	}))
	defer srv.Close()

	pm := &mockPeerManager{}
	pm.On("AddPeer", "1.2.3.4:6881", []byte(nil), nil).Return().Once()
	tr := newTestTracker([][]string{{srv.URL}}, pm)

	interval := tr.announceCycle(STARTED)
	assert.Equal(t, 1800*time.Second, interval)
	pm.AssertExpectations(t)

	// info_hash reaches the tracker byte-exact, high bytes and all
	assert.Equal(t, string(testInfoHash), query["info_hash"][0])
	assert.Equal(t, string(torrent.PEER_ID), query["peer_id"][0])
	assert.Equal(t, "started", query["event"][0])
	assert.Equal(t, "6881", query["port"][0])
	assert.Equal(t, "0", query["downloaded"][0])
	assert.Equal(t, "1000", query["left"][0])
	assert.Equal(t, "1", query["compact"][0])
	assert.Equal(t, "30", query["numwant"][0])
}

func TestFailureReasonAdvancesAndPromotes(t *testing.T) {
	var failHits, okHits int32
	srvFail := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&failHits, 1)
		fmt.Fprint(w, "d14:failure reason12:torrent gonee")
	}))
	defer srvFail.Close()
	srvOK := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&okHits, 1)
		fmt.Fprint(w, "d8:intervali1800e5:peers0:e")
	}))
	defer srvOK.Close()

	tr := newTestTracker([][]string{{srvFail.URL, srvOK.URL}}, &mockPeerManager{})

	// the failing URL is tried once per cycle, never retried within it
	tr.announceCycle(STARTED)
	assert.Equal(t, int32(1), atomic.LoadInt32(&failHits))
	assert.Equal(t, int32(1), atomic.LoadInt32(&okHits))

	// the winner was promoted to the head of its tier, so the next cycle
	// never touches the failing URL
	assert.Equal(t, srvOK.URL, tr.tiers[0][0])
	tr.announceCycle(NONE)
	assert.Equal(t, int32(1), atomic.LoadInt32(&failHits))
	assert.Equal(t, int32(2), atomic.LoadInt32(&okHits))
}

func TestLowerTierUsedWhenFirstTierDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "d8:intervali900e5:peers0:e")
	}))
	defer srv.Close()

	dead := "http://127.0.0.1:1/announce"
	tr := newTestTracker([][]string{{dead}, {srv.URL}}, &mockPeerManager{})

	interval := tr.announceCycle(STARTED)
	assert.Equal(t, 900*time.Second, interval)
	// promotion is per tier; the dead tier keeps its order
	assert.Equal(t, dead, tr.tiers[0][0])
	assert.Equal(t, srv.URL, tr.tiers[1][0])
}

func TestAllTiersFailedBacksOff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "d14:failure reason4:downe")
	}))
	defer srv.Close()

	tr := newTestTracker([][]string{{srv.URL}}, &mockPeerManager{})

	assert.Equal(t, BACKOFF_MIN, tr.announceCycle(STARTED))
	assert.Equal(t, 2*BACKOFF_MIN, tr.announceCycle(NONE))
	assert.Equal(t, 4*BACKOFF_MIN, tr.announceCycle(NONE))

	tr.backoff = BACKOFF_MAX
	assert.Equal(t, BACKOFF_MAX, tr.announceCycle(NONE))
}

func TestTrackerIDEchoedBack(t *testing.T) {
	var trackerIDs []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trackerIDs = append(trackerIDs, r.URL.Query().Get("trackerid"))
		fmt.Fprint(w, "d8:intervali1800e5:peers0:10:tracker id6:opaquee")
	}))
	defer srv.Close()

	tr := newTestTracker([][]string{{srv.URL}}, &mockPeerManager{})
	tr.announceCycle(STARTED)
	tr.announceCycle(NONE)

	assert.Equal(t, []string{"", "opaque"}, trackerIDs)
}

func TestMinIntervalIsAFloor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "d8:intervali60e12:min intervali300e5:peers0:e")
	}))
	defer srv.Close()

	tr := newTestTracker([][]string{{srv.URL}}, &mockPeerManager{})
	assert.Equal(t, 300*time.Second, tr.announceCycle(STARTED))
}

func TestMissingIntervalFallsBackToDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "d5:peers0:e")
	}))
	defer srv.Close()

	tr := newTestTracker([][]string{{srv.URL}}, &mockPeerManager{})
	assert.Equal(t, DEFAULT_INTERVAL, tr.announceCycle(STARTED))
}

func TestParseCompactPeers(t *testing.T) {
	peers, err := parseCompactPeers([]byte{
		1, 2, 3, 4, 0x1a, 0xe1,
		10, 0, 0, 1, 0x00, 0x50,
	}, 6)
	assert.NoError(t, err)
	assert.Len(t, peers, 2)
	assert.Equal(t, "1.2.3.4:6881", peers[0].Addr())
	assert.Equal(t, "10.0.0.1:80", peers[1].Addr())

	_, err = parseCompactPeers(make([]byte, 7), 6)
	assert.Error(t, err)
}

func TestParseCompactPeersIPv6(t *testing.T) {
	// an 18-byte entry is one IPv6 peer, never three 6-byte IPv4 entries
	v6 := make([]byte, 18)
	v6[15] = 1
	v6[16], v6[17] = 0x1a, 0xe1
	peers, err := parseCompactPeers(v6, 18)
	assert.NoError(t, err)
	assert.Len(t, peers, 1)
	assert.Equal(t, "[::1]:6881", peers[0].Addr())

	_, err = parseCompactPeers(make([]byte, 20), 18)
	assert.Error(t, err)
}

func TestAnnounceParsesPeers6Key(t *testing.T) {
	v4 := string([]byte{1, 2, 3, 4, 0x1a, 0xe1})
	v6entry := make([]byte, 18)
	v6entry[15] = 1
	v6entry[16], v6entry[17] = 0x1a, 0xe2
	v6 := string(v6entry)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "d8:intervali1800e5:peers%d:%s6:peers6%d:%se", len(v4), v4, len(v6), v6)
	}))
	defer srv.Close()

	pm := &mockPeerManager{}
	pm.On("AddPeer", "1.2.3.4:6881", []byte(nil), nil).Return().Once()
	pm.On("AddPeer", "[::1]:6882", []byte(nil), nil).Return().Once()
	tr := newTestTracker([][]string{{srv.URL}}, pm)

	tr.announceCycle(STARTED)
	pm.AssertExpectations(t)
}

func TestParseDictPeers(t *testing.T) {
	peers, err := parseDictPeers([]interface{}{
		map[string]interface{}{
			"peer id": "-XX0001-abcdefghijkl",
			"ip":      "10.1.2.3",
			"port":    int64(51413),
		},
	})
	assert.NoError(t, err)
	assert.Len(t, peers, 1)
	assert.Equal(t, "10.1.2.3:51413", peers[0].Addr())
	assert.Equal(t, []byte("-XX0001-abcdefghijkl"), peers[0].PeerID)

	_, err = parseDictPeers([]interface{}{
		map[string]interface{}{"ip": "not an ip", "port": int64(80)},
	})
	assert.Error(t, err)

	_, err = parseDictPeers([]interface{}{
		map[string]interface{}{"ip": "10.1.2.3", "port": int64(0)},
	})
	assert.Error(t, err)
}
