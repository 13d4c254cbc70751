package tracker

import (
	"log"
	"math/rand"
	"net"
	"strconv"
	"time"

	"swarm/peer"
	"swarm/stats"
	"swarm/torrent"
)

const (
	NONE      = 0
	COMPLETED = 1
	STARTED   = 2
	STOPPED   = 3
)

var (
	// Fallback announce interval when the tracker doesn't supply one, and
	// the bounds of the all-tiers-failed retry backoff.
	DEFAULT_INTERVAL = 120 * time.Second
	BACKOFF_MIN      = 15 * time.Second
	BACKOFF_MAX      = 15 * time.Minute
)

// PeerAddress is one peer returned by an announce. PeerID is only present in
// dictionary-format responses.
type PeerAddress struct {
	IP     net.IP
	Port   uint16
	PeerID []byte
}

func (pa *PeerAddress) Addr() string {
	return net.JoinHostPort(pa.IP.String(), strconv.Itoa(int(pa.Port)))
}

// AnnounceResponse is the decoded tracker reply, consumed immediately by the
// announce loop.
type AnnounceResponse struct {
	Interval       time.Duration
	MinInterval    time.Duration
	TrackerID      string
	WarningMessage string
	Seeders        int
	Leechers       int
	Peers          []PeerAddress
}

// Tracker drives the announce lifecycle: started once at launch, regular
// re-announces on the tracker's interval, completed exactly once when the
// download finishes, and a best-effort stopped on shutdown.
type Tracker interface {
	Start()
	Complete()
}

type tracker struct {
	torrent    *torrent.Torrent
	stats      stats.Stats
	peerMgr    peer.PeerManager
	quit       chan int
	serverPort int
	key        int32
	numwant    int
	tiers      [][]string
	trackerID  string
	backoff    time.Duration
	completeCh chan int
}

func NewTracker(
	tor *torrent.Torrent,
	sts stats.Stats,
	peerMgr peer.PeerManager,
	quit chan int,
	serverPort int,
	numwant int) Tracker {

	// Work on a copy: tier promotion reorders URLs.
	tiers := make([][]string, 0, len(tor.AnnounceList))
	for _, tier := range tor.AnnounceList {
		tiers = append(tiers, append([]string{}, tier...))
	}

	return &tracker{
		torrent:    tor,
		stats:      sts,
		peerMgr:    peerMgr,
		quit:       quit,
		serverPort: serverPort,
		key:        rand.Int31(),
		numwant:    numwant,
		tiers:      tiers,
		backoff:    BACKOFF_MIN,
		completeCh: make(chan int, 1),
	}
}

// Complete notifies the announce loop that all pieces verified. Signalled at
// most once by the coordinator.
func (tr *tracker) Complete() {
	select {
	case tr.completeCh <- 1:
	default:
	}
}

func (tr *tracker) Start() {
	interval := tr.announceCycle(STARTED)
	for {
		select {
		case <-tr.quit:
			log.Println("tracker: sending stopped event")
			tr.announceEvent(STOPPED)
			return
		case <-tr.completeCh:
			interval = tr.announceCycle(COMPLETED)
		case <-time.After(interval):
			interval = tr.announceCycle(NONE)
		}
	}
}

// announceCycle runs one announce across the tier list and returns how long
// to wait before the next one.
func (tr *tracker) announceCycle(event int) time.Duration {
	resp, err := tr.announceEvent(event)
	if err != nil {
		log.Printf("tracker: all tiers failed: %v (retrying in %v)", err, tr.backoff)
		interval := tr.backoff
		tr.backoff *= 2
		if tr.backoff > BACKOFF_MAX {
			tr.backoff = BACKOFF_MAX
		}
		return interval
	}
	tr.backoff = BACKOFF_MIN

	if resp.TrackerID != "" {
		tr.trackerID = resp.TrackerID
	}
	if resp.WarningMessage != "" {
		log.Printf("tracker: warning: %s", resp.WarningMessage)
	}
	if event != STOPPED {
		for i := range resp.Peers {
			pa := &resp.Peers[i]
			tr.peerMgr.AddPeer(pa.Addr(), pa.PeerID, nil)
		}
	}

	interval := resp.Interval
	if interval <= 0 {
		interval = DEFAULT_INTERVAL
	}
	// min interval is a floor for client-triggered re-announces
	if resp.MinInterval > interval {
		interval = resp.MinInterval
	}
	return interval
}

// announceEvent walks the tiers top to bottom until one URL succeeds. The
// winning URL is promoted to the front of its tier (BEP-12) so later
// announces try it first. A URL that failed is never retried within the same
// cycle.
func (tr *tracker) announceEvent(event int) (*AnnounceResponse, error) {
	var lastErr error
	for _, tier := range tr.tiers {
		for i, trackerURL := range tier {
			resp, err := tr.queryHTTPTracker(trackerURL, event)
			if err != nil {
				log.Printf("tracker: %s: %v", trackerURL, err)
				lastErr = err
				continue
			}
			copy(tier[1:i+1], tier[:i])
			tier[0] = trackerURL
			return resp, nil
		}
	}
	if lastErr == nil {
		lastErr = errNoTrackers
	}
	return nil, lastErr
}
