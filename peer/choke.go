package peer

import (
	"math/rand"
	"sort"
	"time"

	"swarm/piece"
	"swarm/stats"
)

var (
	SNUBBED_PERIOD   = int64(60)
	CHOKE_INTERVAL   = 10 * time.Second
	DOWNLOADERS      = 4
	OPTIMISTIC_ROUND = 3 // rotate the optimistic unchoke every third round
)

type peerInfo struct {
	peer          Peer
	id            string
	state         connState
	lastBlockAt   int64
	speed         int
	snubbed       bool
	shouldUnchoke bool
}

// Choke runs the periodic tit-for-tat rounds: the DOWNLOADERS fastest
// interested peers keep upload slots, plus one optimistic slot rotated every
// OPTIMISTIC_ROUND rounds so newcomers get a chance to prove themselves.
type Choke interface {
	Start()
}

type choke struct {
	peerMgr      PeerManager
	pieceMgr     piece.PieceManager
	stats        stats.Stats
	quit         chan int
	round        int
	optimisticID string
}

func NewChoke(
	peerMgr PeerManager,
	pieceMgr piece.PieceManager,
	sts stats.Stats,
	quit chan int) Choke {

	return &choke{
		peerMgr:  peerMgr,
		pieceMgr: pieceMgr,
		stats:    sts,
		quit:     quit,
	}
}

func (c *choke) choke() {
	peers := c.peerMgr.GetPeerList()
	peerStats := c.stats.GetPeerStats()
	seeding := c.pieceMgr.Done()
	now := time.Now().Unix()

	peerInfos := []*peerInfo{}
	for _, p := range peers {
		id, state, lastBlockAt := p.GetPeerInfo()
		info := &peerInfo{
			peer:        p,
			id:          id,
			state:       state,
			lastBlockAt: lastBlockAt,
		}
		if peerStat, ok := peerStats[id]; ok {
			if seeding {
				// When seeding there is nothing to reciprocate; rank by how
				// fast the peer takes our data instead.
				info.speed = peerStat.UploadRate
			} else {
				info.speed = peerStat.DownloadRate
			}
		}
		if !seeding && info.state.clientInterested && !info.state.peerChoking &&
			info.lastBlockAt > 0 && now-info.lastBlockAt > SNUBBED_PERIOD {
			info.snubbed = true
		}
		peerInfos = append(peerInfos, info)
	}

	// Rank interested, non-snubbed peers; they compete for the regular slots.
	interested := []*peerInfo{}
	for _, info := range peerInfos {
		if info.state.peerInterested && !info.snubbed {
			interested = append(interested, info)
		}
	}
	sort.Slice(interested, func(i, j int) bool {
		if interested[i].speed != interested[j].speed {
			return interested[i].speed > interested[j].speed
		}
		return interested[i].id < interested[j].id
	})
	for i := 0; i < len(interested) && i < DOWNLOADERS; i++ {
		interested[i].shouldUnchoke = true
	}

	c.pickOptimistic(peerInfos)
	for _, info := range peerInfos {
		if info.id == c.optimisticID && info.state.peerInterested {
			info.shouldUnchoke = true
		}
	}

	for _, info := range peerInfos {
		if info.shouldUnchoke && info.state.clientChoking {
			go info.peer.SendUnchoke()
		}
		if !info.shouldUnchoke && !info.state.clientChoking {
			go info.peer.SendChoke()
		}
	}
	c.round++
}

// pickOptimistic rotates the optimistic unchoke target. Between rotations the
// current target keeps its slot as long as it is still connected and
// interested.
func (c *choke) pickOptimistic(peerInfos []*peerInfo) {
	if c.round%OPTIMISTIC_ROUND != 0 {
		for _, info := range peerInfos {
			if info.id == c.optimisticID && info.state.peerInterested {
				return
			}
		}
		// target went away, fall through and pick a replacement
	}

	candidates := []*peerInfo{}
	for _, info := range peerInfos {
		if info.state.peerInterested && !info.shouldUnchoke {
			candidates = append(candidates, info)
		}
	}
	if len(candidates) == 0 {
		c.optimisticID = ""
		return
	}
	c.optimisticID = candidates[rand.Intn(len(candidates))].id
}

func (c *choke) Start() {
	for {
		select {
		case <-c.quit:
			return
		case <-time.After(CHOKE_INTERVAL):
			c.choke()
		}
	}
}
