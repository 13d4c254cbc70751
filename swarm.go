// Package swarm wires the engine together: tracker announces feed peer
// sessions, sessions report into the piece scheduler, and choke rounds
// arbitrate upload slots. The Swarm owns the lifecycle of all of it.
package swarm

import (
	"log"
	"time"

	"swarm/peer"
	"swarm/piece"
	"swarm/server"
	"swarm/stats"
	"swarm/storage"
	"swarm/torrent"
	"swarm/tracker"
)

// Progress is the externally visible state snapshot, safe to poll from any
// goroutine. A stalled torrent shows up here as zero connected peers and an
// unchanging verified-piece count.
type Progress struct {
	Downloaded     int
	Uploaded       int
	Left           int
	VerifiedPieces int
	TotalPieces    int
	ConnectedPeers int
	Corruptions    int
}

type Swarm struct {
	torrent  *torrent.Torrent
	storage  storage.Storage
	config   Config
	stats    stats.Stats
	pieceMgr piece.PieceManager
	peerMgr  peer.PeerManager
	tracker  tracker.Tracker
	quit     chan int
	started  bool
	stopped  bool
}

func NewSwarm(tor *torrent.Torrent, st storage.Storage, config Config) *Swarm {
	return &Swarm{
		torrent: tor,
		storage: st,
		config:  config,
		quit:    make(chan int),
	}
}

// Start brings the torrent online: resumes from whatever storage already
// holds, starts the listener, and begins announcing.
func (s *Swarm) Start() error {
	if s.started {
		return nil
	}
	s.started = true

	clientBitfield, left := s.storage.GetCurrentDownloadState()
	s.stats = stats.NewStats(0, s.torrent.Length-left, left)
	s.pieceMgr = piece.NewRarestFirstPieceManager(
		s.torrent, s.storage, s.stats, clientBitfield,
		s.config.MaxOutstandingRequests, s.config.RequestTimeout)
	s.peerMgr = peer.NewPeerManager(s.torrent, s.pieceMgr, s.storage, s.stats, s.config.MaxPeers)
	s.pieceMgr.SetBroadcaster(s.peerMgr)

	choke := peer.NewChoke(s.peerMgr, s.pieceMgr, s.stats, s.quit)
	go choke.Start()

	sv, err := server.NewServer(s.peerMgr, s.quit, s.config.ListenPort)
	if err != nil {
		return err
	}
	sv.Serve()

	s.tracker = tracker.NewTracker(
		s.torrent, s.stats, s.peerMgr, s.quit, sv.GetServerPort(), s.config.NumWant)
	go s.tracker.Start()

	go s.watch()
	log.Printf("swarm: started %q (%d pieces, %d bytes left)", s.torrent.Name, s.torrent.NumPieces, left)
	return nil
}

// watch sweeps timed-out requests and fires the one-time completed announce.
func (s *Swarm) watch() {
	completed := s.pieceMgr.Done()
	for {
		select {
		case <-s.quit:
			return
		case <-time.After(5 * time.Second):
			s.pieceMgr.ExpireRequests()
			if !completed && s.pieceMgr.Done() {
				completed = true
				log.Printf("swarm: %q complete", s.torrent.Name)
				s.tracker.Complete()
			}
		}
	}
}

// Stop shuts the torrent down: sessions disconnect, the tracker gets a
// best-effort stopped event, and outstanding request state is dropped with
// the scheduler.
func (s *Swarm) Stop() {
	if !s.started || s.stopped {
		return
	}
	s.stopped = true
	close(s.quit)
	s.peerMgr.StopPeers()
}

func (s *Swarm) Progress() Progress {
	if !s.started {
		return Progress{Left: s.torrent.Length, TotalPieces: s.torrent.NumPieces}
	}
	uploaded, downloaded, left := s.stats.GetTrackerStats()
	return Progress{
		Downloaded:     downloaded,
		Uploaded:       uploaded,
		Left:           left,
		VerifiedPieces: s.pieceMgr.GetPiecesVerified(),
		TotalPieces:    s.torrent.NumPieces,
		ConnectedPeers: s.peerMgr.ConnectedCount(),
		Corruptions:    s.pieceMgr.GetCorruptions(),
	}
}
