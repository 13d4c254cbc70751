package stats

import (
	"sync"

	underscore "github.com/ahl5esoft/golang-underscore"
)

// PONDERATION_TIME is the number of rate-window slots. One slot is filled per
// choke round, so with 10-second rounds the rates average over ~100 seconds.
const PONDERATION_TIME = 10

// Stats accumulates transfer byte counts per peer and for the whole torrent.
// AddPeer and RemovePeer bound a peer's rate-tracking lifetime; UpdatePeer is
// called by peer sessions as blocks move; GetPeerStats rotates the rate
// windows and is called once per choke round.
type Stats interface {
	GetTrackerStats() (uploaded int, downloaded int, left int)
	GetPeerStats() (peerStats map[string]*PeerStat)
	AddPeer(id string)
	UpdatePeer(id string, downloaded int, uploaded int)
	RemovePeer(id string)
	PieceVerified(length int)
}

type stats struct {
	sync.Mutex

	trackerStats *TrackerStats
	clientStats  *ClientStats
	peerStats    map[string]*PeerStat
}

// TrackerStats carries the counters reported on announces. TotalDownload
// counts only verified bytes, so the value reported to the tracker always
// equals the sum of verified piece lengths regardless of corrupt or duplicate
// block deliveries.
type TrackerStats struct {
	TotalUpload   int
	TotalDownload int
	Left          int
}

type ClientStats struct {
	UploadRate       int
	DownloadRate     int
	uploadActivity   [PONDERATION_TIME]int
	downloadActivity [PONDERATION_TIME]int
	i                int
}

// PeerStat rates are bytes per slot; DownloadRate is bytes received from the
// peer, UploadRate bytes served to it.
type PeerStat struct {
	UploadRate       int
	DownloadRate     int
	currentUpload    int
	currentDownload  int
	uploadActivity   [PONDERATION_TIME]int
	downloadActivity [PONDERATION_TIME]int
	i                int
}

func NewStats(uploaded, downloaded, left int) Stats {
	return &stats{
		trackerStats: &TrackerStats{
			TotalUpload:   uploaded,
			TotalDownload: downloaded,
			Left:          left,
		},
		clientStats: &ClientStats{},
		peerStats:   make(map[string]*PeerStat),
	}
}

func (s *stats) GetTrackerStats() (int, int, int) {
	s.Lock()
	defer s.Unlock()

	return s.trackerStats.TotalUpload, s.trackerStats.TotalDownload, s.trackerStats.Left
}

func (s *stats) AddPeer(id string) {
	s.Lock()
	defer s.Unlock()

	if _, ok := s.peerStats[id]; !ok {
		s.peerStats[id] = &PeerStat{}
	}
}

func (s *stats) UpdatePeer(id string, downloaded, uploaded int) {
	s.Lock()
	defer s.Unlock()

	s.trackerStats.TotalUpload += uploaded

	// A straggling goroutine may report bytes after the session was removed;
	// count them toward the totals but don't resurrect the entry.
	peerStat, ok := s.peerStats[id]
	if !ok {
		return
	}
	peerStat.currentDownload += downloaded
	peerStat.currentUpload += uploaded
}

func (s *stats) RemovePeer(id string) {
	s.Lock()
	defer s.Unlock()

	delete(s.peerStats, id)
}

// PieceVerified lowers the left counter once a piece passes its hash check.
// Only verified bytes count, so left always equals total minus verified.
func (s *stats) PieceVerified(length int) {
	s.Lock()
	defer s.Unlock()

	s.trackerStats.TotalDownload += length
	s.trackerStats.Left -= length
	if s.trackerStats.Left < 0 {
		s.trackerStats.Left = 0
	}
}

func sumReduce(acc int, x, _ int) int {
	return acc + x
}

func (s *stats) GetPeerStats() map[string]*PeerStat {
	s.Lock()
	defer s.Unlock()

	clientCurrentUpload := 0
	clientCurrentDownload := 0
	snapshot := make(map[string]*PeerStat, len(s.peerStats))
	for id, peerStat := range s.peerStats {
		peerStat.uploadActivity[peerStat.i] = peerStat.currentUpload
		peerStat.downloadActivity[peerStat.i] = peerStat.currentDownload
		underscore.Chain(peerStat.uploadActivity).Reduce(sumReduce, 0).Value(&peerStat.UploadRate)
		peerStat.UploadRate /= PONDERATION_TIME
		underscore.Chain(peerStat.downloadActivity).Reduce(sumReduce, 0).Value(&peerStat.DownloadRate)
		peerStat.DownloadRate /= PONDERATION_TIME
		peerStat.i = (peerStat.i + 1) % PONDERATION_TIME

		clientCurrentUpload += peerStat.currentUpload
		clientCurrentDownload += peerStat.currentDownload
		peerStat.currentUpload = 0
		peerStat.currentDownload = 0

		snapshot[id] = &PeerStat{
			UploadRate:   peerStat.UploadRate,
			DownloadRate: peerStat.DownloadRate,
		}
	}

	s.clientStats.uploadActivity[s.clientStats.i] = clientCurrentUpload
	s.clientStats.downloadActivity[s.clientStats.i] = clientCurrentDownload
	underscore.Chain(s.clientStats.uploadActivity).Reduce(sumReduce, 0).Value(&s.clientStats.UploadRate)
	s.clientStats.UploadRate /= PONDERATION_TIME
	underscore.Chain(s.clientStats.downloadActivity).Reduce(sumReduce, 0).Value(&s.clientStats.DownloadRate)
	s.clientStats.DownloadRate /= PONDERATION_TIME
	s.clientStats.i = (s.clientStats.i + 1) % PONDERATION_TIME

	return snapshot
}
