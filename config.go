package swarm

import "time"

// Config collects the engine's tunables. The protocol doesn't mandate any of
// these values; the defaults are conventional BitTorrent client settings.
type Config struct {
	// ListenPort is the inbound peer port; 0 picks an ephemeral port.
	ListenPort int
	// MaxPeers caps concurrent sessions; further addresses queue up.
	MaxPeers int
	// NumWant is how many peers to ask the tracker for per announce.
	NumWant int
	// MaxOutstandingRequests bounds each peer's block request pipeline.
	MaxOutstandingRequests int
	// RequestTimeout is how long a requested block may stay outstanding
	// before it becomes requestable from another peer.
	RequestTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ListenPort:             6881,
		MaxPeers:               50,
		NumWant:                50,
		MaxOutstandingRequests: 5,
		RequestTimeout:         60 * time.Second,
	}
}
