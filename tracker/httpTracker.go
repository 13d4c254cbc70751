package tracker

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencode "github.com/jackpal/bencode-go"

	"swarm/torrent"
)

var errNoTrackers = fmt.Errorf("no tracker URLs configured")

var httpClient = &http.Client{Timeout: 8 * time.Second}

func eventName(event int) string {
	switch event {
	case COMPLETED:
		return "completed"
	case STARTED:
		return "started"
	case STOPPED:
		return "stopped"
	}
	return ""
}

func (tr *tracker) queryHTTPTracker(trackerURL string, event int) (*AnnounceResponse, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("tracker URL not absolute")
	}

	uploaded, downloaded, left := tr.stats.GetTrackerStats()
	q := u.Query()
	// Raw bytes; Encode percent-escapes them byte-exact.
	q.Set("info_hash", string(tr.torrent.InfoHash))
	q.Set("peer_id", string(torrent.PEER_ID))
	q.Set("port", strconv.Itoa(tr.serverPort))
	q.Set("uploaded", strconv.Itoa(uploaded))
	q.Set("downloaded", strconv.Itoa(downloaded))
	q.Set("left", strconv.Itoa(left))
	q.Set("compact", "1")
	q.Set("numwant", strconv.Itoa(tr.numwant))
	q.Set("key", strconv.Itoa(int(tr.key)))
	if name := eventName(event); name != "" {
		q.Set("event", name)
	}
	if tr.trackerID != "" {
		q.Set("trackerid", tr.trackerID)
	}
	u.RawQuery = q.Encode()

	resp, err := httpClient.Get(u.String())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("tracker returned status %s", resp.Status)
	}

	data, err := bencode.Decode(resp.Body)
	if err != nil {
		return nil, err
	}
	dict, ok := data.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("tracker response not a dictionary")
	}
	if reason, ok := dict["failure reason"].(string); ok && reason != "" {
		return nil, fmt.Errorf("tracker failure: %s", reason)
	}

	announce := &AnnounceResponse{}
	if interval, ok := dict["interval"].(int64); ok {
		announce.Interval = time.Duration(interval) * time.Second
	}
	if minInterval, ok := dict["min interval"].(int64); ok {
		announce.MinInterval = time.Duration(minInterval) * time.Second
	}
	if trackerID, ok := dict["tracker id"].(string); ok {
		announce.TrackerID = trackerID
	}
	if warning, ok := dict["warning message"].(string); ok {
		announce.WarningMessage = warning
	}
	if seeders, ok := dict["complete"].(int64); ok {
		announce.Seeders = int(seeders)
	}
	if leechers, ok := dict["incomplete"].(int64); ok {
		announce.Leechers = int(leechers)
	}
	peers, err := parsePeers(dict["peers"])
	if err != nil {
		return nil, err
	}
	announce.Peers = peers
	if v6, ok := dict["peers6"].(string); ok {
		peers, err := parseCompactPeers([]byte(v6), 18)
		if err != nil {
			return nil, err
		}
		announce.Peers = append(announce.Peers, peers...)
	}
	return announce, nil
}

// parsePeers handles both formats of the peers key: the compact byte string
// (always 6 bytes per IPv4 peer; IPv6 peers arrive separately under the
// BEP-7 peers6 key as 18-byte entries) and the dictionary list
// {peer id, ip, port}.
func parsePeers(v interface{}) ([]PeerAddress, error) {
	switch peers := v.(type) {
	case nil:
		return nil, nil
	case string:
		return parseCompactPeers([]byte(peers), 6)
	case []interface{}:
		return parseDictPeers(peers)
	}
	return nil, fmt.Errorf("unrecognized peers format %T", v)
}

func parseCompactPeers(data []byte, entry int) ([]PeerAddress, error) {
	if len(data)%entry != 0 {
		return nil, fmt.Errorf("compact peers length %d not a multiple of %d", len(data), entry)
	}

	peers := make([]PeerAddress, 0, len(data)/entry)
	for i := 0; i < len(data); i += entry {
		var ip net.IP
		if entry == 6 {
			ip = net.IPv4(data[i], data[i+1], data[i+2], data[i+3])
		} else {
			ip = append(net.IP{}, data[i:i+16]...)
		}
		port := binary.BigEndian.Uint16(data[i+entry-2 : i+entry])
		peers = append(peers, PeerAddress{IP: ip, Port: port})
	}
	return peers, nil
}

func parseDictPeers(list []interface{}) ([]PeerAddress, error) {
	peers := make([]PeerAddress, 0, len(list))
	for _, entry := range list {
		dict, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("peer entry not a dictionary")
		}
		ipStr, _ := dict["ip"].(string)
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return nil, fmt.Errorf("peer entry has unparsable ip %q", ipStr)
		}
		port, ok := dict["port"].(int64)
		if !ok || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("peer entry has bad port")
		}
		pa := PeerAddress{IP: ip, Port: uint16(port)}
		if peerID, ok := dict["peer id"].(string); ok {
			pa.PeerID = []byte(peerID)
		}
		peers = append(peers, pa)
	}
	return peers, nil
}
