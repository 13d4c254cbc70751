package torrent

import (
	"crypto/sha1"
	"fmt"
	"io"

	"github.com/marksamman/bencode"
)

// NewTorrent decodes a bencoded .torrent file into a Torrent. The info
// dictionary is re-encoded to compute the info hash.
func NewTorrent(r io.Reader) (*Torrent, error) {
	data, err := bencode.Decode(r)
	if err != nil {
		return nil, err
	}

	t := &Torrent{}

	info, ok := data["info"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("malformed torrent file: missing info dictionary")
	}
	infoHash := sha1.Sum(bencode.Encode(info))
	t.InfoHash = infoHash[:]

	if name, ok := info["name"].(string); ok {
		t.Name = name
	}
	pieceLength, ok := info["piece length"].(int64)
	if !ok || pieceLength <= 0 {
		return nil, fmt.Errorf("malformed torrent file: bad piece length")
	}
	t.PieceLength = int(pieceLength)
	pieces, ok := info["pieces"].(string)
	if !ok || len(pieces)%20 != 0 {
		return nil, fmt.Errorf("malformed torrent file: bad pieces string")
	}
	t.Pieces = pieces
	t.NumPieces = len(pieces) / 20
	if private, ok := info["private"].(int64); ok {
		t.Private = private == 1
	}

	if files, ok := info["files"].([]interface{}); ok {
		// Multiple file mode
		for _, f := range files {
			fileMap, ok := f.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("malformed torrent file: bad files entry")
			}
			file := File{}
			if length, ok := fileMap["length"].(int64); ok {
				file.Length = int(length)
			}
			if path, ok := fileMap["path"].([]interface{}); ok {
				for _, elem := range path {
					if s, ok := elem.(string); ok {
						file.Path = append(file.Path, s)
					}
				}
			}
			t.Files = append(t.Files, file)
			t.Length += file.Length
		}
	} else {
		// Single file mode
		length, ok := info["length"].(int64)
		if !ok {
			return nil, fmt.Errorf("malformed torrent file: missing length")
		}
		t.Length = int(length)
	}

	if t.NumPieces == 0 || t.Length > t.NumPieces*t.PieceLength {
		return nil, fmt.Errorf("malformed torrent file: pieces don't cover length")
	}

	// BEP-12: announce-list supersedes announce when present
	if announceList, ok := data["announce-list"].([]interface{}); ok {
		for _, tier := range announceList {
			tierList, ok := tier.([]interface{})
			if !ok {
				continue
			}
			urls := []string{}
			for _, u := range tierList {
				if s, ok := u.(string); ok {
					urls = append(urls, s)
				}
			}
			if len(urls) > 0 {
				t.AnnounceList = append(t.AnnounceList, urls)
			}
		}
	}
	if len(t.AnnounceList) == 0 {
		if announce, ok := data["announce"].(string); ok && announce != "" {
			t.AnnounceList = [][]string{{announce}}
		}
	}

	return t, nil
}
