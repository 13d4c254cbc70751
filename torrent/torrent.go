package torrent

import (
	"crypto/rand"
	"log"
)

// PEER_ID identifies this client in handshakes and tracker announces.
// Azureus-style prefix followed by random bytes, generated once per process.
var PEER_ID = make([]byte, 20)

func init() {
	copy(PEER_ID, []byte("-SW0001-"))
	_, err := rand.Read(PEER_ID[8:])
	if err != nil {
		log.Fatalln(err)
	}
}

// Torrent is the immutable metadata the engine operates on. It is either
// decoded from a .torrent file with NewTorrent or supplied directly by the
// embedding application.
type Torrent struct {
	InfoHash     []byte
	Name         string
	PieceLength  int
	Pieces       string // concatenated 20-byte SHA-1 piece hashes
	Length       int
	NumPieces    int
	Files        []File
	AnnounceList [][]string // BEP-12 tiers
	Private      bool
}

type File struct {
	Length int
	Path   []string
}

// PieceHash returns the expected SHA-1 hash for a piece.
func (t *Torrent) PieceHash(pieceIndex int) []byte {
	return []byte(t.Pieces[20*pieceIndex : 20*(pieceIndex+1)])
}

// PieceSize returns the byte length of a piece. Only the final piece may be
// shorter than PieceLength.
func (t *Torrent) PieceSize(pieceIndex int) int {
	if pieceIndex == t.NumPieces-1 {
		if last := t.Length - (t.NumPieces-1)*t.PieceLength; last > 0 {
			return last
		}
	}
	return t.PieceLength
}
