package storage

import (
	"github.com/boljen/go-bitmap"
)

// Storage is the persistence collaborator for a torrent. The engine hands it
// verified pieces and reads blocks back to serve uploads; the on-disk layout
// is this package's business alone.
type Storage interface {
	BlockReadRequest(pieceIndex, blockByteOffset, length int) (blockData []byte, err error)
	WritePieceRequest(pieceIndex int, data []byte) (err error)
	GetCurrentDownloadState() (clientBitfield bitmap.Bitmap, left int)
	Close() error
}
