package storage

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"sync"

	"github.com/boljen/go-bitmap"
	"github.com/spf13/afero"

	"swarm/torrent"
)

type fileSpan struct {
	file   afero.File
	offset int // absolute byte offset of the file's first byte
	length int
	lock   sync.Mutex
}

// randomAccessStorage lays pieces out across the torrent's files, writing each
// verified piece at its final position. Single- and multi-file torrents are
// handled uniformly by flattening the file list into absolute byte spans.
type randomAccessStorage struct {
	torrent *torrent.Torrent
	fs      afero.Fs
	spans   []*fileSpan
}

func NewRandomAccessStorage(tor *torrent.Torrent, fs afero.Fs, root string) (Storage, error) {
	s := &randomAccessStorage{
		torrent: tor,
		fs:      fs,
	}

	files := tor.Files
	if len(files) == 0 {
		// Single file mode
		files = []torrent.File{{Length: tor.Length, Path: []string{tor.Name}}}
	} else {
		root = filepath.Join(root, tor.Name)
	}

	offset := 0
	for _, file := range files {
		path := filepath.Join(append([]string{root}, file.Path...)...)
		if err := s.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		f, err := s.fs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, err
		}
		s.spans = append(s.spans, &fileSpan{
			file:   f,
			offset: offset,
			length: file.Length,
		})
		offset += file.Length
	}
	return s, nil
}

func (s *randomAccessStorage) readRange(offset int, data []byte) error {
	for _, span := range s.spans {
		if offset >= span.offset+span.length {
			continue
		}
		if len(data) == 0 {
			break
		}
		fileOffset := offset - span.offset
		n := span.length - fileOffset
		if n > len(data) {
			n = len(data)
		}
		span.lock.Lock()
		_, err := span.file.ReadAt(data[:n], int64(fileOffset))
		span.lock.Unlock()
		if err != nil {
			return err
		}
		data = data[n:]
		offset += n
	}
	return nil
}

func (s *randomAccessStorage) writeRange(offset int, data []byte) error {
	for _, span := range s.spans {
		if offset >= span.offset+span.length {
			continue
		}
		if len(data) == 0 {
			break
		}
		fileOffset := offset - span.offset
		n := span.length - fileOffset
		if n > len(data) {
			n = len(data)
		}
		span.lock.Lock()
		_, err := span.file.WriteAt(data[:n], int64(fileOffset))
		span.lock.Unlock()
		if err != nil {
			return err
		}
		data = data[n:]
		offset += n
	}
	return nil
}

func (s *randomAccessStorage) BlockReadRequest(pieceIndex, blockByteOffset, length int) ([]byte, error) {
	data := make([]byte, length)
	offset := pieceIndex*s.torrent.PieceLength + blockByteOffset
	if err := s.readRange(offset, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *randomAccessStorage) WritePieceRequest(pieceIndex int, data []byte) error {
	return s.writeRange(pieceIndex*s.torrent.PieceLength, data)
}

// GetCurrentDownloadState re-verifies whatever is already on disk so an
// interrupted download resumes instead of starting over. Pieces that fail
// their hash check stay missing.
func (s *randomAccessStorage) GetCurrentDownloadState() (bitmap.Bitmap, int) {
	clientBitfield := bitmap.New(s.torrent.NumPieces)
	left := s.torrent.Length

	onDisk := 0
	for _, span := range s.spans {
		if info, err := span.file.Stat(); err == nil {
			size := int(info.Size())
			if size > span.length {
				size = span.length
			}
			onDisk += size
		}
	}
	if onDisk == 0 {
		return clientBitfield, left
	}

	for pieceIndex := 0; pieceIndex < s.torrent.NumPieces; pieceIndex++ {
		size := s.torrent.PieceSize(pieceIndex)
		if pieceIndex*s.torrent.PieceLength+size > onDisk {
			break
		}
		data := make([]byte, size)
		if err := s.readRange(pieceIndex*s.torrent.PieceLength, data); err != nil {
			continue
		}
		checksum := sha1.Sum(data)
		if bytes.Equal(checksum[:], s.torrent.PieceHash(pieceIndex)) {
			clientBitfield.Set(pieceIndex, true)
			left -= size
		}
	}
	return clientBitfield, left
}

func (s *randomAccessStorage) Close() error {
	var firstErr error
	for _, span := range s.spans {
		if err := span.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
