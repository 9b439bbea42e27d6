package registry

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/codefionn/chatty/internal/logger"
	"github.com/codefionn/chatty/internal/protocol"
)

// recordSize is the on-disk size of one {author, identity} record.
const recordSize = protocol.AuthorLen + 8

type record struct {
	author protocol.Author
	id     protocol.ID
}

func (rec record) encode() []byte {
	b := make([]byte, recordSize)
	copy(b, rec.author[:])
	binary.LittleEndian.PutUint64(b[protocol.AuthorLen:], uint64(rec.id))
	return b
}

func decodeRecord(b []byte) record {
	var rec record
	copy(rec.author[:], b[:protocol.AuthorLen])
	rec.author[protocol.AuthorLen-1] = 0
	rec.id = protocol.ID(binary.LittleEndian.Uint64(b[protocol.AuthorLen:recordSize]))
	return rec
}

// store is the append-only registry file.
type store struct {
	file *os.File
	size int64
}

func openStore(path string) (*store, []record, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open registry file: %w", err)
	}

	data, err := io.ReadAll(file)
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("failed to read registry file: %w", err)
	}

	whole := len(data) - len(data)%recordSize
	if whole != len(data) {
		logger.Warn("registry: dropping %d trailing bytes of a partial record in %s", len(data)-whole, path)
		if err := file.Truncate(int64(whole)); err != nil {
			file.Close()
			return nil, nil, fmt.Errorf("failed to truncate partial registry record: %w", err)
		}
	}

	records := make([]record, 0, whole/recordSize)
	for off := 0; off < whole; off += recordSize {
		records = append(records, decodeRecord(data[off:off+recordSize]))
	}

	return &store{file: file, size: int64(whole)}, records, nil
}

// append writes rec and syncs it to disk. A failed write is rolled back so
// the file stays a whole number of records.
func (s *store) append(rec record) error {
	b := rec.encode()
	n, err := s.file.Write(b)
	if err == nil && n != len(b) {
		err = io.ErrShortWrite
	}
	if err == nil {
		err = s.file.Sync()
	}
	if err != nil {
		if truncErr := s.file.Truncate(s.size); truncErr != nil {
			logger.Error("registry: failed to roll back partial record: %v", truncErr)
		}
		return err
	}
	s.size += int64(n)
	return nil
}

func (s *store) close() error {
	return s.file.Close()
}
