package socketclient

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	atomicfile "github.com/natefinch/atomic"

	"github.com/codefionn/chatty/internal/protocol"
)

// LoadIdentity reads an identity saved by SaveIdentity. A missing file
// yields 0.
func LoadIdentity(path string) (protocol.ID, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read identity file: %w", err)
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("identity file %s: expected 8 bytes, got %d", path, len(data))
	}
	return protocol.ID(binary.LittleEndian.Uint64(data)), nil
}

// SaveIdentity replaces the identity file at path.
func SaveIdentity(path string, id protocol.ID) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(id))
	if err := atomicfile.WriteFile(path, bytes.NewReader(b[:])); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}
