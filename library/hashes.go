package library

import (
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"
)

// hasherPool amortizes blake3 hasher allocations across library scans.
var hasherPool = sync.Pool{
	New: func() any {
		return blake3.New()
	},
}

// Hashes computes a name to checksum mapping for every regular file directly
// under the library root. The checksum is the first 64 bits of the file's
// blake3 digest; clients compare the values, they never recompute them with a
// different algorithm.
func Hashes(fs afero.Fs, root string) (map[string]uint64, error) {
	entries, err := afero.ReadDir(fs, root)
	if err != nil {
		return nil, fmt.Errorf("read library root %s: %w", root, err)
	}
	hashes := make(map[string]uint64, len(entries))
	for _, entry := range entries {
		if !entry.Mode().IsRegular() {
			continue
		}
		sum, err := hashFile(fs, root, entry.Name())
		if err != nil {
			return nil, err
		}
		hashes[entry.Name()] = sum
	}
	return hashes, nil
}

func hashFile(fs afero.Fs, root, name string) (uint64, error) {
	f, err := fs.Open(filepath.Join(root, name))
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	hasher := hasherPool.Get().(*blake3.Hasher)
	defer func() {
		hasher.Reset()
		hasherPool.Put(hasher)
	}()
	if _, err := io.Copy(hasher, f); err != nil {
		return 0, fmt.Errorf("hash %s: %w", name, err)
	}
	return binary.BigEndian.Uint64(hasher.Sum(nil)[:8]), nil
}
