package vectorindex

import (
	"fmt"
	"os"
	"path/filepath"
)

// Open creates the index backend named by backend. The memory backend loads
// any previously saved snapshot from dataPath and flushes back to it on
// Close; the sqlite backend keeps its database under dataPath; the postgres
// backend ignores dataPath and connects with postgresDSN.
func Open(backend, dataPath, postgresDSN string) (Index, error) {
	switch backend {
	case "memory":
		idx := NewMemoryIndex()
		path := filepath.Join(dataPath, "index.json")
		if _, err := os.Stat(path); err == nil {
			if err := idx.LoadFile(path); err != nil {
				return nil, err
			}
		}
		idx.BindFile(path)
		return idx, nil

	case "sqlite", "":
		return NewSQLiteIndex(filepath.Join(dataPath, "index.db"))

	case "postgres":
		if postgresDSN == "" {
			return nil, fmt.Errorf("%w: postgres backend requires a DSN", ErrInvalidInput)
		}
		return NewPostgresIndex(postgresDSN)

	default:
		return nil, fmt.Errorf("%w: unsupported index backend %q", ErrInvalidInput, backend)
	}
}
