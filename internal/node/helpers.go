package node

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Klingon-tech/klingnet-notary/config"
	"github.com/Klingon-tech/klingnet-notary/internal/storage"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// openKV opens a key-value store at path. The SQLite backend only covers
// the commit log, so its vault and peer stores use Badger.
func openKV(backend config.StorageBackend, path string) (storage.DB, error) {
	path = expandHome(path)
	switch backend {
	case config.StorageBadger, config.StorageSQLite, "":
		return storage.NewBadger(path)
	case config.StorageLevelDB:
		return storage.NewLevelDB(path)
	case config.StorageMemory:
		return storage.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", backend)
	}
}
