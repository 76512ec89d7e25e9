package btree

import (
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Config bundles the knobs a caller sets once when opening a pool, mirroring
// the teacher's Config/DefaultConfig pairing.
type Config struct {
	// PageCapacity is the fixed byte size of every page in the pool. Must
	// be within [MinPageSize, MaxPageSize].
	PageCapacity PageSize

	// DataDir is the directory a PersistentPagePool's file lives in. Unused
	// for a volatile PagePool.
	DataDir string

	// FileName is the pagetree file's name within DataDir.
	FileName string

	// Mode records the copy-on-update discipline a caller picked for its
	// Trees. Nothing applies it automatically: NewTree and OpenTree take
	// their mode as an explicit argument.
	Mode UpdateMode

	// Logger receives structured diagnostics; a nil Logger resolves to
	// zap.NewNop() so the engine is silent by default rather than
	// panicking on a missing logger.
	Logger *zap.Logger
}

// DefaultConfig returns sane defaults: a 4KiB page, Auto update mode, and
// a no-op logger.
func DefaultConfig(dataDir string) Config {
	return Config{
		PageCapacity: 4096,
		DataDir:      dataDir,
		FileName:     "pagetree.db",
		Mode:         Auto,
		Logger:       zap.NewNop(),
	}
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// OpenPersistentPool opens (or creates) a PersistentPagePool at
// filepath.Join(c.DataDir, c.FileName) on fs, using c.PageCapacity and
// c.logger(). This is the entry point most callers use instead of naming
// OpenPersistentPagePool's arguments individually.
func (c Config) OpenPersistentPool(fs afero.Fs) (*PersistentPagePool, error) {
	path := filepath.Join(c.DataDir, c.FileName)
	return OpenPersistentPagePool(fs, path, c.PageCapacity, c.logger())
}
