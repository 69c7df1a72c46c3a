package jumpdb

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// TempFileProvider hands out paths for scratch files. Callers own the
// returned paths and must delete them.
type TempFileProvider interface {
	GetTemporaryFilename() (string, error)
}

// DirTempFiles provides uniquely named paths inside a directory. The empty
// value uses os.TempDir.
type DirTempFiles string

// GetTemporaryFilename implements TempFileProvider.
func (d DirTempFiles) GetTemporaryFilename() (string, error) {
	dir := string(d)
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "jumpdb-"+uuid.New().String()+".tmp"), nil
}

// stagingPath is where an output file is written before the final rename.
func stagingPath(path string) string {
	return path + ".tmp-" + uuid.New().String()
}
