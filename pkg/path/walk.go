package path

import (
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

var SkipDirs = []string{".git", ".github", ".vscode", "node_modules", "dist", "build", "target", "vendor", ".venv", "venv"}

// FindFiles returns every file under root whose base name is one of names,
// skipping well-known tool and dependency directories.
func FindFiles(fs afero.Fs, root string, names []string) ([]string, error) {
	var found []string

	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			if path != root && slices.Contains(SkipDirs, info.Name()) {
				return filepath.SkipDir
			}
			return nil
		}

		if slices.Contains(names, info.Name()) {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "error walking directory")
	}

	sort.Strings(found)
	return found, nil
}
