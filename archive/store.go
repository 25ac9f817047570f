package archive

import (
	"os"
	"strings"
)

// Store persists collected artifact files outside the CI workspace, which
// only retains them for as long as the CI system keeps the build.
type Store interface {
	// UploadDir stores every visible regular file of dir under keyPrefix.
	UploadDir(dir string, keyPrefix string) error
}

// uploadableFiles returns the names of the files in dir worth keeping.
// Dotfiles carry CI bookkeeping (the artifact marker), not results.
func uploadableFiles(entries []os.DirEntry) []string {
	names := []string{}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	return names
}
