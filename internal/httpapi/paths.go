package httpapi

import (
	"path"
	"strings"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/config"
	pipeerrors "github.com/xiaoyuanzhu-com/my-life-db/internal/errors"
)

// CleanStoragePath validates and normalizes a client-supplied storage path.
// Accepted paths are relative, slash-separated, stay inside the storage
// root, and never touch the reserved folders. Everything else is rejected
// here so unclean paths cannot reach the pipeline.
func CleanStoragePath(raw string) (string, error) {
	if raw == "" {
		return "", pipeerrors.ValidationError("path is required")
	}
	if strings.HasPrefix(raw, "/") || strings.Contains(raw, "\\") {
		return "", pipeerrors.InvalidPath(raw)
	}

	cleaned := path.Clean(raw)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", pipeerrors.InvalidPath(raw)
	}

	top := cleaned
	if i := strings.IndexByte(cleaned, '/'); i >= 0 {
		top = cleaned[:i]
	}
	for _, reserved := range config.ReservedFolders {
		if top == reserved {
			return "", pipeerrors.InvalidPath(raw)
		}
	}

	return cleaned, nil
}
