package uploadops

import (
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Fingerprint identifies one version of a local file: the same path, size,
// and modification time always map to the same fingerprint, so an edited
// file never resumes into an upload of its old contents.
//
// The path is made absolute and NFC-normalized so that macOS (NFD) and
// Linux spellings of the same name agree. The path is length-prefixed to
// keep the hashed fields unambiguous.
func Fingerprint(path string, size int64, mtime time.Time) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}

	abs = norm.NFC.String(abs)

	h := sha256.Sum256(fmt.Appendf(nil, "%d:%s:%d:%d", len(abs), abs, size, mtime.UnixNano()))

	return fmt.Sprintf("%x", h), nil
}
