package tus

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
)

// Upload identifies the resource being uploaded. Size is fixed when the
// resource is created; URL is set once the resource exists on the server.
type Upload struct {
	Size        int64
	Fingerprint string
	Metadata    map[string]string
	URL         string
}

// encodeMetadata renders Metadata as an Upload-Metadata header value:
// comma-separated "key base64(value)" pairs in key order.
func (u *Upload) encodeMetadata() (string, error) {
	if len(u.Metadata) == 0 {
		return "", nil
	}

	keys := make([]string, 0, len(u.Metadata))
	for k := range u.Metadata {
		if k == "" || strings.ContainsAny(k, " ,") {
			return "", fmt.Errorf("%w: invalid metadata key %q", ErrConfiguration, k)
		}

		keys = append(keys, k)
	}

	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+" "+base64.StdEncoding.EncodeToString([]byte(u.Metadata[k])))
	}

	return strings.Join(pairs, ","), nil
}
