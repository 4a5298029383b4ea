// Package index persists embedded chunks, deduplicates them by fingerprint and
// serves similarity retrieval over them.
package index

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint identifies a chunk for deduplication: "source::row_id" when the
// metadata names a source (row_id empty when absent), otherwise the SHA-256
// hex digest of the text.
func Fingerprint(text string, metadata map[string]string) string {
	src := metadata["source"]
	if src == "" {
		src = metadata["file_path"]
	}
	if src != "" {
		return src + "::" + metadata["row_id"]
	}

	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
