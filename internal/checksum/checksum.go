package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// WorkspaceID derives a stable workspace identifier from the vault root.
// The same directory always maps to the same id, so UI state survives
// restarts without extra configuration.
func WorkspaceID(vaultRoot string) string {
	abs, err := filepath.Abs(vaultRoot)
	if err != nil {
		abs = filepath.Clean(vaultRoot)
	}
	return "ws-" + Sum([]byte(abs))[:12]
}
