package shellsession

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const markerPrefix = "__OMP_CMD_DONE__"

// newMarker mints a marker of the form __OMP_CMD_DONE__<32 hex chars>__ from
// a 128-bit cryptographically strong random nonce (spec.md 9: "do not reuse
// nonces across commands on the same session").
func newMarker() (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("mint marker nonce: %w", err)
	}
	return markerPrefix + hex.EncodeToString(nonce) + "__", nil
}

// parseExitCode reads an ASCII integer exit code off the marker line.
// Non-numeric content (including an empty match) is reported as unknown,
// matching spec.md 4.4's "non-numeric is treated as unknown."
func parseExitCode(digits []byte) (code int, ok bool) {
	if len(digits) == 0 {
		return 0, false
	}
	n := 0
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
