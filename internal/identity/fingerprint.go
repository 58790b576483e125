// Package identity derives stable client keys from request transport
// metadata. The same derivation is shared with the security-validation
// layer so both see one identity per browser.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint is the browser-supplied identification material.
type Fingerprint struct {
	FingerprintHash  string `json:"fingerprint"`
	UserAgent        string `json:"user_agent"`
	ScreenResolution string `json:"screen"`
	Timezone         string `json:"timezone"`
}

// CompositeHash combines the fingerprint components into one deterministic
// sha256 hex digest. Field order is fixed by the struct definition so the
// same inputs always produce the same key.
func CompositeHash(fp Fingerprint) string {
	raw, _ := json.Marshal(fp)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ClientKey derives the rate-limiting key for a request. With fingerprint
// material present the composite hash wins; otherwise the remote address is
// the best available identity.
func ClientKey(remoteAddr string, fp *Fingerprint) string {
	if fp != nil && fp.FingerprintHash != "" {
		return CompositeHash(*fp)
	}
	sum := sha256.Sum256([]byte("ip:" + remoteAddr))
	return hex.EncodeToString(sum[:])
}
