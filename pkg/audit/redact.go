package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// HashClient returns the stored form of a client identifier under redaction,
// so operators can look up events for a known address. With a salt the
// digest is an HMAC keyed by it; without one it is a bare SHA-256.
func HashClient(clientID string, salt []byte) string {
	if len(salt) == 0 {
		sum := sha256.Sum256([]byte(clientID))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(clientID))
	return hex.EncodeToString(mac.Sum(nil))
}

// redactRecord pseudonymizes the client reference; the rest of the record
// carries nothing identifying.
func redactRecord(rec Record, salt []byte) Record {
	if rec.ClientRef != "" {
		rec.ClientRef = HashClient(rec.ClientRef, salt)
	}
	return rec
}
