package opaque

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// DecoyRecord fabricates a server record for a tag id that does not exist.
// The record is deterministic per (serverSecret, tagID) so repeated probes
// of the same unknown id see a consistent verifier and envelope, and the
// full exchange runs against it with the same message shapes as a real tag.
// No phrase can ever authenticate against a decoy.
func DecoyRecord(serverSecret, tagID []byte) *ServerRecord {
	scalar := deriveDecoy(serverSecret, tagID, "decoy-scalar", 32)
	verifier, err := curve25519.X25519(scalar, curve25519.Basepoint)
	if err != nil {
		// X25519 with a basepoint multiply cannot fail on a 32-byte
		// scalar; fall back to the raw scalar to keep the shape.
		verifier = scalar
	}
	envelope := deriveDecoy(serverSecret, tagID, "decoy-envelope", envelopeLen)
	return &ServerRecord{Verifier: verifier, Envelope: envelope}
}

func deriveDecoy(serverSecret, tagID []byte, label string, n int) []byte {
	mac := hmac.New(sha256.New, serverSecret)
	mac.Write([]byte(label))
	mac.Write(tagID)
	seed := mac.Sum(nil)
	out := make([]byte, n)
	r := hkdf.New(sha256.New, seed, nil, []byte(label))
	io.ReadFull(r, out) //nolint:errcheck
	return out
}
