package models

import "time"

// AuditEntry records one API request for operator diagnosis. Phrase material,
// key material, and plaintext must never be passed here. Tag ids appear in
// hex, tokens and fingerprints as SHA-256 hashes.
type AuditEntry struct {
	ID              int64
	RequestID       string
	Timestamp       time.Time
	Operation       string
	Path            string
	TagID           string // hex, may be empty
	FingerprintHash string
	Status          string
	ResponseCode    int
	ResponseTimeMs  int64
	ClientIP        string
	Metadata        map[string]string
}
