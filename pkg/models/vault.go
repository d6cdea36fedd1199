package models

import "time"

// VaultBlob is one encrypted content object. Ciphertext is AES-GCM output
// with the auth tag embedded; the IV is stored alongside and must be unique
// per (vault data key, object).
type VaultBlob struct {
	VaultID    string
	ObjectID   string
	IV         []byte // 12 bytes
	Ciphertext []byte
	CreatedAt  time.Time
}
