// Package vaultblob is the client-side vault object layer. Plaintext is
// encrypted under the session's vault data key before it leaves the process;
// the server stores and returns opaque ciphertext it cannot read.
package vaultblob

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/org/tagvault/internal/authflow"
	"github.com/org/tagvault/internal/crypto"
	"github.com/org/tagvault/internal/session"
	"github.com/org/tagvault/internal/transport"
)

// ErrNoActiveSession is returned when the named session cannot release a
// vault key: missing, expired, locked, terminated, or failing its device
// binding check.
var ErrNoActiveSession = errors.New("no active session for vault access")

// ErrDecryptionFailed is the uniform failure for any object that cannot be
// decrypted. Wrong key, tampered ciphertext, and truncation are not
// distinguished.
var ErrDecryptionFailed = errors.New("object decryption failed")

// Object is one plaintext vault entry.
type Object struct {
	ObjectID  string
	Plaintext []byte
}

// ItemResult reports the outcome of one object within a batch. Exactly one
// of Plaintext and Err is meaningful per item; batches never fail as a whole
// once the vault key has been released.
type ItemResult struct {
	ObjectID  string
	Plaintext []byte
	Err       error
}

// Client encrypts and decrypts vault objects against an active session.
type Client struct {
	sessions *session.Manager
	remote   transport.Client
	fp       authflow.FingerprintProvider
}

// NewClient wires a vault blob client to its collaborators.
func NewClient(sessions *session.Manager, remote transport.Client, fp authflow.FingerprintProvider) *Client {
	return &Client{sessions: sessions, remote: remote, fp: fp}
}

// vaultKey releases the session's vault data key. Every session-layer
// refusal collapses into ErrNoActiveSession so callers cannot probe session
// state through the vault API.
func (c *Client) vaultKey(sessionID string) (*crypto.SecretBuffer, error) {
	key, err := c.sessions.VaultKey(sessionID, c.fp.Fingerprint())
	if err != nil {
		log.Debug().Err(err).Msg("vault key release refused")
		return nil, ErrNoActiveSession
	}
	return key, nil
}

// EncryptAndStore encrypts plaintext under the session's vault key with a
// fresh IV and uploads the ciphertext. An empty objectID gets a generated
// one; the id actually stored under is returned either way.
func (c *Client) EncryptAndStore(ctx context.Context, sessionID, vaultID, objectID string, plaintext []byte) (string, error) {
	key, err := c.vaultKey(sessionID)
	if err != nil {
		return "", err
	}
	defer key.Close()
	if objectID == "" {
		objectID = uuid.NewString()
	}
	return objectID, c.storeOne(ctx, key, vaultID, objectID, plaintext)
}

func (c *Client) storeOne(ctx context.Context, key *crypto.SecretBuffer, vaultID, objectID string, plaintext []byte) error {
	iv, ciphertext, err := crypto.EncryptBlob(key, plaintext)
	if err != nil {
		blobOps.WithLabelValues("store", "failure").Inc()
		return fmt.Errorf("encrypting object %s: %w", objectID, err)
	}
	err = c.remote.PutObject(ctx, vaultID, transport.ObjectPayload{
		ObjectID:   objectID,
		IV:         iv,
		Ciphertext: ciphertext,
	})
	if err != nil {
		blobOps.WithLabelValues("store", "failure").Inc()
		return err
	}
	blobOps.WithLabelValues("store", "success").Inc()
	return nil
}

// FetchAndDecrypt downloads one object and decrypts it. Transport failures
// surface as-is; any cryptographic failure is ErrDecryptionFailed.
func (c *Client) FetchAndDecrypt(ctx context.Context, sessionID, vaultID, objectID string) ([]byte, error) {
	key, err := c.vaultKey(sessionID)
	if err != nil {
		return nil, err
	}
	defer key.Close()
	return c.fetchOne(ctx, key, vaultID, objectID)
}

func (c *Client) fetchOne(ctx context.Context, key *crypto.SecretBuffer, vaultID, objectID string) ([]byte, error) {
	payload, err := c.remote.GetObject(ctx, vaultID, objectID)
	if err != nil {
		blobOps.WithLabelValues("fetch", "failure").Inc()
		return nil, err
	}
	plaintext, err := crypto.DecryptBlob(key, payload.IV, payload.Ciphertext)
	if err != nil {
		blobOps.WithLabelValues("fetch", "failure").Inc()
		return nil, ErrDecryptionFailed
	}
	blobOps.WithLabelValues("fetch", "success").Inc()
	return plaintext, nil
}

// StoreBatch stores many objects under one key release. Items fail
// independently; the returned slice is positionally aligned with items.
func (c *Client) StoreBatch(ctx context.Context, sessionID, vaultID string, items []Object) ([]ItemResult, error) {
	key, err := c.vaultKey(sessionID)
	if err != nil {
		return nil, err
	}
	defer key.Close()

	out := make([]ItemResult, len(items))
	for i, item := range items {
		id := item.ObjectID
		if id == "" {
			id = uuid.NewString()
		}
		out[i] = ItemResult{
			ObjectID: id,
			Err:      c.storeOne(ctx, key, vaultID, id, item.Plaintext),
		}
	}
	return out, nil
}

// FetchBatch fetches and decrypts many objects under one key release. Items
// fail independently.
func (c *Client) FetchBatch(ctx context.Context, sessionID, vaultID string, objectIDs []string) ([]ItemResult, error) {
	key, err := c.vaultKey(sessionID)
	if err != nil {
		return nil, err
	}
	defer key.Close()

	out := make([]ItemResult, len(objectIDs))
	for i, id := range objectIDs {
		plaintext, err := c.fetchOne(ctx, key, vaultID, id)
		out[i] = ItemResult{ObjectID: id, Plaintext: plaintext, Err: err}
	}
	return out, nil
}

// List returns the object ids stored in a vault. No key is needed; ids are
// not secret.
func (c *Client) List(ctx context.Context, vaultID string) ([]string, error) {
	payloads, err := c.remote.ListObjects(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(payloads))
	for _, p := range payloads {
		ids = append(ids, p.ObjectID)
	}
	return ids, nil
}

// Delete removes one object. The session must still be able to release the
// vault key: deletion is a write and gets the same gate as stores.
func (c *Client) Delete(ctx context.Context, sessionID, vaultID, objectID string) error {
	key, err := c.vaultKey(sessionID)
	if err != nil {
		return err
	}
	key.Close()
	return c.remote.DeleteObject(ctx, vaultID, objectID)
}
