package storage

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/org/tagvault/pkg/models"
)

// MemoryBackend is an in-memory Backend used for tests and dev mode.
type MemoryBackend struct {
	mu      sync.RWMutex
	tags    map[string]*models.SecretTag   // hex tag_id
	wrapped map[string][]*models.WrappedKey
	blobs   map[string]map[string]*models.VaultBlob // vault_id → object_id
	audit   []*models.AuditEntry
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		tags:    map[string]*models.SecretTag{},
		wrapped: map[string][]*models.WrappedKey{},
		blobs:   map[string]map[string]*models.VaultBlob{},
	}
}

func key(tagID []byte) string { return hex.EncodeToString(tagID) }

func (m *MemoryBackend) CreateTag(ctx context.Context, tag *models.SecretTag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tags[key(tag.TagID)]; ok {
		return ErrAlreadyExists
	}
	cp := *tag
	m.tags[key(tag.TagID)] = &cp
	return nil
}

func (m *MemoryBackend) GetTag(ctx context.Context, tagID []byte) (*models.SecretTag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tags[key(tagID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryBackend) GetTagByName(ctx context.Context, userID, name string) (*models.SecretTag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tags {
		if t.UserID == userID && strings.EqualFold(t.Name, name) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryBackend) ListTags(ctx context.Context, userID string) ([]*models.SecretTag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.SecretTag
	for _, t := range m.tags {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryBackend) UpdateTagMeta(ctx context.Context, tagID []byte, name, color *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tags[key(tagID)]
	if !ok {
		return ErrNotFound
	}
	if name != nil {
		t.Name = *name
	}
	if color != nil {
		t.Color = *color
	}
	return nil
}

func (m *MemoryBackend) SetTagActive(ctx context.Context, tagID []byte, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tags[key(tagID)]
	if !ok {
		return ErrNotFound
	}
	t.Active = active
	return nil
}

func (m *MemoryBackend) DeleteTag(ctx context.Context, tagID []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tags[key(tagID)]; !ok {
		return ErrNotFound
	}
	delete(m.tags, key(tagID))
	return nil
}

func (m *MemoryBackend) CreateWrappedKey(ctx context.Context, wk *models.WrappedKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *wk
	m.wrapped[key(wk.TagID)] = append(m.wrapped[key(wk.TagID)], &cp)
	return nil
}

func (m *MemoryBackend) ListWrappedKeys(ctx context.Context, tagID []byte) ([]*models.WrappedKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// Latest wrapped key per vault wins, matching the Postgres query.
	latest := map[string]*models.WrappedKey{}
	for _, wk := range m.wrapped[key(tagID)] {
		cur, ok := latest[wk.VaultID]
		if !ok || wk.CreatedAt.After(cur.CreatedAt) {
			latest[wk.VaultID] = wk
		}
	}
	var out []*models.WrappedKey
	for _, wk := range latest {
		cp := *wk
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryBackend) DeleteWrappedKeysForTag(ctx context.Context, tagID []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.wrapped, key(tagID))
	return nil
}

func (m *MemoryBackend) DeleteWrappedKeysForVault(ctx context.Context, vaultID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, keys := range m.wrapped {
		var kept []*models.WrappedKey
		for _, wk := range keys {
			if wk.VaultID != vaultID {
				kept = append(kept, wk)
			}
		}
		m.wrapped[k] = kept
	}
	return nil
}

func (m *MemoryBackend) UserOwnsVault(ctx context.Context, userID, vaultID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for tagKey, keys := range m.wrapped {
		t, ok := m.tags[tagKey]
		if !ok || t.UserID != userID {
			continue
		}
		for _, wk := range keys {
			if wk.VaultID == vaultID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *MemoryBackend) PutBlob(ctx context.Context, blob *models.VaultBlob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vault := m.blobs[blob.VaultID]
	if vault == nil {
		vault = map[string]*models.VaultBlob{}
		m.blobs[blob.VaultID] = vault
	}
	cp := *blob
	vault[blob.ObjectID] = &cp
	return nil
}

func (m *MemoryBackend) GetBlob(ctx context.Context, vaultID, objectID string) (*models.VaultBlob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[vaultID][objectID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryBackend) ListBlobs(ctx context.Context, vaultID string) ([]*models.VaultBlob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.VaultBlob
	for _, b := range m.blobs[vaultID] {
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryBackend) DeleteBlob(ctx context.Context, vaultID, objectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[vaultID][objectID]; !ok {
		return ErrNotFound
	}
	delete(m.blobs[vaultID], objectID)
	return nil
}

func (m *MemoryBackend) DeleteVault(ctx context.Context, vaultID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, vaultID)
	return nil
}

func (m *MemoryBackend) WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	cp.ID = int64(len(m.audit) + 1)
	m.audit = append(m.audit, &cp)
	return nil
}

func (m *MemoryBackend) QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if filter.Path != "" && !strings.HasPrefix(e.Path, filter.Path) {
			continue
		}
		if filter.TagID != "" && e.TagID != filter.TagID {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryBackend) CountTags(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.tags)), nil
}

func (m *MemoryBackend) CountBlobs(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, vault := range m.blobs {
		n += int64(len(vault))
	}
	return n, nil
}

func (m *MemoryBackend) Close() {}
