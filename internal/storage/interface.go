package storage

import (
	"context"
	"errors"
	"time"

	"github.com/org/tagvault/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when trying to create a resource that already exists.
var ErrAlreadyExists = errors.New("already exists")

// Backend defines the persistence interface for TagVault.
type Backend interface {
	// Secret tags
	CreateTag(ctx context.Context, tag *models.SecretTag) error
	GetTag(ctx context.Context, tagID []byte) (*models.SecretTag, error)
	GetTagByName(ctx context.Context, userID, name string) (*models.SecretTag, error)
	ListTags(ctx context.Context, userID string) ([]*models.SecretTag, error)
	UpdateTagMeta(ctx context.Context, tagID []byte, name, color *string) error
	SetTagActive(ctx context.Context, tagID []byte, active bool) error
	DeleteTag(ctx context.Context, tagID []byte) error

	// Wrapped keys
	CreateWrappedKey(ctx context.Context, wk *models.WrappedKey) error
	ListWrappedKeys(ctx context.Context, tagID []byte) ([]*models.WrappedKey, error)
	DeleteWrappedKeysForTag(ctx context.Context, tagID []byte) error
	DeleteWrappedKeysForVault(ctx context.Context, vaultID string) error

	// UserOwnsVault reports whether any of the user's tags holds a wrapped
	// key for the vault. That link is how vaults are tied to users.
	UserOwnsVault(ctx context.Context, userID, vaultID string) (bool, error)

	// Vault blobs
	PutBlob(ctx context.Context, blob *models.VaultBlob) error
	GetBlob(ctx context.Context, vaultID, objectID string) (*models.VaultBlob, error)
	ListBlobs(ctx context.Context, vaultID string) ([]*models.VaultBlob, error)
	DeleteBlob(ctx context.Context, vaultID, objectID string) error
	DeleteVault(ctx context.Context, vaultID string) error

	// Audit
	WriteAuditEntry(ctx context.Context, entry *models.AuditEntry) error
	QueryAuditLog(ctx context.Context, filter AuditFilter) ([]*models.AuditEntry, error)

	// Metrics helpers
	CountTags(ctx context.Context) (int64, error)
	CountBlobs(ctx context.Context) (int64, error)

	// Lifecycle
	Close()
}

// AuditFilter specifies query parameters for audit log retrieval.
type AuditFilter struct {
	Path   string
	TagID  string
	Since  *time.Time
	Limit  int
	Offset int
}
