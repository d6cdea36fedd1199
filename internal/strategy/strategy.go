// Package strategy decides how phrase verification runs: against the
// server, against the local cache with server fallback, or cache-only when
// offline. The decision is a pure function of configuration and network
// status; the selector owns the active verifier and swaps it atomically.
package strategy

import (
	"context"
	"errors"

	"github.com/org/tagvault/internal/authflow"
	"github.com/org/tagvault/internal/session"
	"github.com/org/tagvault/pkg/models"
)

// Kind identifies one of the three verification strategies. The set is
// closed: callers switch on it exhaustively.
type Kind string

const (
	KindServerOnly Kind = "server_only"
	KindCacheFirst Kind = "cache_first"
	KindCacheOnly  Kind = "cache_only"
)

// NetStatus is the observed connectivity state. Poor connectivity counts as
// online: a degraded link still reaches the authoritative server.
type NetStatus string

const (
	StatusOnline  NetStatus = "online"
	StatusOffline NetStatus = "offline"
	StatusPoor    NetStatus = "poor"
)

// ErrOffline is returned for operations that cannot run without the server.
var ErrOffline = errors.New("operation requires connectivity")

// Select maps configuration and network status to a strategy. Border
// crossing, maximum security, and a disabled cache each force server-only
// verification regardless of connectivity.
func Select(cfg models.StrategyConfig, st NetStatus) Kind {
	if cfg.BorderCrossing || cfg.SecurityMode == models.ModeMaximum || !cfg.CacheEnabled {
		return KindServerOnly
	}
	if st == StatusOffline {
		return KindCacheOnly
	}
	return KindCacheFirst
}

// Verifier is the capability surface a strategy provides. Operations a
// strategy cannot serve return ErrOffline rather than silently degrading.
type Verifier interface {
	VerifyPhrase(ctx context.Context, phrase string, origin session.Origin) (*authflow.Result, error)
	ListTags(ctx context.Context) ([]models.TagSummary, error)
	CreateTag(ctx context.Context, name, phrase, color string, level models.SecurityLevel) (string, error)
	DeleteTag(ctx context.Context, tagID string) error
	ActivateTag(ctx context.Context, tagID string) error
	DeactivateTag(ctx context.Context, tagID string) error
}
