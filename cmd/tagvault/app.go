package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/org/tagvault/internal/authflow"
	"github.com/org/tagvault/internal/cache"
	"github.com/org/tagvault/internal/opaque"
	"github.com/org/tagvault/internal/session"
	"github.com/org/tagvault/internal/strategy"
	"github.com/org/tagvault/internal/transport"
	"github.com/org/tagvault/internal/vaultblob"
	"github.com/org/tagvault/pkg/models"
)

// app is the wired client stack for one CLI invocation. Sessions live only
// as long as the process; the offline candidate cache persists on disk.
type app struct {
	client   transport.Client
	sessions *session.Manager
	flow     *authflow.Flow
	cache    *cache.Store
	selector *strategy.Selector
	vault    *vaultblob.Client
}

func newApp(offline bool) (*app, error) {
	client := transport.NewHTTPClient(cfg.Address, cfg.UserID)
	sessions := session.NewManager(models.DefaultSessionConfig(), nil)
	fp := authflow.StaticFingerprint(cfg.Fingerprint)
	engine := opaque.NewEngine()
	flow := authflow.New(engine, client, sessions, fp, nil, authflow.DefaultConfig())
	// Enhanced sessions unlock only against a fresh phrase confirmation.
	sessions.SetUnlockConfirmer(func(ctx context.Context, tagID []byte) error {
		return flow.Confirm(ctx, tagID, readPhrase("Confirm phrase"))
	})

	strat := models.DefaultStrategyConfig()
	if cfg.SecurityMode != "" {
		strat.SecurityMode = models.SecurityMode(cfg.SecurityMode)
	}
	if cfg.CacheEnabled != nil {
		strat.CacheEnabled = *cfg.CacheEnabled
	}
	strat.BorderCrossing = cfg.BorderCrossing

	store, err := cache.Open(cachePath(), strat.MaxCacheAge, nil)
	if err != nil {
		return nil, fmt.Errorf("opening offline cache: %w", err)
	}

	status := strategy.StatusOnline
	if offline {
		status = strategy.StatusOffline
	}
	selector := strategy.NewSelector(strat, strategy.Deps{
		Flow:        flow,
		Client:      client,
		Cache:       store,
		Engine:      engine,
		Sessions:    sessions,
		Fingerprint: fp,
		Observer:    strategy.NewMonitor(status),
	})

	return &app{
		client:   client,
		sessions: sessions,
		flow:     flow,
		cache:    store,
		selector: selector,
		vault:    vaultblob.NewClient(sessions, client, fp),
	}, nil
}

func (a *app) Close() {
	a.cache.Close() //nolint:errcheck
}

// readPhrase prompts for a secret phrase on stdin.
func readPhrase(prompt string) string {
	fmt.Fprint(os.Stderr, prompt+": ")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	return strings.TrimSpace(scanner.Text())
}

func formatExpiry(t time.Time) string {
	return t.Local().Format("15:04:05")
}
