package authflow

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/org/tagvault/internal/crypto"
	"github.com/org/tagvault/internal/transport"
	"github.com/org/tagvault/pkg/models"
)

// ErrRegistrationFailed wraps client-side registration failures.
var ErrRegistrationFailed = errors.New("tag registration failed")

// RegisterTag performs the client side of registration: derive salt and tag
// id from the phrase, produce registration material, wrap a fresh vault data
// key under the export key, and send it all to the server. The phrase and
// every derived secret stay on this device.
func (f *Flow) RegisterTag(ctx context.Context, name, phrase, color string, level models.SecurityLevel) (string, error) {
	req, exportKey, err := f.buildRegistration(name, phrase, color, level)
	if err != nil {
		return "", err
	}
	defer exportKey.Close()

	err = f.withRetry(ctx, func() error { return f.client.RegisterTag(ctx, *req) })
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	log.Info().Str("tag_id", req.TagID).Msg("tag registered")
	return req.TagID, nil
}

func (f *Flow) buildRegistration(name, phrase, color string, level models.SecurityLevel) (*transport.RegisterTagRequest, *crypto.SecretBuffer, error) {
	if name == "" || phrase == "" {
		return nil, nil, fmt.Errorf("%w: name and phrase are required", ErrRegistrationFailed)
	}
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	stretched, err := crypto.Stretch([]byte(phrase), salt)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	defer stretched.Close()

	tagID, err := crypto.DeriveTagID(stretched)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	reg, err := f.engine.ClientRegister(stretched)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	dek, err := crypto.GenerateDataKey()
	if err != nil {
		reg.ExportKey.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	defer dek.Close()
	wrapped, err := crypto.WrapKey(reg.ExportKey, dek)
	if err != nil {
		reg.ExportKey.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	req := &transport.RegisterTagRequest{
		TagID:         hex.EncodeToString(tagID),
		Salt:          salt,
		Envelope:      reg.Envelope,
		Verifier:      reg.Verifier,
		Name:          name,
		Color:         color,
		SecurityLevel: string(level),
		VaultID:       uuid.NewString(),
		WrappedKey:    wrapped,
	}
	return req, reg.ExportKey, nil
}

// Rekey replaces a tag's phrase. It authenticates with the old phrase to
// prove ownership and recover the export key, unwraps every released vault
// data key, rewraps them under the new phrase's export key, and submits the
// replacement record. Sessions under the old phrase die server-side.
func (f *Flow) Rekey(ctx context.Context, oldPhrase, newPhrase string) (string, error) {
	if newPhrase == "" {
		return "", ErrAuthenticationFailed
	}
	start := f.clock.Now()
	exch, err := f.exchange(ctx, oldPhrase)
	if err != nil {
		f.pad(ctx, start)
		if errors.Is(err, ErrAuthInProgress) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", ErrAuthenticationFailed
	}
	defer exch.Close()

	deks := make(map[string]*crypto.SecretBuffer, len(exch.wrapped))
	defer func() {
		for _, dek := range deks {
			dek.Close()
		}
	}()
	for _, wk := range exch.wrapped {
		dek, err := crypto.UnwrapKey(exch.exportKey, wk.WrappedKey)
		if err != nil {
			return "", fmt.Errorf("unwrapping vault key: %w", err)
		}
		deks[wk.VaultID] = dek
	}

	newSalt, err := crypto.GenerateSalt()
	if err != nil {
		return "", err
	}
	stretched, err := crypto.Stretch([]byte(newPhrase), newSalt)
	if err != nil {
		return "", err
	}
	defer stretched.Close()
	newID, err := crypto.DeriveTagID(stretched)
	if err != nil {
		return "", err
	}
	reg, err := f.engine.ClientRegister(stretched)
	if err != nil {
		return "", err
	}
	defer reg.ExportKey.Close()

	req := transport.RekeyRequest{
		AttemptID: exch.attemptID,
		OldTagID:  exch.tagID,
		NewTagID:  hex.EncodeToString(newID),
		Salt:      newSalt,
		Envelope:  reg.Envelope,
		Verifier:  reg.Verifier,
	}
	for vaultID, dek := range deks {
		rewrapped, err := crypto.WrapKey(reg.ExportKey, dek)
		if err != nil {
			return "", err
		}
		req.WrappedKeys = append(req.WrappedKeys, transport.WrappedKeyPayload{VaultID: vaultID, WrappedKey: rewrapped})
	}

	if err := f.withRetry(ctx, func() error { return f.client.RekeyTag(ctx, req) }); err != nil {
		return "", fmt.Errorf("submitting re-key: %w", err)
	}
	log.Info().Str("old_tag_id", exch.tagID).Str("new_tag_id", req.NewTagID).Msg("tag re-keyed")
	return req.NewTagID, nil
}
