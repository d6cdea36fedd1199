package api

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/org/tagvault/internal/crypto"
	"github.com/org/tagvault/internal/opaque"
)

type wrappedKeyPayload struct {
	VaultID    string `json:"vault_id"`
	WrappedKey []byte `json:"wrapped_key"`
}

// AuthInitHandler handles POST /v1/auth/init: round 1 of the exchange. An
// unknown or foreign tag id gets a deterministic decoy record, so the
// response shape and cost are identical to a real tag's.
func (s *Server) AuthInitHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TagID      string `json:"tag_id"`
		ClientMsg1 []byte `json:"client_msg1"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tagID, err := hex.DecodeString(req.TagID)
	if err != nil || len(tagID) != crypto.TagIDLen {
		writeError(w, http.StatusBadRequest, "malformed tag id")
		return
	}

	if cd := s.tracker.Cooldown(tagID); cd > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(cd.Seconds())+1))
		writeError(w, http.StatusTooManyRequests, "attempt cooldown in effect")
		return
	}

	userID := userIDFromCtx(r.Context())
	var record *opaque.ServerRecord
	var decoy, inactive bool
	tag, err := s.store.GetTag(r.Context(), tagID)
	if err != nil || tag.UserID != userID {
		record = opaque.DecoyRecord(s.decoySecret, tagID)
		decoy = true
	} else {
		record = &opaque.ServerRecord{Verifier: tag.Verifier, Envelope: tag.Envelope}
		inactive = !tag.Active
	}

	state, serverMsg1, err := s.engine.ServerAuthRespond(record, req.ClientMsg1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed client message")
		return
	}

	attemptID := s.attempts.begin(userID, tagID, state, decoy, inactive)
	writeJSON(w, http.StatusOK, map[string]any{
		"attempt_id":  attemptID,
		"server_msg1": serverMsg1,
	})
}

// AuthFinalizeHandler handles POST /v1/auth/finalize: round 2. Every
// rejection takes the same path and produces the same response shape; only a
// verified proof against a real active tag releases wrapped keys.
func (s *Server) AuthFinalizeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AttemptID  string `json:"attempt_id"`
		ClientMsg2 []byte `json:"client_msg2"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userID := userIDFromCtx(r.Context())
	att, ok := s.attempts.take(req.AttemptID, userID)
	if !ok {
		s.writeAuthFailure(w, nil)
		return
	}

	sessionKey, confirm, err := s.engine.ServerAuthConfirm(att.state, req.ClientMsg2)
	if err != nil || att.decoy || att.inactive {
		if sessionKey != nil {
			sessionKey.Close()
		}
		s.writeAuthFailure(w, att.tagID)
		return
	}
	// The server never keeps the shared key; the client derives its own copy.
	sessionKey.Close()

	wks, lerr := s.store.ListWrappedKeys(r.Context(), att.tagID)
	if lerr != nil {
		writeError(w, http.StatusInternalServerError, "listing wrapped keys")
		return
	}
	released := make([]wrappedKeyPayload, 0, len(wks))
	for _, wk := range wks {
		released = append(released, wrappedKeyPayload{VaultID: wk.VaultID, WrappedKey: wk.Wrapped})
	}

	s.attempts.markSuccess(req.AttemptID)
	s.tracker.RecordSuccess(att.tagID)
	verificationsTotal.WithLabelValues("success").Inc()
	log.Info().Str("tag_id", hex.EncodeToString(att.tagID)).Int("vaults", len(released)).Msg("verification succeeded")

	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"server_msg2":  confirm,
		"wrapped_keys": released,
	})
}

// writeAuthFailure emits the uniform failure response. ServerMsg2 is random
// garbage of the right length so failures are byte-shape identical to
// successes.
func (s *Server) writeAuthFailure(w http.ResponseWriter, tagID []byte) {
	if tagID != nil {
		s.tracker.RecordFailure(tagID)
	}
	verificationsTotal.WithLabelValues("failure").Inc()

	garbage := make([]byte, 32)
	io.ReadFull(rand.Reader, garbage) //nolint:errcheck
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      false,
		"server_msg2":  garbage,
		"wrapped_keys": []wrappedKeyPayload{},
	})
}
