package api

import (
	"encoding/hex"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/org/tagvault/internal/crypto"
	"github.com/org/tagvault/internal/storage"
	"github.com/org/tagvault/internal/tags"
	"github.com/org/tagvault/pkg/models"
)

// TagRegisterHandler handles POST /v1/tags/register.
func (s *Server) TagRegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TagID         string `json:"tag_id"`
		Salt          []byte `json:"salt"`
		Envelope      []byte `json:"envelope"`
		Verifier      []byte `json:"verifier"`
		Name          string `json:"name"`
		Color         string `json:"color"`
		SecurityLevel string `json:"security_level"`
		VaultID       string `json:"vault_id"`
		WrappedKey    []byte `json:"wrapped_key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tagID, err := hex.DecodeString(req.TagID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed tag id")
		return
	}

	mat := tags.Material{
		TagID:         tagID,
		Salt:          req.Salt,
		Envelope:      req.Envelope,
		Verifier:      req.Verifier,
		Name:          req.Name,
		Color:         req.Color,
		SecurityLevel: models.SecurityLevel(req.SecurityLevel),
		VaultID:       req.VaultID,
		WrappedKey:    req.WrappedKey,
	}
	err = s.registry.Register(r.Context(), userIDFromCtx(r.Context()), mat)
	switch {
	case errors.Is(err, tags.ErrDuplicateName):
		writeError(w, http.StatusConflict, "tag name already in use")
	case errors.Is(err, tags.ErrRegistrationFailed):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{"tag_id": req.TagID})
	}
}

// TagListHandler handles GET /v1/tags.
func (s *Server) TagListHandler(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.registry.List(r.Context(), userIDFromCtx(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": summaries})
}

// CandidatesHandler handles GET /v1/auth/candidates.
func (s *Server) CandidatesHandler(w http.ResponseWriter, r *http.Request) {
	cands, err := s.registry.Candidates(r.Context(), userIDFromCtx(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": cands})
}

// ownedTag resolves the {tagID} URL parameter to a tag the requesting user
// owns. A tag belonging to someone else 404s the same as a missing one.
func (s *Server) ownedTag(w http.ResponseWriter, r *http.Request) (*models.SecretTag, bool) {
	tagID, err := hex.DecodeString(chi.URLParam(r, "tagID"))
	if err != nil || len(tagID) != crypto.TagIDLen {
		writeError(w, http.StatusBadRequest, "malformed tag id")
		return nil, false
	}
	tag, err := s.store.GetTag(r.Context(), tagID)
	if err != nil || tag.UserID != userIDFromCtx(r.Context()) {
		writeError(w, http.StatusNotFound, "tag not found")
		return nil, false
	}
	return tag, true
}

// TagUpdateHandler handles PATCH /v1/tags/{tagID}.
func (s *Server) TagUpdateHandler(w http.ResponseWriter, r *http.Request) {
	tag, ok := s.ownedTag(w, r)
	if !ok {
		return
	}
	var req struct {
		Name  *string `json:"name"`
		Color *string `json:"color"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name != nil {
		err := s.registry.Rename(r.Context(), tag.TagID, *req.Name)
		switch {
		case errors.Is(err, tags.ErrDuplicateName):
			writeError(w, http.StatusConflict, "tag name already in use")
			return
		case err != nil:
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Color != nil {
		if err := s.registry.Recolor(r.Context(), tag.TagID, *req.Color); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": true})
}

// TagActiveHandler handles PATCH /v1/tags/{tagID}/active.
func (s *Server) TagActiveHandler(w http.ResponseWriter, r *http.Request) {
	tag, ok := s.ownedTag(w, r)
	if !ok {
		return
	}
	var req struct {
		Active bool `json:"active"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.registry.SetActive(r.Context(), tag.TagID, req.Active); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": req.Active})
}

// TagDeleteHandler handles DELETE /v1/tags/{tagID}.
func (s *Server) TagDeleteHandler(w http.ResponseWriter, r *http.Request) {
	tag, ok := s.ownedTag(w, r)
	if !ok {
		return
	}
	if err := s.registry.Delete(r.Context(), tag.TagID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// TagRekeyHandler handles POST /v1/tags/{tagID}/rekey. The attempt id in the
// body must cite a fresh successful authentication of this tag; that is the
// proof the caller knew the old phrase.
func (s *Server) TagRekeyHandler(w http.ResponseWriter, r *http.Request) {
	tag, ok := s.ownedTag(w, r)
	if !ok {
		return
	}
	var req struct {
		AttemptID   string `json:"attempt_id"`
		NewTagID    string `json:"new_tag_id"`
		Salt        []byte `json:"salt"`
		Envelope    []byte `json:"envelope"`
		Verifier    []byte `json:"verifier"`
		WrappedKeys []struct {
			VaultID    string `json:"vault_id"`
			WrappedKey []byte `json:"wrapped_key"`
		} `json:"wrapped_keys"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userID := userIDFromCtx(r.Context())
	if !s.attempts.consumeProof(req.AttemptID, userID, tag.TagID) {
		writeError(w, http.StatusForbidden, "re-key requires a fresh successful authentication")
		return
	}

	newID, err := hex.DecodeString(req.NewTagID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed replacement tag id")
		return
	}
	rec := tags.RekeyRecord{
		NewTagID: newID,
		Salt:     req.Salt,
		Envelope: req.Envelope,
		Verifier: req.Verifier,
	}
	for _, wk := range req.WrappedKeys {
		rec.WrappedKeys = append(rec.WrappedKeys, models.WrappedKey{VaultID: wk.VaultID, Wrapped: wk.WrappedKey})
	}

	if _, err := s.registry.Rekey(r.Context(), userID, tag.TagID, rec); err != nil {
		if errors.Is(err, tags.ErrRekeyFailed) {
			writeError(w, http.StatusBadRequest, "re-key failed")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tag_id": req.NewTagID})
}

// storageNotFound reports whether err is the backend's missing-row error.
func storageNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
