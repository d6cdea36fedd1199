package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/org/tagvault/internal/crypto"
	"github.com/org/tagvault/pkg/models"
)

// ownedVault resolves the {vaultID} URL parameter to a vault the requesting
// user owns, through the wrapped keys of the user's tags. Someone else's
// vault 404s the same as a missing one.
func (s *Server) ownedVault(w http.ResponseWriter, r *http.Request) (string, bool) {
	vaultID := chi.URLParam(r, "vaultID")
	owns, err := s.store.UserOwnsVault(r.Context(), userIDFromCtx(r.Context()), vaultID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return "", false
	}
	if !owns {
		writeError(w, http.StatusNotFound, "vault not found")
		return "", false
	}
	return vaultID, true
}

// ObjectPutHandler handles POST /v1/vaults/{vaultID}/objects. The payload is
// already ciphertext; the server validates shape, never content.
func (s *Server) ObjectPutHandler(w http.ResponseWriter, r *http.Request) {
	vaultID, ok := s.ownedVault(w, r)
	if !ok {
		return
	}
	var req struct {
		ObjectID   string `json:"object_id"`
		IV         []byte `json:"iv"`
		Ciphertext []byte `json:"ciphertext"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ObjectID == "" || len(req.IV) != crypto.IVLen || len(req.Ciphertext) == 0 {
		writeError(w, http.StatusBadRequest, "object id, iv, and ciphertext are required")
		return
	}

	blob := &models.VaultBlob{
		VaultID:    vaultID,
		ObjectID:   req.ObjectID,
		IV:         req.IV,
		Ciphertext: req.Ciphertext,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.PutBlob(r.Context(), blob); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stored": true})
}

// ObjectGetHandler handles GET /v1/vaults/{vaultID}/objects/{objectID}.
func (s *Server) ObjectGetHandler(w http.ResponseWriter, r *http.Request) {
	vaultID, ok := s.ownedVault(w, r)
	if !ok {
		return
	}
	blob, err := s.store.GetBlob(r.Context(), vaultID, chi.URLParam(r, "objectID"))
	if err != nil {
		if storageNotFound(err) {
			writeError(w, http.StatusNotFound, "object not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object_id":  blob.ObjectID,
		"iv":         blob.IV,
		"ciphertext": blob.Ciphertext,
	})
}

// ObjectListHandler handles GET /v1/vaults/{vaultID}/objects. Only ids are
// returned; ciphertext moves one object at a time.
func (s *Server) ObjectListHandler(w http.ResponseWriter, r *http.Request) {
	vaultID, ok := s.ownedVault(w, r)
	if !ok {
		return
	}
	blobs, err := s.store.ListBlobs(r.Context(), vaultID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type objectRef struct {
		ObjectID string `json:"object_id"`
	}
	refs := make([]objectRef, 0, len(blobs))
	for _, b := range blobs {
		refs = append(refs, objectRef{ObjectID: b.ObjectID})
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": refs})
}

// ObjectDeleteHandler handles DELETE /v1/vaults/{vaultID}/objects/{objectID}.
func (s *Server) ObjectDeleteHandler(w http.ResponseWriter, r *http.Request) {
	vaultID, ok := s.ownedVault(w, r)
	if !ok {
		return
	}
	err := s.store.DeleteBlob(r.Context(), vaultID, chi.URLParam(r, "objectID"))
	if err != nil {
		if storageNotFound(err) {
			writeError(w, http.StatusNotFound, "object not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// VaultDeleteHandler handles DELETE /v1/vaults/{vaultID}: every object plus
// every wrapped key pointing at the vault.
func (s *Server) VaultDeleteHandler(w http.ResponseWriter, r *http.Request) {
	vaultID, ok := s.ownedVault(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteVault(r.Context(), vaultID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.DeleteWrappedKeysForVault(r.Context(), vaultID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}
