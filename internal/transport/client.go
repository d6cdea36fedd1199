// Package transport is the client side of the vault server's HTTP surface.
// It moves opaque payloads; nothing here interprets envelopes, proofs, or
// ciphertext.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/org/tagvault/pkg/models"
)

// ErrNetwork marks transport failures worth retrying: connection errors,
// timeouts, and server-side 5xx responses.
var ErrNetwork = errors.New("network failure")

// ErrRejected marks a definitive server refusal. Retrying cannot help.
var ErrRejected = errors.New("request rejected")

// ErrNotFound is returned for a missing tag, vault, or object.
var ErrNotFound = errors.New("not found")

// ErrCooldown is returned while the server is throttling attempts for a tag.
var ErrCooldown = errors.New("attempt cooldown in effect")

// RegisterTagRequest carries client-derived registration material. The
// server stores it verbatim; none of it can be reversed to the phrase.
type RegisterTagRequest struct {
	TagID         string `json:"tag_id"` // hex
	Salt          []byte `json:"salt"`
	Envelope      []byte `json:"envelope"`
	Verifier      []byte `json:"verifier"`
	Name          string `json:"name"`
	Color         string `json:"color"`
	SecurityLevel string `json:"security_level"`
	VaultID       string `json:"vault_id"`
	WrappedKey    []byte `json:"wrapped_key"`
}

// AuthInitResponse is round 1 of the exchange from the server's side.
type AuthInitResponse struct {
	AttemptID  string `json:"attempt_id"`
	ServerMsg1 []byte `json:"server_msg1"`
}

// AuthFinalizeRequest closes the exchange.
type AuthFinalizeRequest struct {
	AttemptID  string `json:"attempt_id"`
	ClientMsg2 []byte `json:"client_msg2"`
}

// WrappedKeyPayload is one vault's wrapped data key, released on success.
type WrappedKeyPayload struct {
	VaultID    string `json:"vault_id"`
	WrappedKey []byte `json:"wrapped_key"`
}

// AuthFinalizeResponse reports the outcome. Success and failure responses
// have identical shape; on failure ServerMsg2 is garbage and WrappedKeys is
// empty.
type AuthFinalizeResponse struct {
	Success     bool                `json:"success"`
	ServerMsg2  []byte              `json:"server_msg2"`
	WrappedKeys []WrappedKeyPayload `json:"wrapped_keys"`
}

// RekeyRequest swaps a tag's record for one derived from a new phrase. The
// attempt id must belong to a fresh successful authentication of the old
// tag; that is the proof the caller knew the old phrase.
type RekeyRequest struct {
	AttemptID   string              `json:"attempt_id"`
	OldTagID    string              `json:"old_tag_id"` // hex
	NewTagID    string              `json:"new_tag_id"` // hex
	Salt        []byte              `json:"salt"`
	Envelope    []byte              `json:"envelope"`
	Verifier    []byte              `json:"verifier"`
	WrappedKeys []WrappedKeyPayload `json:"wrapped_keys"`
}

// ObjectPayload is one encrypted vault object.
type ObjectPayload struct {
	ObjectID   string `json:"object_id"`
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext,omitempty"`
}

// Client is the server API as seen by a device. The HTTP implementation is
// the production one; tests substitute an in-process fake.
type Client interface {
	RegisterTag(ctx context.Context, req RegisterTagRequest) error
	ListTags(ctx context.Context) ([]models.TagSummary, error)
	Candidates(ctx context.Context) ([]models.AuthCandidate, error)
	UpdateTagMeta(ctx context.Context, tagID string, name, color *string) error
	SetTagActive(ctx context.Context, tagID string, active bool) error
	DeleteTag(ctx context.Context, tagID string) error
	RekeyTag(ctx context.Context, req RekeyRequest) error

	AuthInit(ctx context.Context, tagID string, clientMsg1 []byte) (*AuthInitResponse, error)
	AuthFinalize(ctx context.Context, req AuthFinalizeRequest) (*AuthFinalizeResponse, error)

	PutObject(ctx context.Context, vaultID string, obj ObjectPayload) error
	GetObject(ctx context.Context, vaultID, objectID string) (*ObjectPayload, error)
	ListObjects(ctx context.Context, vaultID string) ([]ObjectPayload, error)
	DeleteObject(ctx context.Context, vaultID, objectID string) error
}

// HTTPClient talks to a vault server over HTTP.
type HTTPClient struct {
	baseURL string
	userID  string
	httpc   *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the server at baseURL acting as userID.
func NewHTTPClient(baseURL, userID string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		userID:  userID,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", c.userID)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: server returned %d", ErrNetwork, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrCooldown
	case resp.StatusCode >= 400:
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) RegisterTag(ctx context.Context, req RegisterTagRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/tags/register", req, nil)
}

func (c *HTTPClient) ListTags(ctx context.Context) ([]models.TagSummary, error) {
	var out struct {
		Tags []models.TagSummary `json:"tags"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/tags", nil, &out); err != nil {
		return nil, err
	}
	return out.Tags, nil
}

func (c *HTTPClient) Candidates(ctx context.Context) ([]models.AuthCandidate, error) {
	var out struct {
		Candidates []models.AuthCandidate `json:"candidates"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/auth/candidates", nil, &out); err != nil {
		return nil, err
	}
	return out.Candidates, nil
}

func (c *HTTPClient) UpdateTagMeta(ctx context.Context, tagID string, name, color *string) error {
	body := struct {
		Name  *string `json:"name,omitempty"`
		Color *string `json:"color,omitempty"`
	}{name, color}
	return c.do(ctx, http.MethodPatch, "/v1/tags/"+tagID, body, nil)
}

func (c *HTTPClient) SetTagActive(ctx context.Context, tagID string, active bool) error {
	body := struct {
		Active bool `json:"active"`
	}{active}
	return c.do(ctx, http.MethodPatch, "/v1/tags/"+tagID+"/active", body, nil)
}

func (c *HTTPClient) DeleteTag(ctx context.Context, tagID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/tags/"+tagID, nil, nil)
}

func (c *HTTPClient) RekeyTag(ctx context.Context, req RekeyRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/tags/"+req.OldTagID+"/rekey", req, nil)
}

func (c *HTTPClient) AuthInit(ctx context.Context, tagID string, clientMsg1 []byte) (*AuthInitResponse, error) {
	body := struct {
		TagID      string `json:"tag_id"`
		ClientMsg1 []byte `json:"client_msg1"`
	}{tagID, clientMsg1}
	var out AuthInitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/auth/init", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) AuthFinalize(ctx context.Context, req AuthFinalizeRequest) (*AuthFinalizeResponse, error) {
	var out AuthFinalizeResponse
	if err := c.do(ctx, http.MethodPost, "/v1/auth/finalize", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) PutObject(ctx context.Context, vaultID string, obj ObjectPayload) error {
	return c.do(ctx, http.MethodPost, "/v1/vaults/"+vaultID+"/objects", obj, nil)
}

func (c *HTTPClient) GetObject(ctx context.Context, vaultID, objectID string) (*ObjectPayload, error) {
	var out ObjectPayload
	if err := c.do(ctx, http.MethodGet, "/v1/vaults/"+vaultID+"/objects/"+objectID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ListObjects(ctx context.Context, vaultID string) ([]ObjectPayload, error) {
	var out struct {
		Objects []ObjectPayload `json:"objects"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/vaults/"+vaultID+"/objects", nil, &out); err != nil {
		return nil, err
	}
	return out.Objects, nil
}

func (c *HTTPClient) DeleteObject(ctx context.Context, vaultID, objectID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/vaults/"+vaultID+"/objects/"+objectID, nil, nil)
}
