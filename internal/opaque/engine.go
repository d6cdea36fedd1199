// Package opaque wraps the password-authenticated key exchange used to
// verify secret phrases. The Engine interface is the black-box boundary:
// callers move opaque byte messages between client and server and never see
// group elements or proofs. The default engine implements a 3DH-style
// exchange over curve25519 with HKDF key scheduling; a hardened PAKE suite
// can replace it without touching any caller.
package opaque

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/org/tagvault/internal/crypto"
)

// ErrProtocol is returned for malformed or out-of-order messages.
var ErrProtocol = errors.New("malformed protocol message")

// ErrVerificationFailed is returned by ServerAuthConfirm when the client's
// proof does not check out. It carries no detail about why.
var ErrVerificationFailed = errors.New("verification failed")

const (
	pubLen      = 32
	proofLen    = 32
	seedLen     = 32
	envelopeLen = crypto.IVLen + seedLen + 16 // nonce + sealed seed + GCM tag
	msg2Len     = pubLen + proofLen + envelopeLen
)

// Registration is the output of client-side registration. Envelope and
// Verifier are stored server-side; neither can be reversed to the phrase.
// ExportKey stays on the client: it is the stable per-tag wrapping key,
// recoverable on any device that can open the envelope with the phrase.
type Registration struct {
	Envelope  []byte
	Verifier  []byte
	ExportKey *crypto.SecretBuffer
}

// ServerRecord is what the server holds for one tag during authentication.
type ServerRecord struct {
	Verifier []byte
	Envelope []byte
}

// ClientState carries the client's ephemeral secret between auth rounds.
type ClientState struct {
	ephPriv *crypto.SecretBuffer
	ephPub  []byte
}

// Close zeroes the ephemeral secret.
func (s *ClientState) Close() {
	if s != nil {
		s.ephPriv.Close()
	}
}

// ServerState carries the server's view of an attempt between rounds.
type ServerState struct {
	sessionKey  *crypto.SecretBuffer
	clientProof []byte
	confirm     []byte
}

// Close zeroes the pending session key.
func (s *ServerState) Close() {
	if s != nil {
		s.sessionKey.Close()
	}
}

// ClientResult is the client's outcome of a finalized exchange. SessionKey
// matches the server's on success; ExportKey unlocks the tag's wrapping key.
type ClientResult struct {
	SessionKey *crypto.SecretBuffer
	ExportKey  *crypto.SecretBuffer
	confirm    []byte
}

// Close zeroes both keys.
func (r *ClientResult) Close() {
	if r != nil {
		r.SessionKey.Close()
		r.ExportKey.Close()
	}
}

// Engine is the PAKE suite boundary.
type Engine interface {
	// ClientRegister derives registration material from a stretched phrase.
	ClientRegister(stretched *crypto.SecretBuffer) (*Registration, error)
	// ClientAuthInit starts an attempt and produces client message 1.
	ClientAuthInit() (*ClientState, []byte, error)
	// ServerAuthRespond consumes message 1 and produces server message 1.
	ServerAuthRespond(record *ServerRecord, msg1 []byte) (*ServerState, []byte, error)
	// ClientAuthFinalize consumes server message 1 and produces client
	// message 2. It never fails on a wrong phrase: the mismatch surfaces
	// only at ServerAuthConfirm, so all attempts look identical in shape.
	ClientAuthFinalize(stretched *crypto.SecretBuffer, state *ClientState, serverMsg1 []byte) (*ClientResult, []byte, error)
	// ServerAuthConfirm verifies client message 2. On success it returns
	// the shared session key and server message 2 (the confirmation).
	ServerAuthConfirm(state *ServerState, clientMsg2 []byte) (*crypto.SecretBuffer, []byte, error)
	// RecoverExportKey opens a registration envelope with the stretched
	// phrase, without any server round trip. Failure means the phrase does
	// not match the envelope; offline verification rests on exactly this.
	RecoverExportKey(stretched *crypto.SecretBuffer, envelope []byte) (*crypto.SecretBuffer, error)
}

// X25519Engine is the default Engine implementation.
type X25519Engine struct{}

// NewEngine returns the default engine.
func NewEngine() *X25519Engine {
	return &X25519Engine{}
}

// staticKeypair deterministically derives the client's long-term keypair
// from the verify-context key. Same phrase and salt always yield the same
// keypair, which is what makes the verifier stable across devices.
func staticKeypair(stretched *crypto.SecretBuffer) (*crypto.SecretBuffer, []byte, error) {
	verifyKey, err := crypto.DeriveKey(stretched, crypto.ContextVerify)
	if err != nil {
		return nil, nil, err
	}
	pub, err := curve25519.X25519(verifyKey.Bytes(), curve25519.Basepoint)
	if err != nil {
		verifyKey.Close()
		return nil, nil, err
	}
	return verifyKey, pub, nil
}

// ClientRegister builds the envelope and verifier for a new tag. The
// envelope seals a random export seed under the encrypt-context key; the
// verifier is the public half of the phrase-derived static keypair.
func (e *X25519Engine) ClientRegister(stretched *crypto.SecretBuffer) (*Registration, error) {
	priv, pub, err := staticKeypair(stretched)
	if err != nil {
		return nil, err
	}
	defer priv.Close()

	encKey, err := crypto.DeriveKey(stretched, crypto.ContextEncrypt)
	if err != nil {
		return nil, err
	}
	defer encKey.Close()

	seed := make([]byte, seedLen)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, err
	}
	seedBuf := crypto.NewSecretBuffer(seed)
	defer seedBuf.Close()

	envelope, err := crypto.WrapKey(encKey, seedBuf)
	if err != nil {
		return nil, err
	}
	return &Registration{
		Envelope:  envelope,
		Verifier:  pub,
		ExportKey: exportFromSeed(seedBuf),
	}, nil
}

// exportFromSeed derives the stable export key from the envelope seed. It
// is independent of any single exchange so wrapped keys survive across
// sessions and devices.
func exportFromSeed(seed *crypto.SecretBuffer) *crypto.SecretBuffer {
	out := make([]byte, crypto.KeyLen)
	r := hkdf.New(sha256.New, seed.Bytes(), nil, []byte("tagvault-export-v1"))
	io.ReadFull(r, out) //nolint:errcheck
	return crypto.NewSecretBuffer(out)
}

// RecoverExportKey opens the envelope locally. A wrong phrase fails the
// envelope's authentication tag and returns ErrVerificationFailed.
func (e *X25519Engine) RecoverExportKey(stretched *crypto.SecretBuffer, envelope []byte) (*crypto.SecretBuffer, error) {
	if len(envelope) != envelopeLen {
		return nil, ErrProtocol
	}
	encKey, err := crypto.DeriveKey(stretched, crypto.ContextEncrypt)
	if err != nil {
		return nil, err
	}
	defer encKey.Close()
	seed, err := crypto.UnwrapKey(encKey, envelope)
	if err != nil {
		return nil, ErrVerificationFailed
	}
	defer seed.Close()
	return exportFromSeed(seed), nil
}

// ClientAuthInit generates the client ephemeral and emits message 1.
func (e *X25519Engine) ClientAuthInit() (*ClientState, []byte, error) {
	priv := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, nil, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		crypto.Zero(priv)
		return nil, nil, err
	}
	st := &ClientState{ephPriv: crypto.NewSecretBuffer(priv), ephPub: pub}
	msg1 := append([]byte(nil), pub...)
	return st, msg1, nil
}

// ServerAuthRespond runs the server side of round 1: ephemeral generation,
// the two DH computations, and the server proof. Message 1 is the client's
// ephemeral public key.
func (e *X25519Engine) ServerAuthRespond(record *ServerRecord, msg1 []byte) (*ServerState, []byte, error) {
	if record == nil || len(record.Verifier) != pubLen || len(msg1) != pubLen {
		return nil, nil, ErrProtocol
	}
	ephPriv := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, ephPriv); err != nil {
		return nil, nil, err
	}
	defer crypto.Zero(ephPriv)
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}

	dhEph, err := curve25519.X25519(ephPriv, msg1)
	if err != nil {
		return nil, nil, ErrProtocol
	}
	defer crypto.Zero(dhEph)
	dhStatic, err := curve25519.X25519(ephPriv, record.Verifier)
	if err != nil {
		return nil, nil, ErrProtocol
	}
	defer crypto.Zero(dhStatic)

	transcript := transcriptHash(msg1, ephPub, record.Envelope)
	sessionKey := scheduleSessionKey(dhEph, dhStatic, transcript)

	serverProof := proof(sessionKey, "server", transcript)
	clientProof := proof(sessionKey, "client", transcript)
	confirm := proof(sessionKey, "confirm", transcript)

	st := &ServerState{
		sessionKey:  crypto.NewSecretBuffer(sessionKey),
		clientProof: clientProof,
		confirm:     confirm,
	}

	serverMsg1 := make([]byte, 0, msg2Len)
	serverMsg1 = append(serverMsg1, ephPub...)
	serverMsg1 = append(serverMsg1, serverProof...)
	serverMsg1 = append(serverMsg1, record.Envelope...)
	return st, serverMsg1, nil
}

// ClientAuthFinalize completes the client side. A wrong phrase produces a
// session key the server will reject; the export key falls back to zeros in
// that case so the message shape and timing stay uniform.
func (e *X25519Engine) ClientAuthFinalize(stretched *crypto.SecretBuffer, state *ClientState, serverMsg1 []byte) (*ClientResult, []byte, error) {
	if state == nil || state.ephPriv.Closed() || len(serverMsg1) != msg2Len {
		return nil, nil, ErrProtocol
	}
	serverEphPub := serverMsg1[:pubLen]
	envelope := serverMsg1[pubLen+proofLen:]

	staticPriv, _, err := staticKeypair(stretched)
	if err != nil {
		return nil, nil, err
	}
	defer staticPriv.Close()

	dhEph, err := curve25519.X25519(state.ephPriv.Bytes(), serverEphPub)
	if err != nil {
		return nil, nil, ErrProtocol
	}
	defer crypto.Zero(dhEph)
	dhStatic, err := curve25519.X25519(staticPriv.Bytes(), serverEphPub)
	if err != nil {
		return nil, nil, ErrProtocol
	}
	defer crypto.Zero(dhStatic)

	transcript := transcriptHash(state.ephPub, serverEphPub, envelope)
	sessionKey := scheduleSessionKey(dhEph, dhStatic, transcript)
	clientMsg2 := proof(sessionKey, "client", transcript)

	// Recover the export seed. On a wrong phrase the envelope will not
	// open; substitute zeros rather than erroring out early.
	exportKey := crypto.NewSecretBuffer(make([]byte, crypto.KeyLen))
	encKey, err := crypto.DeriveKey(stretched, crypto.ContextEncrypt)
	if err == nil {
		if seed, uerr := crypto.UnwrapKey(encKey, envelope); uerr == nil {
			exportKey.Close()
			exportKey = exportFromSeed(seed)
			seed.Close()
		}
		encKey.Close()
	}

	res := &ClientResult{
		SessionKey: crypto.NewSecretBuffer(sessionKey),
		ExportKey:  exportKey,
		confirm:    proof(sessionKey, "confirm", transcript),
	}
	return res, clientMsg2, nil
}

// ServerAuthConfirm checks the client proof in constant time and, on
// success, releases the session key plus the confirmation message.
func (e *X25519Engine) ServerAuthConfirm(state *ServerState, clientMsg2 []byte) (*crypto.SecretBuffer, []byte, error) {
	if state == nil || state.sessionKey.Closed() || len(clientMsg2) != proofLen {
		return nil, nil, ErrProtocol
	}
	if !hmac.Equal(state.clientProof, clientMsg2) {
		state.Close()
		return nil, nil, ErrVerificationFailed
	}
	key := state.sessionKey.Clone()
	confirm := append([]byte(nil), state.confirm...)
	state.Close()
	return key, confirm, nil
}

// VerifyConfirmation lets the client check server message 2, proving the
// server derived the same session key.
func VerifyConfirmation(result *ClientResult, serverMsg2 []byte) bool {
	if result == nil || len(result.confirm) != proofLen {
		return false
	}
	return hmac.Equal(result.confirm, serverMsg2)
}

func transcriptHash(clientEph, serverEph, envelope []byte) []byte {
	h := sha256.New()
	h.Write([]byte("tagvault-transcript-v1"))
	h.Write(clientEph)
	h.Write(serverEph)
	h.Write(envelope)
	return h.Sum(nil)
}

func scheduleSessionKey(dhEph, dhStatic, transcript []byte) []byte {
	ikm := make([]byte, 0, len(dhEph)+len(dhStatic))
	ikm = append(ikm, dhEph...)
	ikm = append(ikm, dhStatic...)
	defer crypto.Zero(ikm)
	out := make([]byte, crypto.KeyLen)
	r := hkdf.New(sha256.New, ikm, transcript, []byte("tagvault-session-v1"))
	io.ReadFull(r, out) //nolint:errcheck
	return out
}

func proof(sessionKey []byte, label string, transcript []byte) []byte {
	mac := hmac.New(sha256.New, sessionKey)
	mac.Write([]byte(label))
	mac.Write(transcript)
	return mac.Sum(nil)
}
