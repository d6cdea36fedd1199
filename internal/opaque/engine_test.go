package opaque

import (
	"bytes"
	"testing"

	"github.com/org/tagvault/internal/crypto"
)

func stretchPhrase(t *testing.T, phrase string) *crypto.SecretBuffer {
	t.Helper()
	salt := bytes.Repeat([]byte{0x5a}, crypto.SaltLen)
	s, err := crypto.Stretch([]byte(phrase), salt)
	if err != nil {
		t.Fatalf("Stretch failed: %v", err)
	}
	return s
}

func runExchange(t *testing.T, e Engine, record *ServerRecord, stretched *crypto.SecretBuffer) (*ClientResult, *crypto.SecretBuffer, []byte, error) {
	t.Helper()
	cs, msg1, err := e.ClientAuthInit()
	if err != nil {
		t.Fatalf("ClientAuthInit: %v", err)
	}
	defer cs.Close()
	ss, serverMsg1, err := e.ServerAuthRespond(record, msg1)
	if err != nil {
		t.Fatalf("ServerAuthRespond: %v", err)
	}
	res, clientMsg2, err := e.ClientAuthFinalize(stretched, cs, serverMsg1)
	if err != nil {
		t.Fatalf("ClientAuthFinalize: %v", err)
	}
	key, serverMsg2, err := e.ServerAuthConfirm(ss, clientMsg2)
	return res, key, serverMsg2, err
}

func TestRegisterAndAuthenticate(t *testing.T) {
	e := NewEngine()
	stretched := stretchPhrase(t, "correct horse battery staple")
	defer stretched.Close()

	reg, err := e.ClientRegister(stretched)
	if err != nil {
		t.Fatalf("ClientRegister: %v", err)
	}
	if len(reg.Verifier) != pubLen {
		t.Fatalf("verifier length %d", len(reg.Verifier))
	}
	if len(reg.Envelope) != envelopeLen {
		t.Fatalf("envelope length %d, want %d", len(reg.Envelope), envelopeLen)
	}

	record := &ServerRecord{Verifier: reg.Verifier, Envelope: reg.Envelope}
	res, serverKey, serverMsg2, err := runExchange(t, e, record, stretched)
	if err != nil {
		t.Fatalf("exchange failed: %v", err)
	}
	defer res.Close()
	defer serverKey.Close()

	if !bytes.Equal(res.SessionKey.Bytes(), serverKey.Bytes()) {
		t.Error("client and server session keys differ")
	}
	if !VerifyConfirmation(res, serverMsg2) {
		t.Error("server confirmation did not verify")
	}
	if res.ExportKey.Len() != crypto.KeyLen {
		t.Error("export key missing")
	}
	allZero := true
	for _, b := range res.ExportKey.Bytes() {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Error("export key should be non-zero on success")
	}
}

func TestWrongPhraseRejected(t *testing.T) {
	e := NewEngine()
	right := stretchPhrase(t, "correct horse battery staple")
	defer right.Close()
	wrong := stretchPhrase(t, "incorrect donkey battery staple")
	defer wrong.Close()

	reg, _ := e.ClientRegister(right)
	record := &ServerRecord{Verifier: reg.Verifier, Envelope: reg.Envelope}

	res, key, _, err := runExchange(t, e, record, wrong)
	if err != ErrVerificationFailed {
		t.Fatalf("want ErrVerificationFailed, got %v", err)
	}
	if key != nil {
		t.Error("no session key may be released on failure")
	}
	res.Close()
}

func TestDecoyExchangeShape(t *testing.T) {
	e := NewEngine()
	stretched := stretchPhrase(t, "any phrase at all")
	defer stretched.Close()

	serverSecret := bytes.Repeat([]byte{0x11}, 32)
	tagID := bytes.Repeat([]byte{0x22}, crypto.TagIDLen)

	decoy := DecoyRecord(serverSecret, tagID)
	if len(decoy.Verifier) != pubLen || len(decoy.Envelope) != envelopeLen {
		t.Fatal("decoy record shape differs from a real record")
	}
	// Deterministic per tag id.
	again := DecoyRecord(serverSecret, tagID)
	if !bytes.Equal(decoy.Verifier, again.Verifier) || !bytes.Equal(decoy.Envelope, again.Envelope) {
		t.Error("decoy record must be stable per tag id")
	}

	// A real registration and the decoy must produce identically shaped
	// server messages, and the decoy must always reject.
	reg, _ := e.ClientRegister(stretched)
	realRecord := &ServerRecord{Verifier: reg.Verifier, Envelope: reg.Envelope}

	cs1, msg1a, _ := e.ClientAuthInit()
	defer cs1.Close()
	_, realMsg, err := e.ServerAuthRespond(realRecord, msg1a)
	if err != nil {
		t.Fatalf("respond(real): %v", err)
	}
	cs2, msg1b, _ := e.ClientAuthInit()
	defer cs2.Close()
	_, decoyMsg, err := e.ServerAuthRespond(decoy, msg1b)
	if err != nil {
		t.Fatalf("respond(decoy): %v", err)
	}
	if len(realMsg) != len(decoyMsg) {
		t.Errorf("message lengths differ: real=%d decoy=%d", len(realMsg), len(decoyMsg))
	}

	res, key, _, err := runExchange(t, e, decoy, stretched)
	if err != ErrVerificationFailed {
		t.Fatalf("decoy exchange: want ErrVerificationFailed, got %v", err)
	}
	if key != nil {
		t.Error("decoy must never yield a session key")
	}
	res.Close()
}

func TestMalformedMessages(t *testing.T) {
	e := NewEngine()
	stretched := stretchPhrase(t, "phrase")
	defer stretched.Close()
	reg, _ := e.ClientRegister(stretched)
	record := &ServerRecord{Verifier: reg.Verifier, Envelope: reg.Envelope}

	if _, _, err := e.ServerAuthRespond(record, []byte("short")); err != ErrProtocol {
		t.Errorf("short msg1: want ErrProtocol, got %v", err)
	}
	if _, _, err := e.ServerAuthRespond(nil, make([]byte, pubLen)); err != ErrProtocol {
		t.Errorf("nil record: want ErrProtocol, got %v", err)
	}

	cs, _, _ := e.ClientAuthInit()
	defer cs.Close()
	if _, _, err := e.ClientAuthFinalize(stretched, cs, []byte("truncated")); err != ErrProtocol {
		t.Errorf("short serverMsg1: want ErrProtocol, got %v", err)
	}

	cs2, msg1, _ := e.ClientAuthInit()
	defer cs2.Close()
	ss, _, _ := e.ServerAuthRespond(record, msg1)
	if _, _, err := e.ServerAuthConfirm(ss, []byte("nope")); err != ErrProtocol {
		t.Errorf("short proof: want ErrProtocol, got %v", err)
	}
}
