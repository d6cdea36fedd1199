package opaque

import (
	"bytes"
	"errors"
	"testing"

	"github.com/org/tagvault/internal/crypto"
)

func TestRecoverExportKeyOffline(t *testing.T) {
	salt, err := crypto.GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt: %v", err)
	}
	stretched, err := crypto.Stretch([]byte("offline test phrase"), salt)
	if err != nil {
		t.Fatalf("Stretch: %v", err)
	}
	defer stretched.Close()

	engine := NewEngine()
	reg, err := engine.ClientRegister(stretched)
	if err != nil {
		t.Fatalf("ClientRegister: %v", err)
	}
	defer reg.ExportKey.Close()

	got, err := engine.RecoverExportKey(stretched, reg.Envelope)
	if err != nil {
		t.Fatalf("RecoverExportKey: %v", err)
	}
	defer got.Close()
	if !bytes.Equal(got.Bytes(), reg.ExportKey.Bytes()) {
		t.Error("recovered export key differs from registration export key")
	}

	wrong, err := crypto.Stretch([]byte("a different phrase"), salt)
	if err != nil {
		t.Fatalf("Stretch: %v", err)
	}
	defer wrong.Close()
	if _, err := engine.RecoverExportKey(wrong, reg.Envelope); !errors.Is(err, ErrVerificationFailed) {
		t.Errorf("wrong phrase: got %v, want ErrVerificationFailed", err)
	}

	if _, err := engine.RecoverExportKey(stretched, reg.Envelope[:10]); !errors.Is(err, ErrProtocol) {
		t.Errorf("truncated envelope: got %v, want ErrProtocol", err)
	}
}
