package gateways

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/Opentrons/opentrons-python-packages/internal/domain/entities"
	"github.com/Opentrons/opentrons-python-packages/internal/domain/interfaces/gateways"
	"github.com/Opentrons/opentrons-python-packages/internal/external-adapters/gpg"
)

var _ gateways.SourceVerifier = (*sourceVerifier)(nil)

// signedArchive writes an archive plus an armored public key and serves a
// detached signature over it
func signedArchive(t *testing.T) (archivePath, keyPath string, srv *httptest.Server) {
	t.Helper()

	entity, err := openpgp.NewEntity("pybuilder test", "", "test@example.com",
		&packet.Config{Algorithm: packet.PubKeyAlgoEdDSA})
	if err != nil {
		t.Fatalf("NewEntity() error = %v", err)
	}

	dir := t.TempDir()
	content := []byte("pandas-1.5.0 sources")
	archivePath = filepath.Join(dir, "pandas-1.5.0.tar.gz")
	if err := os.WriteFile(archivePath, content, 0600); err != nil {
		t.Fatal(err)
	}

	var pub bytes.Buffer
	w, err := armor.Encode(&pub, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := entity.Serialize(w); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	keyPath = filepath.Join(dir, "KEYS")
	if err := os.WriteFile(keyPath, pub.Bytes(), 0600); err != nil {
		t.Fatal(err)
	}

	var sig bytes.Buffer
	if err := openpgp.ArmoredDetachSign(&sig, entity, bytes.NewReader(content), nil); err != nil {
		t.Fatalf("ArmoredDetachSign() error = %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/pandas-1.5.0.tar.gz.asc", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(sig.Bytes())
	})
	mux.HandleFunc("/KEYS", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(pub.Bytes())
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return archivePath, keyPath, srv
}

func TestSourceVerifier_NothingConfigured(t *testing.T) {
	v := NewSourceVerifier()
	if err := v.VerifySource(context.Background(), "/does/not/matter", entities.SourceVerification{}); err != nil {
		t.Errorf("VerifySource() error = %v", err)
	}
}

func TestSourceVerifier_Checksum(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "numpy-1.23.3.tar.gz")
	if err := os.WriteFile(archive, []byte("Hello, World!"), 0600); err != nil {
		t.Fatal(err)
	}
	v := NewSourceVerifier()

	good := entities.SourceVerification{SHA256: "dffd6021bb2bd5b0af676290809ec3a53191dd81c7f70a4b28688a362182986f"}
	if err := v.VerifySource(context.Background(), archive, good); err != nil {
		t.Errorf("VerifySource() error = %v", err)
	}

	bad := entities.SourceVerification{SHA256: strings.Repeat("a", 64)}
	err := v.VerifySource(context.Background(), archive, bad)
	if !errors.Is(err, entities.ErrVerificationFailed) {
		t.Errorf("VerifySource() error = %v, want ErrVerificationFailed", err)
	}
}

func TestSourceVerifier_Signature(t *testing.T) {
	archive, keyPath, srv := signedArchive(t)
	v := NewSourceVerifier(gpg.WithHTTPClient(srv.Client()))
	sigURL := srv.URL + "/pandas-1.5.0.tar.gz.asc"

	tests := []struct {
		name string
		sv   entities.SourceVerification
	}{
		{name: "key file", sv: entities.SourceVerification{SignatureURL: sigURL, GPGKeyFile: keyPath}},
		{name: "keys url", sv: entities.SourceVerification{SignatureURL: sigURL, GPGKeysURL: srv.URL + "/KEYS"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := v.VerifySource(context.Background(), archive, tt.sv); err != nil {
				t.Errorf("VerifySource() error = %v", err)
			}
		})
	}
}

func TestSourceVerifier_SignatureTampered(t *testing.T) {
	archive, keyPath, srv := signedArchive(t)
	if err := os.WriteFile(archive, []byte("pandas-1.5.0 sources, modified"), 0600); err != nil {
		t.Fatal(err)
	}

	v := NewSourceVerifier(gpg.WithHTTPClient(srv.Client()))
	err := v.VerifySource(context.Background(), archive, entities.SourceVerification{
		SignatureURL: srv.URL + "/pandas-1.5.0.tar.gz.asc",
		GPGKeyFile:   keyPath,
	})
	if !errors.Is(err, entities.ErrVerificationFailed) {
		t.Errorf("VerifySource() error = %v, want ErrVerificationFailed", err)
	}
}

func TestSourceVerifier_SignatureWithoutKeys(t *testing.T) {
	archive, _, srv := signedArchive(t)
	v := NewSourceVerifier(gpg.WithHTTPClient(srv.Client()))

	err := v.VerifySource(context.Background(), archive, entities.SourceVerification{
		SignatureURL: srv.URL + "/pandas-1.5.0.tar.gz.asc",
	})
	if !errors.Is(err, entities.ErrVerificationFailed) {
		t.Fatalf("VerifySource() error = %v, want ErrVerificationFailed", err)
	}
	if !strings.Contains(err.Error(), "gpg_key_ids") {
		t.Errorf("error should name the missing key settings: %v", err)
	}
}
