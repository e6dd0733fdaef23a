package security

import (
	"bytes"
	"errors"
	"testing"
)

func newFastSealer(t *testing.T, secret string) *KeySealer {
	t.Helper()
	s, err := NewKeySealer(secret)
	if err != nil {
		t.Fatal(err)
	}
	s.n = 1 << 10
	return s
}

func TestKeySealer_RoundTrip(t *testing.T) {
	t.Parallel()

	s := newFastSealer(t, "correct horse")
	plain := []byte("session-blob-bytes")

	sealed, err := s.Seal(plain)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !IsSealed(sealed) || bytes.Contains(sealed, plain) {
		t.Fatal("sealed blob must carry the header and hide the plaintext")
	}
	again, _ := s.Seal(plain)
	if bytes.Equal(sealed, again) {
		t.Error("two seals of one blob should differ (random salt and nonce)")
	}

	got, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("Open = %q, want %q", got, plain)
	}
}

func TestKeySealer_WrongKeyAndTamper(t *testing.T) {
	t.Parallel()

	a := newFastSealer(t, "key-a")
	b := newFastSealer(t, "key-b")
	sealed, _ := a.Seal([]byte("blob"))

	if _, err := b.Open(sealed); !errors.Is(err, ErrOpenFailed) {
		t.Errorf("wrong key err = %v, want ErrOpenFailed", err)
	}

	tampered := bytes.Clone(sealed)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := a.Open(tampered); !errors.Is(err, ErrOpenFailed) {
		t.Errorf("tampered err = %v, want ErrOpenFailed", err)
	}
	if _, err := a.Open(sealed[:10]); !errors.Is(err, ErrOpenFailed) {
		t.Errorf("truncated err = %v, want ErrOpenFailed", err)
	}
	if _, err := a.Open([]byte("plain")); !errors.Is(err, ErrOpenFailed) {
		t.Errorf("unsealed err = %v, want ErrOpenFailed", err)
	}
}

func TestPlainSealer(t *testing.T) {
	t.Parallel()

	var s PlainSealer
	out, err := s.Seal([]byte("blob"))
	if err != nil || string(out) != "blob" || s.Encrypted() {
		t.Fatalf("Seal = %q, %v", out, err)
	}
	got, err := s.Open(out)
	if err != nil || string(got) != "blob" {
		t.Fatalf("Open = %q, %v", got, err)
	}

	sealed, _ := newFastSealer(t, "k").Seal([]byte("blob"))
	if _, err := s.Open(sealed); !errors.Is(err, ErrSealedBlob) {
		t.Errorf("err = %v, want ErrSealedBlob", err)
	}
}

func TestNewSealer(t *testing.T) {
	t.Parallel()

	s, err := NewSealer("")
	if err != nil || s.Encrypted() {
		t.Fatalf("empty secret should fall back to plaintext: %v", err)
	}
	s, err = NewSealer("k")
	if err != nil || !s.Encrypted() {
		t.Fatalf("secret should select encryption: %v", err)
	}
	if _, err := NewKeySealer(""); err == nil {
		t.Error("NewKeySealer accepted an empty key")
	}
}
