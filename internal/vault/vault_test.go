package vault

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealOpen(t *testing.T) {
	v := New("test-passphrase")
	plaintext := []byte("backup archive bytes")

	sealed, err := v.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !IsSealed(sealed) {
		t.Fatal("expected sealed header")
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed data contains the plaintext")
	}

	got, err := New("test-passphrase").Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("expected %q, got %q", plaintext, got)
	}
}

func TestSealUsesFreshSalt(t *testing.T) {
	v := New("p")
	a, _ := v.Seal([]byte("same"))
	b, _ := v.Seal([]byte("same"))
	if bytes.Equal(a, b) {
		t.Error("expected different ciphertexts for the same input")
	}
}

func TestOpenWrongPassphrase(t *testing.T) {
	sealed, err := New("right").Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := New("wrong").Open(sealed); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("expected ErrWrongPassphrase, got %v", err)
	}
}

func TestOpenTampered(t *testing.T) {
	v := New("p")
	sealed, _ := v.Seal([]byte("secret"))
	sealed[len(sealed)-1] ^= 0xff
	if _, err := v.Open(sealed); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("expected ErrWrongPassphrase, got %v", err)
	}
	if _, err := v.Open(sealed[:len(magic)+4]); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("expected ErrWrongPassphrase for truncated data, got %v", err)
	}
}

func TestOpenPlainData(t *testing.T) {
	if _, err := New("p").Open([]byte("plain tar")); !errors.Is(err, ErrNotSealed) {
		t.Errorf("expected ErrNotSealed, got %v", err)
	}
}
