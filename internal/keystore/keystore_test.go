package keystore

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func init() { scryptN = 1 << 10 }

func TestStore_SaveLoadEncrypted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.key")
	s := New(path, "correct horse")
	key, _ := crypto.GenerateKey()
	if err := s.Save(context.Background(), key); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if crypto.PubkeyToAddress(got.PublicKey) != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("key mismatch")
	}
	raw, _ := os.ReadFile(path)
	if len(raw) == 0 || bytes.Contains(raw, []byte(hex.EncodeToString(crypto.FromECDSA(key)))) {
		t.Fatalf("private key stored in clear")
	}
}

func TestStore_WrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.key")
	key, _ := crypto.GenerateKey()
	if err := New(path, "one").Save(context.Background(), key); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := New(path, "two").Load(context.Background()); !errors.Is(err, ErrBadPassphrase) {
		t.Fatalf("err=%v", err)
	}
	if _, err := New(path, "").Load(context.Background()); !errors.Is(err, ErrNeedPassword) {
		t.Fatalf("err=%v", err)
	}
}

func TestStore_FallbackOnCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "service.key")
	s := New(path, "")
	k1, _ := crypto.GenerateKey()
	k2, _ := crypto.GenerateKey()
	if err := s.Save(context.Background(), k1); err != nil {
		t.Fatalf("save1: %v", err)
	}
	if err := s.Save(context.Background(), k2); err != nil {
		t.Fatalf("save2: %v", err)
	}
	if err := os.Truncate(path, 8); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if crypto.PubkeyToAddress(got.PublicKey) != crypto.PubkeyToAddress(k1.PublicKey) {
		t.Fatalf("expected the previous key from .bak")
	}
}

func TestStore_NotFound(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing.key"), "")
	if _, err := s.Load(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
}
