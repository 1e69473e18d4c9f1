package crypto

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateNodeKeyPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node_key.json")

	created, err := LoadOrCreateNodeKey(path)
	if err != nil {
		t.Fatalf("create node key: %v", err)
	}
	loaded, err := LoadOrCreateNodeKey(path)
	if err != nil {
		t.Fatalf("load node key: %v", err)
	}
	if created.PubKeyHex() != loaded.PubKeyHex() {
		t.Fatalf("reloaded key differs: %s != %s", created.PubKeyHex(), loaded.PubKeyHex())
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat key file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("key file permissions too open: %o", perm)
	}
}

func TestLoadLegacyHexNodeKey(t *testing.T) {
	key, err := GenerateNodeKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "node_key")
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key.Bytes())+"\n"), 0o600); err != nil {
		t.Fatalf("write legacy key: %v", err)
	}

	loaded, err := LoadOrCreateNodeKey(path)
	if err != nil {
		t.Fatalf("load legacy key: %v", err)
	}
	if loaded.PubKeyHex() != key.PubKeyHex() {
		t.Fatal("legacy key did not round-trip")
	}
}

func TestCompressedPubKeyLength(t *testing.T) {
	key, err := GenerateNodeKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(key.PubKey()) != 33 {
		t.Fatalf("expected 33-byte compressed pubkey, got %d", len(key.PubKey()))
	}
}
