package p2p

import (
	"strings"
	"testing"

	"github.com/opendexnet/opendexd/crypto"
)

func TestAliasDeterministic(t *testing.T) {
	key, err := crypto.GenerateNodeKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	first := Alias(key.PubKeyHex())
	second := Alias(key.PubKeyHex())
	if first == "" {
		t.Fatal("alias should not be empty for a valid pubkey")
	}
	if first != second {
		t.Fatalf("alias not deterministic: %s != %s", first, second)
	}
	if !strings.HasPrefix(first, aliasPrefix+"1") {
		t.Fatalf("alias %s missing bech32 prefix", first)
	}
}

func TestAliasDistinctKeys(t *testing.T) {
	a, _ := crypto.GenerateNodeKey()
	b, _ := crypto.GenerateNodeKey()
	if Alias(a.PubKeyHex()) == Alias(b.PubKeyHex()) {
		t.Fatal("distinct keys produced the same alias")
	}
}

func TestAliasInvalidInput(t *testing.T) {
	if Alias("not-hex") != "" {
		t.Fatal("expected empty alias for invalid hex")
	}
	if Alias("") != "" {
		t.Fatal("expected empty alias for empty input")
	}
}
