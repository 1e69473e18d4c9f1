package logging

import (
	"strings"
	"testing"
)

func TestSensitiveKeyClassification(t *testing.T) {
	tests := []struct {
		key       string
		sensitive bool
	}{
		{"node_pub_key", true},
		{"peer_address", true},
		{"listen_address", true},
		{"Advertised_Address", true},
		{"alias", false},
		{"version", false},
		{"component", false},
		{"error", false},
	}
	for _, tt := range tests {
		if got := Sensitive(tt.key); got != tt.sensitive {
			t.Fatalf("Sensitive(%q) = %v, want %v", tt.key, got, tt.sensitive)
		}
	}
}

func TestMaskFieldTruncatesIdentifiers(t *testing.T) {
	pubKey := "02a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90"
	attr := MaskField("node_pub_key", pubKey)
	masked := attr.Value.String()
	if masked == pubKey {
		t.Fatal("identifier was not masked")
	}
	if !strings.HasPrefix(masked, pubKey[:maskKeepPrefix]) {
		t.Fatalf("masked value %q lost its correlation prefix", masked)
	}
	if len(masked) >= len(pubKey) {
		t.Fatalf("masked value %q is not shorter than the input", masked)
	}
}

func TestMaskFieldReplacesShortValues(t *testing.T) {
	attr := MaskField("peer_address", "10.0.0.1")
	if attr.Value.String() != maskPlaceholder {
		t.Fatalf("short value should be replaced outright, got %q", attr.Value.String())
	}
}

func TestMaskFieldPassesInsensitiveKeys(t *testing.T) {
	attr := MaskField("alias", "odx1example")
	if attr.Value.String() != "odx1example" {
		t.Fatalf("insensitive key was masked: %q", attr.Value.String())
	}
}

func TestMaskFieldKeepsEmptyValues(t *testing.T) {
	attr := MaskField("peer_address", "")
	if attr.Value.String() != "" {
		t.Fatalf("empty value should pass through, got %q", attr.Value.String())
	}
}
