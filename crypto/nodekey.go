package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// NodeKey is the persistent secp256k1 identity of the local node. The
// compressed public key is the node's network-wide identifier.
type NodeKey struct {
	priv *ecdsa.PrivateKey
}

type nodeKeyDisk struct {
	PrivateKey string `json:"privateKey"`
}

// GenerateNodeKey creates a fresh identity key.
func GenerateNodeKey() (*NodeKey, error) {
	key, err := ecdsa.GenerateKey(ethcrypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &NodeKey{priv: key}, nil
}

// NodeKeyFromBytes restores a key from its raw scalar bytes.
func NodeKeyFromBytes(b []byte) (*NodeKey, error) {
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &NodeKey{priv: key}, nil
}

// LoadOrCreateNodeKey reads the identity key from disk, generating and
// persisting one if the file does not exist.
func LoadOrCreateNodeKey(path string) (*NodeKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("node key path must be provided")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create node key directory: %w", err)
	}

	if data, err := os.ReadFile(path); err == nil {
		return decodeNodeKey(data)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read node key file: %w", err)
	}

	key, err := GenerateNodeKey()
	if err != nil {
		return nil, fmt.Errorf("generate node key: %w", err)
	}
	encoded := nodeKeyDisk{PrivateKey: hex.EncodeToString(key.Bytes())}
	payload, err := json.MarshalIndent(&encoded, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode node key: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return nil, fmt.Errorf("persist node key: %w", err)
	}
	return key, nil
}

func decodeNodeKey(data []byte) (*NodeKey, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("node key file empty")
	}
	// Accept the legacy raw-hex layout alongside the JSON layout.
	if trimmed[0] != '{' {
		raw, err := hex.DecodeString(trimmed)
		if err != nil {
			return nil, fmt.Errorf("decode legacy node key: %w", err)
		}
		return NodeKeyFromBytes(raw)
	}
	var stored nodeKeyDisk
	if err := json.Unmarshal([]byte(trimmed), &stored); err != nil {
		return nil, fmt.Errorf("decode node key JSON: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(stored.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("decode node key material: %w", err)
	}
	return NodeKeyFromBytes(raw)
}

// Bytes returns the raw private scalar.
func (k *NodeKey) Bytes() []byte {
	return ethcrypto.FromECDSA(k.priv)
}

// PubKey returns the 33-byte compressed public key.
func (k *NodeKey) PubKey() []byte {
	return ethcrypto.CompressPubkey(&k.priv.PublicKey)
}

// PubKeyHex returns the compressed public key in lowercase hex.
func (k *NodeKey) PubKeyHex() string {
	return hex.EncodeToString(k.PubKey())
}

// Sign produces a recoverable signature over keccak256(message).
func (k *NodeKey) Sign(message []byte) ([]byte, error) {
	digest := ethcrypto.Keccak256(message)
	return ethcrypto.Sign(digest, k.priv)
}

// VerifySignature checks that sig was produced over message by the holder of
// the given compressed public key.
func VerifySignature(pubKey, message, sig []byte) bool {
	if len(sig) != 65 {
		return false
	}
	digest := ethcrypto.Keccak256(message)
	recovered, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return false
	}
	compressed := ethcrypto.CompressPubkey(recovered)
	if len(compressed) != len(pubKey) {
		return false
	}
	for i := range compressed {
		if compressed[i] != pubKey[i] {
			return false
		}
	}
	return true
}
