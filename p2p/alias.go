package p2p

import (
	"encoding/hex"

	"github.com/btcsuite/btcutil/bech32"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const aliasPrefix = "odx"

// Alias derives the deterministic human-readable handle for a pubkey: a
// bech32 encoding (prefix "odx") of the first ten bytes of keccak256 over the
// raw key. Unparseable input yields an empty alias.
func Alias(pubKeyHex string) string {
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil || len(raw) == 0 {
		return ""
	}
	sum := ethcrypto.Keccak256(raw)
	conv, err := bech32.ConvertBits(sum[:10], 8, 5, true)
	if err != nil {
		return ""
	}
	encoded, err := bech32.Encode(aliasPrefix, conv)
	if err != nil {
		return ""
	}
	return encoded
}
