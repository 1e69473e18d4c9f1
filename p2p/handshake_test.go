package p2p

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opendexnet/opendexd/crypto"
)

func mustNodeKey(t *testing.T) *crypto.NodeKey {
	t.Helper()
	key, err := crypto.GenerateNodeKey()
	if err != nil {
		t.Fatalf("generate node key: %v", err)
	}
	return key
}

func helloFor(t *testing.T, key *crypto.NodeKey, version string) HelloBody {
	t.Helper()
	pkt, err := buildHello(key, version, NodeState{Pairs: []string{"LTC/BTC"}})
	require.NoError(t, err)
	var body HelloBody
	require.NoError(t, pkt.DecodeBody(&body))
	return body
}

func TestVerifyHelloAccepts(t *testing.T) {
	key := mustNodeKey(t)
	body := helloFor(t, key, "1.2.3")
	require.Nil(t, verifyHello(&body, ""))
	require.Nil(t, verifyHello(&body, "1.0.0"))
	require.Nil(t, verifyHello(&body, "1.2.3"))
}

func TestVerifyHelloRejectsIncompatibleVersion(t *testing.T) {
	key := mustNodeKey(t)
	body := helloFor(t, key, "0.1.0")
	fail := verifyHello(&body, "2.0.0")
	require.NotNil(t, fail)
	require.ErrorIs(t, fail.err, ErrIncompatibleVersion)
	require.Equal(t, ReasonIncompatibleProtocolVersion, fail.reason)
}

func TestVerifyHelloRejectsMalformedVersion(t *testing.T) {
	key := mustNodeKey(t)
	for _, version := range []string{"", "banana", "1.2", "v1.2.3.4"} {
		body := helloFor(t, key, version)
		fail := verifyHello(&body, "")
		require.NotNil(t, fail, "version %q", version)
		require.ErrorIs(t, fail.err, ErrMalformedVersion)
		require.Equal(t, ReasonMalformedVersion, fail.reason)
	}
}

func TestVerifyHelloRejectsForgedSignature(t *testing.T) {
	key := mustNodeKey(t)
	impostor := mustNodeKey(t)

	body := helloFor(t, key, "1.0.0")
	// Claim a different identity than the one that signed the nonce.
	body.NodePubKey = impostor.PubKeyHex()

	fail := verifyHello(&body, "")
	require.NotNil(t, fail)
	require.Equal(t, ReputationInvalidAuth, fail.event)
	require.Equal(t, ReasonWireProtocolErr, fail.reason)
}

func TestVerifyHelloRejectsBadNonce(t *testing.T) {
	key := mustNodeKey(t)
	body := helloFor(t, key, "1.0.0")
	body.Nonce = hex.EncodeToString([]byte("short"))
	fail := verifyHello(&body, "")
	require.NotNil(t, fail)
	require.Equal(t, ReasonWireProtocolErr, fail.reason)
}

func TestNodeKeySignVerify(t *testing.T) {
	key := mustNodeKey(t)
	message := []byte("session-nonce-material-1234567890")
	sig, err := key.Sign(message)
	require.NoError(t, err)
	require.True(t, crypto.VerifySignature(key.PubKey(), message, sig))
	require.False(t, crypto.VerifySignature(key.PubKey(), []byte("other"), sig))
	other := mustNodeKey(t)
	require.False(t, crypto.VerifySignature(other.PubKey(), message, sig))
}
