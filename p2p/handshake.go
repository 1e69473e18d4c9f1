package p2p

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/opendexnet/opendexd/crypto"
)

const sessionNonceSize = 32

// buildHello assembles the opening handshake packet. The session nonce is
// fresh per connection and signed by our node key so the remote side can
// verify we hold the claimed identity.
func buildHello(key *crypto.NodeKey, version string, state NodeState) (*Packet, error) {
	nonce := make([]byte, sessionNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate session nonce: %w", err)
	}
	sig, err := key.Sign(nonce)
	if err != nil {
		return nil, fmt.Errorf("sign session nonce: %w", err)
	}
	body := HelloBody{
		Version:    version,
		NodePubKey: key.PubKeyHex(),
		Nonce:      hex.EncodeToString(nonce),
		Signature:  hex.EncodeToString(sig),
		NodeState:  state,
	}
	return newPacket(PacketHello, body)
}

// handshakeFailure pairs the caller-facing error with the wire reason and the
// reputation event to record against the remote node, if any.
type handshakeFailure struct {
	err    error
	reason DisconnectionReason
	event  ReputationEvent
}

// verifyHello validates a remote Hello: the signature over its claimed nonce,
// the version shape, and the compatibility floor. A nil return means the Hello
// is acceptable.
func verifyHello(body *HelloBody, minCompatibleVersion string) *handshakeFailure {
	pubKey, err := hex.DecodeString(body.NodePubKey)
	if err != nil || len(pubKey) == 0 {
		return &handshakeFailure{
			err:    errWithDetail(ErrNotConnected, "invalid pubkey in hello"),
			reason: ReasonWireProtocolErr,
			event:  ReputationWireProtocolErr,
		}
	}
	nonce, err := hex.DecodeString(body.Nonce)
	if err != nil || len(nonce) != sessionNonceSize {
		return &handshakeFailure{
			err:    errWithDetail(ErrNotConnected, "invalid session nonce"),
			reason: ReasonWireProtocolErr,
			event:  ReputationWireProtocolErr,
		}
	}
	sig, err := hex.DecodeString(body.Signature)
	if err != nil {
		return &handshakeFailure{
			err:    errWithDetail(ErrNotConnected, "invalid signature encoding"),
			reason: ReasonWireProtocolErr,
			event:  ReputationWireProtocolErr,
		}
	}
	if !crypto.VerifySignature(pubKey, nonce, sig) {
		return &handshakeFailure{
			err:    errWithDetail(ErrNotConnected, "session nonce signature does not match %s", body.NodePubKey),
			reason: ReasonWireProtocolErr,
			event:  ReputationInvalidAuth,
		}
	}

	remoteVersion, err := semver.StrictNewVersion(body.Version)
	if err != nil {
		return &handshakeFailure{
			err:    errWithDetail(ErrMalformedVersion, "%q", body.Version),
			reason: ReasonMalformedVersion,
		}
	}
	if minCompatibleVersion != "" {
		floor, err := semver.StrictNewVersion(minCompatibleVersion)
		if err == nil && remoteVersion.LessThan(floor) {
			return &handshakeFailure{
				err:    errWithDetail(ErrIncompatibleVersion, "%s < %s", body.Version, minCompatibleVersion),
				reason: ReasonIncompatibleProtocolVersion,
			}
		}
	}
	return nil
}
