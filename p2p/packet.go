package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// PacketType identifies a wire packet. Values are wire-stable.
type PacketType uint8

const (
	PacketHello PacketType = iota + 1
	PacketSessionAck
	PacketPing
	PacketPong
	PacketDisconnecting
	PacketOrder
	PacketOrderInvalidation
	PacketGetOrders
	PacketOrders
	PacketGetNodes
	PacketNodes
	PacketNodeStateUpdate
	PacketSanitySwapInit
	PacketSwapRequest
	PacketSwapAccepted
	PacketSwapFailed
)

var packetTypeNames = map[PacketType]string{
	PacketHello:             "Hello",
	PacketSessionAck:        "SessionAck",
	PacketPing:              "Ping",
	PacketPong:              "Pong",
	PacketDisconnecting:     "Disconnecting",
	PacketOrder:             "Order",
	PacketOrderInvalidation: "OrderInvalidation",
	PacketGetOrders:         "GetOrders",
	PacketOrders:            "Orders",
	PacketGetNodes:          "GetNodes",
	PacketNodes:             "Nodes",
	PacketNodeStateUpdate:   "NodeStateUpdate",
	PacketSanitySwapInit:    "SanitySwapInit",
	PacketSwapRequest:       "SwapRequest",
	PacketSwapAccepted:      "SwapAccepted",
	PacketSwapFailed:        "SwapFailed",
}

func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("PacketType(%d)", uint8(t))
}

func (t PacketType) valid() bool {
	_, ok := packetTypeNames[t]
	return ok
}

// isRequest reports whether packets of this type expect a correlated response
// carrying their id as reqId.
func (t PacketType) isRequest() bool {
	switch t {
	case PacketPing, PacketGetNodes, PacketGetOrders:
		return true
	}
	return false
}

// Packet is the unit framed onto the wire: a type tag, a random id, an
// optional request correlation id, and an opaque JSON body.
type Packet struct {
	Type  PacketType
	ID    uuid.UUID
	ReqID *uuid.UUID
	Body  []byte
}

func newPacket(t PacketType, body any) (*Packet, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &Packet{Type: t, ID: uuid.New(), Body: raw}, nil
}

func newResponse(t PacketType, reqID uuid.UUID, body any) (*Packet, error) {
	p, err := newPacket(t, body)
	if err != nil {
		return nil, err
	}
	p.ReqID = &reqID
	return p, nil
}

// DecodeBody unmarshals the packet body into v.
func (p *Packet) DecodeBody(v any) error {
	if err := json.Unmarshal(p.Body, v); err != nil {
		return fmt.Errorf("%w: %s body: %v", ErrMalformedPacket, p.Type, err)
	}
	return nil
}

// DisconnectionReason is sent in a Disconnecting packet immediately before
// socket close. Values are wire-stable.
type DisconnectionReason uint8

const (
	ReasonShutdown DisconnectionReason = iota + 1
	ReasonIncompatibleProtocolVersion
	ReasonMalformedVersion
	ReasonBanned
	ReasonAlreadyConnected
	ReasonConnectedToSelf
	ReasonNotAcceptingConnections
	ReasonResponseStalling
	ReasonWireProtocolErr
)

var reasonNames = map[DisconnectionReason]string{
	ReasonShutdown:                    "Shutdown",
	ReasonIncompatibleProtocolVersion: "IncompatibleProtocolVersion",
	ReasonMalformedVersion:            "MalformedVersion",
	ReasonBanned:                      "Banned",
	ReasonAlreadyConnected:            "AlreadyConnected",
	ReasonConnectedToSelf:             "ConnectedToSelf",
	ReasonNotAcceptingConnections:     "NotAcceptingConnections",
	ReasonResponseStalling:            "ResponseStalling",
	ReasonWireProtocolErr:             "WireProtocolErr",
}

func (r DisconnectionReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("DisconnectionReason(%d)", uint8(r))
}

// NodeState is a peer's self-declared capability set, exchanged in the Hello
// packet and updated in-session by NodeStateUpdate packets.
type NodeState struct {
	Addresses        []Address           `json:"addresses,omitempty"`
	Pairs            []string            `json:"pairs,omitempty"`
	AuxIdentifiers   map[string]string   `json:"auxIdentifiers,omitempty"`
	AuxPubKeys       map[string]string   `json:"auxPubKeys,omitempty"`
	AuxUris          map[string][]string `json:"auxUris,omitempty"`
	TokenIdentifiers map[string]string   `json:"tokenIdentifiers,omitempty"`
}

func (ns NodeState) clone() NodeState {
	out := NodeState{
		Addresses: append([]Address(nil), ns.Addresses...),
		Pairs:     append([]string(nil), ns.Pairs...),
	}
	out.AuxIdentifiers = cloneStringMap(ns.AuxIdentifiers)
	out.AuxPubKeys = cloneStringMap(ns.AuxPubKeys)
	out.TokenIdentifiers = cloneStringMap(ns.TokenIdentifiers)
	if ns.AuxUris != nil {
		out.AuxUris = make(map[string][]string, len(ns.AuxUris))
		for k, v := range ns.AuxUris {
			out.AuxUris[k] = append([]string(nil), v...)
		}
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// HelloBody opens the two-phase handshake. Its layout is the one frame that
// must stay bit-exact across versions.
type HelloBody struct {
	Version    string    `json:"version"`
	NodePubKey string    `json:"nodePubKey"`
	Nonce      string    `json:"nonce"`
	Signature  string    `json:"signature"`
	NodeState  NodeState `json:"nodeState"`
}

// SessionAckBody confirms receipt of the remote Hello.
type SessionAckBody struct {
	NodePubKey string `json:"nodePubKey"`
}

// DisconnectingBody carries the reason a peer is closing the session.
type DisconnectingBody struct {
	Reason  DisconnectionReason `json:"reason"`
	Payload string              `json:"payload,omitempty"`
}

// PingBody and PongBody are empty keepalive payloads; correlation runs through
// the packet header.
type PingBody struct{}

type PongBody struct{}

// NodeConnectInfo is one entry of a Nodes gossip reply.
type NodeConnectInfo struct {
	NodePubKey string    `json:"nodePubKey"`
	Addresses  []Address `json:"addresses"`
}

// GetNodesBody requests the peer's view of connected nodes.
type GetNodesBody struct{}

// NodesBody answers a GetNodes request.
type NodesBody struct {
	Nodes []NodeConnectInfo `json:"nodes"`
}

// Order is an outgoing or propagated order advertisement. The pool routes it
// by pair but does not interpret the economics.
type Order struct {
	ID       string  `json:"id"`
	PairID   string  `json:"pairId"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	IsBuy    bool    `json:"isBuy"`
}

// OrderInvalidation withdraws all or part of a previously advertised order.
type OrderInvalidation struct {
	OrderID  string  `json:"orderId"`
	PairID   string  `json:"pairId"`
	Quantity float64 `json:"quantity"`
}

// GetOrdersBody requests the peer's standing orders.
type GetOrdersBody struct{}

// OrdersBody answers a GetOrders request.
type OrdersBody struct {
	Orders []Order `json:"orders"`
}

// SanitySwapInit starts a throwaway swap that proves a currency pairing works
// end to end. The pool routes it without interpreting it.
type SanitySwapInit struct {
	Currency string `json:"currency"`
	RHash    string `json:"rHash"`
}

// SwapRequest proposes a swap for a taken order.
type SwapRequest struct {
	OrderID          string  `json:"orderId"`
	PairID           string  `json:"pairId"`
	ProposedQuantity float64 `json:"proposedQuantity"`
	RHash            string  `json:"rHash"`
	TakerCltvDelta   uint32  `json:"takerCltvDelta"`
}

// SwapAccepted confirms a SwapRequest.
type SwapAccepted struct {
	OrderID        string  `json:"orderId"`
	RHash          string  `json:"rHash"`
	Quantity       float64 `json:"quantity"`
	MakerCltvDelta uint32  `json:"makerCltvDelta"`
}

// SwapFailed aborts a swap in progress.
type SwapFailed struct {
	RHash         string `json:"rHash"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
	FailureReason uint8  `json:"failureReason"`
}

func newPingPacket() *Packet {
	p, _ := newPacket(PacketPing, PingBody{})
	return p
}

func newPongPacket(reqID uuid.UUID) *Packet {
	p, _ := newResponse(PacketPong, reqID, PongBody{})
	return p
}

func newDisconnectingPacket(reason DisconnectionReason, payload string) *Packet {
	p, _ := newPacket(PacketDisconnecting, DisconnectingBody{Reason: reason, Payload: payload})
	return p
}
