package p2p

import (
	"log/slog"
	"math"
	"sync"

	"github.com/opendexnet/opendexd/observability/logging"
)

// ReputationEvent names a signed contribution to a node's long-term score.
type ReputationEvent string

const (
	ReputationManualBan       ReputationEvent = "ManualBan"
	ReputationManualUnban     ReputationEvent = "ManualUnban"
	ReputationSwapMisbehavior ReputationEvent = "SwapMisbehavior"
	ReputationSwapAbuse       ReputationEvent = "SwapAbuse"
	ReputationWireProtocolErr ReputationEvent = "WireProtocolErr"
	ReputationInvalidAuth     ReputationEvent = "InvalidAuth"
	ReputationSwapSuccess     ReputationEvent = "SwapSuccess"
)

// Manual ban and unban do not apply their table delta: a manual ban pins the
// score to math.MinInt32 and a manual unban resets it to zero.
var reputationDeltas = map[ReputationEvent]int64{
	ReputationManualBan:       math.MinInt32,
	ReputationManualUnban:     math.MaxInt32,
	ReputationSwapMisbehavior: -50,
	ReputationSwapAbuse:       -100,
	ReputationWireProtocolErr: -10,
	ReputationInvalidAuth:     -20,
	ReputationSwapSuccess:     1,
}

const defaultBanThreshold = -100

// NodeList is the in-memory catalog of known nodes, persisted write-through to
// a NodeStore. All methods are safe for concurrent use.
type NodeList struct {
	mu    sync.RWMutex
	store NodeStore

	nodes   map[string]*Node
	order   []string
	ids     map[string]uint64
	aliases map[string]string
	nextSeq uint64

	banThreshold int64
	strict       bool
	onBan        func(pubKey string)

	logger *slog.Logger
}

func NewNodeList(store NodeStore, strict bool, logger *slog.Logger) *NodeList {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeList{
		store:        store,
		nodes:        make(map[string]*Node),
		ids:          make(map[string]uint64),
		aliases:      make(map[string]string),
		nextSeq:      1,
		banThreshold: defaultBanThreshold,
		strict:       strict,
		logger:       logger.With(slog.String("component", "nodelist")),
	}
}

// OnBan registers the callback fired when a node crosses the ban threshold or
// is banned explicitly. Must be set before Load.
func (l *NodeList) OnBan(fn func(pubKey string)) {
	l.onBan = fn
}

// Load performs the one-shot bulk read at startup.
func (l *NodeList) Load() error {
	nodes, err := l.store.Load()
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, node := range nodes {
		l.insertLocked(node)
	}
	return nil
}

func (l *NodeList) insertLocked(node *Node) {
	if node.seq == 0 {
		node.seq = l.nextSeq
	}
	if node.seq >= l.nextSeq {
		l.nextSeq = node.seq + 1
	}
	l.nodes[node.PubKey] = node
	l.order = append(l.order, node.PubKey)
	l.ids[node.PubKey] = uint64(len(l.order))
	l.aliases[Alias(node.PubKey)] = node.PubKey
}

// Get returns a snapshot of the node record, if known.
func (l *NodeList) Get(pubKey string) (*Node, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	node, ok := l.nodes[pubKey]
	if !ok {
		return nil, false
	}
	return node.clone(), true
}

func (l *NodeList) Has(pubKey string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.nodes[pubKey]
	return ok
}

func (l *NodeList) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.nodes)
}

// GetID returns the catalog ordinal for a pubkey, starting at 1.
func (l *NodeList) GetID(pubKey string) (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.ids[pubKey]
	return id, ok
}

func (l *NodeList) GetAlias(pubKey string) string {
	return Alias(pubKey)
}

// GetPubKeyForAlias resolves an alias back to its pubkey.
func (l *NodeList) GetPubKeyForAlias(alias string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pubKey, ok := l.aliases[alias]
	return pubKey, ok
}

// CreateNode inserts a new record; it fails if the pubkey is already known.
func (l *NodeList) CreateNode(pubKey string, addresses []Address, lastAddress *Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.nodes[pubKey]; ok {
		return errWithDetail(ErrNodeAlreadyConnected, "node %s already exists", pubKey)
	}
	node := &Node{
		PubKey:      pubKey,
		Addresses:   dedupeAddresses(addresses),
		LastAddress: lastAddress,
	}
	l.insertLocked(node)
	l.persistLocked(node)
	return nil
}

// UpdateAddresses replaces the address set, preserving LastConnected stamps on
// matching entries.
func (l *NodeList) UpdateAddresses(pubKey string, addresses []Address, lastAddress *Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	node, ok := l.nodes[pubKey]
	if !ok {
		return errWithDetail(ErrNodeNotFound, "%s", pubKey)
	}
	node.Addresses = mergeLastConnected(dedupeAddresses(addresses), node.Addresses)
	if lastAddress != nil {
		addr := *lastAddress
		node.LastAddress = &addr
	}
	l.persistLocked(node)
	return nil
}

// RemoveAddress prunes an address that proved unreachable.
func (l *NodeList) RemoveAddress(pubKey string, addr Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	node, ok := l.nodes[pubKey]
	if !ok {
		return errWithDetail(ErrNodeNotFound, "%s", pubKey)
	}
	kept := node.Addresses[:0]
	for _, a := range node.Addresses {
		if !a.Equal(addr) {
			kept = append(kept, a)
		}
	}
	node.Addresses = kept
	if node.LastAddress != nil && node.LastAddress.Equal(addr) {
		node.LastAddress = nil
	}
	l.persistLocked(node)
	return nil
}

// AddReputationEvent applies the event's delta and reports whether the node
// crossed the ban threshold as a result.
func (l *NodeList) AddReputationEvent(pubKey string, event ReputationEvent) (banned bool, err error) {
	delta, known := reputationDeltas[event]
	if !known {
		return false, errWithDetail(ErrNodeNotFound, "unknown reputation event %q", event)
	}

	l.mu.Lock()
	node, ok := l.nodes[pubKey]
	if !ok {
		l.mu.Unlock()
		return false, errWithDetail(ErrNodeNotFound, "%s", pubKey)
	}
	switch event {
	case ReputationManualBan:
		node.ReputationScore = math.MinInt32
	case ReputationManualUnban:
		node.ReputationScore = 0
	default:
		node.ReputationScore += delta
	}
	shouldBan := l.strict && !node.Banned && node.ReputationScore < l.banThreshold
	if shouldBan || event == ReputationManualBan {
		node.Banned = true
		banned = true
	}
	l.persistLocked(node)
	onBan := l.onBan
	l.mu.Unlock()

	if banned && onBan != nil {
		onBan(pubKey)
	}
	return banned, nil
}

// Ban marks the node banned; it fails if the node is banned already.
func (l *NodeList) Ban(pubKey string) error {
	l.mu.Lock()
	node, ok := l.nodes[pubKey]
	if !ok {
		l.mu.Unlock()
		return errWithDetail(ErrNodeNotFound, "%s", pubKey)
	}
	if node.Banned {
		l.mu.Unlock()
		return errWithDetail(ErrNodeAlreadyBanned, "%s", pubKey)
	}
	node.Banned = true
	l.persistLocked(node)
	onBan := l.onBan
	l.mu.Unlock()

	if onBan != nil {
		onBan(pubKey)
	}
	return nil
}

// UnBan clears the ban state; it fails if the node is not banned.
func (l *NodeList) UnBan(pubKey string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	node, ok := l.nodes[pubKey]
	if !ok {
		return errWithDetail(ErrNodeNotFound, "%s", pubKey)
	}
	if !node.Banned {
		return errWithDetail(ErrNodeNotBanned, "%s", pubKey)
	}
	node.Banned = false
	// Only the manual-ban sentinel is cleared; a score earned through real
	// reputation events survives the unban untouched.
	if node.ReputationScore == math.MinInt32 {
		node.ReputationScore = 0
	}
	l.persistLocked(node)
	return nil
}

func (l *NodeList) IsBanned(pubKey string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	node, ok := l.nodes[pubKey]
	return ok && node.Banned
}

// ForEach visits node snapshots in insertion order.
func (l *NodeList) ForEach(visit func(node *Node)) {
	l.mu.RLock()
	snapshots := make([]*Node, 0, len(l.order))
	for _, pubKey := range l.order {
		if node, ok := l.nodes[pubKey]; ok {
			snapshots = append(snapshots, node.clone())
		}
	}
	l.mu.RUnlock()
	for _, node := range snapshots {
		visit(node)
	}
}

func (l *NodeList) persistLocked(node *Node) {
	if l.store == nil {
		return
	}
	if err := l.store.Upsert(node.clone()); err != nil {
		l.logger.Warn("Failed to persist node record",
			logging.MaskField("node_pub_key", node.PubKey),
			slog.Any("error", err))
	}
}
