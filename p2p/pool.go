package p2p

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opendexnet/opendexd/crypto"
	"github.com/opendexnet/opendexd/observability/logging"
)

const (
	maxPendingInbound  = 64
	externalIPProbeURL = "http://checkip.amazonaws.com"
	externalIPTimeout  = 10 * time.Second
)

// Config holds the recognized pool options.
type Config struct {
	Listen               bool
	Port                 uint16
	Addresses            []string
	DetectExternalIP     bool
	Tor                  bool
	TorPort              uint16
	Discover             bool
	DiscoverMinutes      uint32
	MinCompatibleVersion string
	StrictReputation     bool
}

// PeerInfo is the operator-facing snapshot of a connected peer.
type PeerInfo struct {
	NodePubKey string   `json:"nodePubKey"`
	Alias      string   `json:"alias"`
	Address    string   `json:"address"`
	Direction  string   `json:"direction"`
	Version    string   `json:"version"`
	Pairs      []string `json:"pairs"`
}

// Pool multiplexes every peer session of the daemon. It owns the listener,
// all Peer objects, and the NodeList, and is the only component higher-level
// subsystems talk to about remote nodes.
type Pool struct {
	cfg     Config
	version string
	nodeKey *crypto.NodeKey
	pubKey  string

	nodes   *NodeList
	bus     *Bus
	logger  *slog.Logger
	metrics *poolMetrics

	mu              sync.Mutex
	ourState        NodeState
	peers           map[string]*Peer
	pendingOutbound map[string]*Peer
	pendingInbound  map[*Peer]struct{}
	bannedHosts     map[string]struct{}
	listener        net.Listener
	listenPort      uint16
	connected       bool
	disconnecting   bool

	ctx        context.Context
	cancel     context.CancelFunc
	timeouts   peerTimeouts
	wg         sync.WaitGroup
	bulkDone   chan struct{}
	externalIP func(ctx context.Context) (string, error)
}

// NewPool assembles a pool around an identity key and a node store. Call Init
// to go live.
func NewPool(cfg Config, version string, nodeKey *crypto.NodeKey, store NodeStore, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		cfg:             cfg,
		version:         version,
		nodeKey:         nodeKey,
		pubKey:          nodeKey.PubKeyHex(),
		bus:             NewBus(),
		logger:          logger.With(slog.String("component", "pool")),
		metrics:         newPoolMetrics(),
		peers:           make(map[string]*Peer),
		pendingOutbound: make(map[string]*Peer),
		pendingInbound:  make(map[*Peer]struct{}),
		bannedHosts:     make(map[string]struct{}),
		listenPort:      cfg.Port,
		bulkDone:        make(chan struct{}),
		timeouts:        defaultPeerTimeouts(),
		externalIP:      resolveExternalIP,
	}
	p.nodes = NewNodeList(store, cfg.StrictReputation, logger)
	p.nodes.OnBan(p.handleNodeBan)
	return p
}

// Subscribe attaches an external event listener.
func (p *Pool) Subscribe(buffer int) (<-chan Event, func()) {
	return p.bus.Subscribe(buffer)
}

// PubKey returns the local node identifier.
func (p *Pool) PubKey() string {
	return p.pubKey
}

// Alias returns the local node's alias.
func (p *Pool) Alias() string {
	return Alias(p.pubKey)
}

// ListenPort reports the resolved listening port once Init has bound the
// socket.
func (p *Pool) ListenPort() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listenPort
}

// Init binds the listener, loads the node catalog, and kicks off background
// reconnection and reachability probing. It returns once listening succeeds;
// bulk reconnection continues in the background.
func (p *Pool) Init(ctx context.Context) error {
	p.mu.Lock()
	if p.connected {
		p.mu.Unlock()
		return nil
	}
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	p.bulkDone = make(chan struct{})
	p.mu.Unlock()

	if p.cfg.Listen {
		listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(int(p.cfg.Port))))
		if err != nil {
			return fmt.Errorf("bind p2p listener: %w", err)
		}
		port := uint16(listener.Addr().(*net.TCPAddr).Port)
		p.mu.Lock()
		p.listener = listener
		p.listenPort = port
		p.mu.Unlock()
		p.logger.Info("Pool listening",
			logging.MaskField("listen_address", listener.Addr().String()),
			slog.String("version", p.version),
			logging.MaskField("node_pub_key", p.pubKey),
			slog.String("alias", p.Alias()))
	}

	advertised := p.advertisedAddresses(ctx)
	p.mu.Lock()
	p.ourState.Addresses = advertised
	p.mu.Unlock()

	if err := p.nodes.Load(); err != nil {
		return fmt.Errorf("load node list: %w", err)
	}

	p.mu.Lock()
	p.connected = true
	listener := p.listener
	p.mu.Unlock()

	if listener != nil {
		p.wg.Add(1)
		go p.acceptLoop(listener)
	}

	go p.connectKnownNodes()

	for _, addr := range advertised {
		go p.probeReachability(addr)
	}
	return nil
}

func (p *Pool) advertisedAddresses(ctx context.Context) []Address {
	port := p.ListenPort()
	addrs := make([]Address, 0, len(p.cfg.Addresses)+1)
	for _, raw := range p.cfg.Addresses {
		parsed, err := ParseAddress(raw)
		if err != nil {
			host := strings.TrimSpace(raw)
			if host == "" {
				continue
			}
			parsed = Address{Host: host, Port: port}
		}
		addrs = append(addrs, parsed)
	}
	if p.cfg.DetectExternalIP {
		probeCtx, cancel := context.WithTimeout(ctx, externalIPTimeout)
		host, err := p.externalIP(probeCtx)
		cancel()
		if err != nil {
			p.logger.Warn("External IP detection failed", slog.Any("error", err))
		} else if host != "" {
			addrs = append(addrs, Address{Host: host, Port: port})
		}
	}
	return dedupeAddresses(addrs)
}

func resolveExternalIP(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, externalIPProbeURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", err
	}
	host := strings.TrimSpace(string(body))
	if net.ParseIP(host) == nil {
		return "", fmt.Errorf("detect external ip: unparseable response %q", host)
	}
	return host, nil
}

// connectKnownNodes is the startup bulk reconnection pass.
func (p *Pool) connectKnownNodes() {
	defer close(p.bulkDone)
	var wg sync.WaitGroup
	p.nodes.ForEach(func(node *Node) {
		if node.Banned {
			return
		}
		wg.Add(1)
		go func(node *Node) {
			defer wg.Done()
			p.tryConnectNode(node, true)
		}(node)
	})
	wg.Wait()
}

func (p *Pool) acceptLoop(listener net.Listener) {
	defer p.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-p.ctx.Done():
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			p.logger.Warn("Accept failed", slog.Any("error", err))
			return
		}
		p.handleInbound(conn)
	}
}

func (p *Pool) handleInbound(conn net.Conn) {
	host := conn.RemoteAddr().String()
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	p.mu.Lock()
	_, banned := p.bannedHosts[host]
	pending := len(p.pendingInbound)
	accepting := p.connected && !p.disconnecting
	p.mu.Unlock()
	if banned || !accepting || pending >= maxPendingInbound {
		conn.Close()
		return
	}

	peer := newInboundPeer(conn, p.peerCallbacks(), p.timeouts, p.logger)
	p.mu.Lock()
	p.pendingInbound[peer] = struct{}{}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if _, err := p.openPeer(peer); err != nil {
			p.logger.Debug("Inbound connection rejected",
				logging.MaskField("peer_address", conn.RemoteAddr().String()),
				slog.Any("error", err))
		}
	}()
}

func (p *Pool) peerCallbacks() peerCallbacks {
	return peerCallbacks{
		onPacket:     p.handlePacket,
		onReputation: p.recordReputation,
		onClose:      p.handlePeerClose,
	}
}

// AddOutbound dials and opens a session to the given address. With
// revokeRetries set, an in-flight attempt to the same node has its pending
// dial retries revoked before this call reports ALREADY_CONNECTING.
func (p *Pool) AddOutbound(addr Address, nodePubKey string, retryConnecting, revokeRetries bool) (*Peer, error) {
	if nodePubKey == p.pubKey {
		return nil, ErrConnectedToSelf
	}
	if addr.IsOnion() && !p.cfg.Tor {
		return nil, errWithDetail(ErrNodeTorAddress, "%s", addr)
	}
	if isSelfAddress(addr, p.ListenPort()) {
		return nil, errWithDetail(ErrConnectedToSelf, "%s is our own listening address", addr)
	}
	if nodePubKey != "" && p.nodes.IsBanned(nodePubKey) {
		return nil, errWithDetail(ErrNodeBanned, "%s", nodePubKey)
	}

	p.mu.Lock()
	if !p.connected || p.disconnecting {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if nodePubKey != "" {
		if _, ok := p.peers[nodePubKey]; ok {
			p.mu.Unlock()
			return nil, errWithDetail(ErrNodeAlreadyConnected, "%s", nodePubKey)
		}
		if pending, ok := p.pendingOutbound[nodePubKey]; ok {
			p.mu.Unlock()
			if revokeRetries {
				pending.RevokeConnectionRetries()
			}
			return nil, errWithDetail(ErrAlreadyConnecting, "%s", nodePubKey)
		}
	}
	peer := newOutboundPeer(addr, nodePubKey, p.peerCallbacks(), p.timeouts, p.logger)
	peer.socksProxy = p.torProxy()
	if nodePubKey != "" {
		p.pendingOutbound[nodePubKey] = peer
	}
	p.mu.Unlock()

	if nodePubKey != "" {
		defer func() {
			p.mu.Lock()
			if p.pendingOutbound[nodePubKey] == peer {
				delete(p.pendingOutbound, nodePubKey)
			}
			p.mu.Unlock()
		}()
	}

	if err := peer.Connect(p.ctx, retryConnecting); err != nil {
		return nil, err
	}
	return p.openPeer(peer)
}

// openPeer drives a connected socket through handshake, admission, and
// duplicate resolution.
func (p *Pool) openPeer(peer *Peer) (*Peer, error) {
	init, err := peer.BeginOpen(p.nodeKey, p.ourStateSnapshot(), p.version, p.cfg.MinCompatibleVersion)
	if err != nil {
		p.metrics.recordHandshake("rejected")
		return nil, err
	}
	nodePubKey := init.Hello.NodePubKey

	if err := p.validatePeer(peer, nodePubKey); err != nil {
		p.metrics.recordHandshake("rejected")
		return nil, err
	}
	if err := peer.CompleteOpen(p.nodeKey, init); err != nil {
		p.metrics.recordHandshake("failure")
		return nil, err
	}
	if err := p.resolveDuplicate(peer, nodePubKey); err != nil {
		p.metrics.recordHandshake("duplicate")
		return nil, err
	}
	if err := p.admitPeer(peer, init); err != nil {
		return nil, err
	}
	p.metrics.recordHandshake("success")
	return peer, nil
}

// validatePeer applies the admission checks that need pool state; identity,
// version, and self checks already ran inside BeginOpen.
func (p *Pool) validatePeer(peer *Peer, nodePubKey string) error {
	p.mu.Lock()
	accepting := p.connected && !p.disconnecting
	p.mu.Unlock()
	if !accepting {
		reason := ReasonNotAcceptingConnections
		peer.Close(&reason, "")
		return ErrPoolClosed
	}
	if p.nodes.IsBanned(nodePubKey) {
		reason := ReasonBanned
		peer.Close(&reason, "")
		return errWithDetail(ErrNodeBanned, "%s", nodePubKey)
	}
	if peer.State() == PeerClosed {
		return errWithDetail(ErrNotConnected, "socket closed during handshake")
	}
	return nil
}

// resolveDuplicate applies the symmetric tie-break for simultaneous
// connections: the node with the higher pubkey closes its new socket; the
// node with the lower pubkey gives the existing socket one stall interval to
// die before giving up on the new one.
func (p *Pool) resolveDuplicate(peer *Peer, nodePubKey string) error {
	p.mu.Lock()
	existing := p.peers[nodePubKey]
	p.mu.Unlock()
	if existing == nil {
		return nil
	}

	if comparePubKeys(p.pubKey, nodePubKey) > 0 {
		reason := ReasonAlreadyConnected
		peer.Close(&reason, "")
		return errWithDetail(ErrNodeAlreadyConnected, "%s", nodePubKey)
	}

	timer := time.NewTimer(p.timeouts.stall)
	defer timer.Stop()
	select {
	case <-existing.Closed():
		return nil
	case <-peer.Closed():
		return errWithDetail(ErrNotConnected, "socket closed awaiting duplicate resolution")
	case <-p.ctx.Done():
		reason := ReasonShutdown
		peer.Close(&reason, "")
		return ErrPoolClosed
	case <-timer.C:
		reason := ReasonAlreadyConnected
		peer.Close(&reason, "")
		return errWithDetail(ErrNodeAlreadyConnected, "%s", nodePubKey)
	}
}

// comparePubKeys orders two hex pubkeys by their raw bytes.
func comparePubKeys(a, b string) int {
	rawA, errA := hex.DecodeString(a)
	rawB, errB := hex.DecodeString(b)
	if errA != nil || errB != nil {
		return strings.Compare(a, b)
	}
	return bytes.Compare(rawA, rawB)
}

func (p *Pool) admitPeer(peer *Peer, init *SessionInit) error {
	nodePubKey := init.Hello.NodePubKey

	p.mu.Lock()
	if _, ok := p.peers[nodePubKey]; ok {
		p.mu.Unlock()
		reason := ReasonAlreadyConnected
		peer.Close(&reason, "")
		return errWithDetail(ErrNodeAlreadyConnected, "%s", nodePubKey)
	}
	delete(p.pendingInbound, peer)
	p.peers[nodePubKey] = peer
	peer.setActive(true)
	inbound, outbound := p.peerCountsLocked()
	p.mu.Unlock()
	p.metrics.observePeerCounts(inbound, outbound)

	p.recordNode(peer, init)

	p.logger.Info("Peer opened",
		logging.MaskField("node_pub_key", nodePubKey),
		slog.String("alias", peer.Alias()),
		logging.MaskField("peer_address", peer.Address().String()),
		slog.String("version", peer.Version()),
		slog.Bool("inbound", peer.Inbound()))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.handleOpenedPeer(peer)
		p.bus.publish(Event{
			Kind:       EventPeerActive,
			NodePubKey: nodePubKey,
			Alias:      peer.Alias(),
		})
	}()
	return nil
}

// recordNode creates or refreshes the NodeList entry after a successful
// handshake. LastConnected is stamped only here, never optimistically.
func (p *Pool) recordNode(peer *Peer, init *SessionInit) {
	nodePubKey := init.Hello.NodePubKey
	advertised := dedupeAddresses(init.Hello.NodeState.Addresses)
	now := time.Now()

	var lastAddress *Address
	if !peer.Inbound() {
		connected := peer.Address()
		connected.LastConnected = now
		lastAddress = &connected
		for i := range advertised {
			if advertised[i].Equal(connected) {
				advertised[i].LastConnected = now
			}
		}
	}

	if p.nodes.Has(nodePubKey) {
		if err := p.nodes.UpdateAddresses(nodePubKey, advertised, lastAddress); err != nil {
			p.logger.Warn("Failed to update node addresses",
				logging.MaskField("node_pub_key", nodePubKey),
				slog.Any("error", err))
		}
		return
	}
	if err := p.nodes.CreateNode(nodePubKey, advertised, lastAddress); err != nil {
		p.logger.Warn("Failed to create node record",
			logging.MaskField("node_pub_key", nodePubKey),
			slog.Any("error", err))
	}
}

// handleOpenedPeer runs post-admission work: pair verification and gossip.
// The peer.active event waits for it to finish.
func (p *Pool) handleOpenedPeer(peer *Peer) {
	state := peer.NodeState()
	if len(state.Pairs) > 0 {
		p.bus.publish(Event{
			Kind:       EventPeerVerifyPairs,
			NodePubKey: peer.PubKey(),
			Alias:      peer.Alias(),
			PairIDs:    append([]string(nil), state.Pairs...),
		})
	}
	if p.cfg.Discover {
		if err := p.DiscoverNodes(peer.PubKey()); err != nil {
			p.logger.Debug("Initial node discovery failed",
				logging.MaskField("node_pub_key", peer.PubKey()),
				slog.Any("error", err))
		}
		if p.cfg.DiscoverMinutes > 0 {
			p.wg.Add(1)
			go p.discoverLoop(peer)
		}
	}
}

func (p *Pool) discoverLoop(peer *Peer) {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Duration(p.cfg.DiscoverMinutes) * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-peer.Closed():
			return
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if err := p.DiscoverNodes(peer.PubKey()); err != nil {
				return
			}
		}
	}
}

// DiscoverNodes requests the peer's view of the network.
func (p *Pool) DiscoverNodes(nodePubKey string) error {
	peer, err := p.GetPeer(nodePubKey)
	if err != nil {
		return err
	}
	pkt, err := newPacket(PacketGetNodes, GetNodesBody{})
	if err != nil {
		return err
	}
	p.metrics.recordPacket("out", PacketGetNodes)
	return peer.SendPacket(pkt)
}

// handlePacket routes inbound frames the pool handles itself and forwards the
// rest to external subscribers.
func (p *Pool) handlePacket(peer *Peer, pkt *Packet) {
	p.metrics.recordPacket("in", pkt.Type)
	switch pkt.Type {
	case PacketGetNodes:
		p.answerGetNodes(peer, pkt)
	case PacketNodes:
		var body NodesBody
		if err := pkt.DecodeBody(&body); err != nil {
			p.closeMalformed(peer, err)
			return
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.connectNodes(body.Nodes, true, false)
		}()
	case PacketNodeStateUpdate:
		var state NodeState
		if err := pkt.DecodeBody(&state); err != nil {
			p.closeMalformed(peer, err)
			return
		}
		dropped := peer.updateNodeState(state)
		if err := p.nodes.UpdateAddresses(peer.PubKey(), state.Addresses, nil); err != nil && !errors.Is(err, ErrNodeNotFound) {
			p.logger.Warn("Failed to update node addresses",
				logging.MaskField("node_pub_key", peer.PubKey()),
				slog.Any("error", err))
		}
		updated := peer.NodeState()
		p.bus.publish(Event{
			Kind:       EventPeerNodeStateUpdate,
			NodePubKey: peer.PubKey(),
			Alias:      peer.Alias(),
			NodeState:  &updated,
		})
		if len(dropped) > 0 {
			p.bus.publish(Event{
				Kind:       EventPeerPairDropped,
				NodePubKey: peer.PubKey(),
				Alias:      peer.Alias(),
				PairIDs:    dropped,
			})
		}
	default:
		if kind, ok := packetEventKinds[pkt.Type]; ok {
			p.bus.publish(Event{
				Kind:       kind,
				NodePubKey: peer.PubKey(),
				Alias:      peer.Alias(),
				Packet:     pkt,
			})
		} else {
			p.closeMalformed(peer, errWithDetail(ErrNotConnected, "unexpected %s packet in open session", pkt.Type))
		}
	}
}

// closeMalformed tears down a session that delivered an undecodable or
// out-of-place packet, recording the protocol violation against the node.
func (p *Pool) closeMalformed(peer *Peer, err error) {
	p.recordReputation(peer.PubKey(), ReputationWireProtocolErr)
	reason := ReasonWireProtocolErr
	peer.Close(&reason, err.Error())
}

var packetEventKinds = map[PacketType]EventKind{
	PacketOrder:             EventPacketOrder,
	PacketOrderInvalidation: EventPacketOrderInvalidation,
	PacketGetOrders:         EventPacketGetOrders,
	PacketOrders:            EventPacketOrders,
	PacketSanitySwapInit:    EventPacketSanitySwapInit,
	PacketSwapRequest:       EventPacketSwapRequest,
	PacketSwapAccepted:      EventPacketSwapAccepted,
	PacketSwapFailed:        EventPacketSwapFailed,
}

// answerGetNodes replies with every open peer except the requester, skipping
// peers that never advertised a listening address.
func (p *Pool) answerGetNodes(peer *Peer, req *Packet) {
	requester := peer.PubKey()
	p.mu.Lock()
	infos := make([]NodeConnectInfo, 0, len(p.peers))
	for pubKey, other := range p.peers {
		if pubKey == requester {
			continue
		}
		addrs := other.NodeState().Addresses
		if len(addrs) == 0 {
			continue
		}
		infos = append(infos, NodeConnectInfo{NodePubKey: pubKey, Addresses: addrs})
	}
	p.mu.Unlock()

	reply, err := newResponse(PacketNodes, req.ID, NodesBody{Nodes: infos})
	if err != nil {
		return
	}
	p.metrics.recordPacket("out", PacketNodes)
	if err := peer.SendPacket(reply); err != nil {
		p.logger.Debug("Failed to answer GetNodes",
			logging.MaskField("node_pub_key", requester),
			slog.Any("error", err))
	}
}

// connectNodes opens outbound connections to gossiped nodes we are not
// already connected or connecting to. Repeat calls are idempotent thanks to
// the pending-outbound guard.
func (p *Pool) connectNodes(nodes []NodeConnectInfo, allowKnown, retryConnecting bool) {
	for _, info := range nodes {
		if info.NodePubKey == "" || info.NodePubKey == p.pubKey {
			continue
		}
		if p.nodes.IsBanned(info.NodePubKey) {
			continue
		}
		p.mu.Lock()
		_, connectedTo := p.peers[info.NodePubKey]
		_, pending := p.pendingOutbound[info.NodePubKey]
		p.mu.Unlock()
		if connectedTo || pending {
			continue
		}
		if known := p.nodes.Has(info.NodePubKey); known {
			if !allowKnown {
				continue
			}
			if node, ok := p.nodes.Get(info.NodePubKey); ok {
				p.tryConnectNode(node, retryConnecting)
				continue
			}
		}
		if len(info.Addresses) == 0 {
			continue
		}
		p.connectToAddresses(info.NodePubKey, info.Addresses, retryConnecting)
	}
}

// tryConnectNode walks a known node's addresses: last successful address
// first, then the advertised set by recency. With retryConnecting set and
// every address down, the last address is retried with backoff.
func (p *Pool) tryConnectNode(node *Node, retryConnecting bool) {
	addrs := append([]Address(nil), node.Addresses...)
	sortByLastConnected(addrs)
	ordered := make([]Address, 0, len(addrs)+1)
	if node.LastAddress != nil {
		ordered = append(ordered, *node.LastAddress)
	}
	for _, addr := range addrs {
		if node.LastAddress != nil && addr.Equal(*node.LastAddress) {
			continue
		}
		ordered = append(ordered, addr)
	}

	for _, addr := range ordered {
		if _, err := p.AddOutbound(addr, node.PubKey, false, false); err == nil {
			return
		} else if errors.Is(err, ErrAlreadyConnecting) || errors.Is(err, ErrNodeAlreadyConnected) ||
			errors.Is(err, ErrNodeBanned) || errors.Is(err, ErrPoolClosed) {
			return
		}
	}
	if retryConnecting && node.LastAddress != nil {
		if _, err := p.AddOutbound(*node.LastAddress, node.PubKey, true, false); err != nil {
			p.logger.Debug("Reconnect attempts exhausted",
				logging.MaskField("node_pub_key", node.PubKey),
				slog.Any("error", err))
		}
	}
}

func (p *Pool) connectToAddresses(nodePubKey string, addrs []Address, retryConnecting bool) {
	for i, addr := range addrs {
		retry := retryConnecting && i == 0 && len(addrs) == 1
		if _, err := p.AddOutbound(addr, nodePubKey, retry, false); err == nil {
			return
		} else if errors.Is(err, ErrAlreadyConnecting) || errors.Is(err, ErrNodeAlreadyConnected) ||
			errors.Is(err, ErrNodeBanned) || errors.Is(err, ErrPoolClosed) {
			return
		}
	}
}

// torProxy returns the local SOCKS endpoint for onion dialing, if enabled.
func (p *Pool) torProxy() string {
	if !p.cfg.Tor || p.cfg.TorPort == 0 {
		return ""
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(int(p.cfg.TorPort)))
}

// probeReachability dials one of our own advertised addresses. Reaching the
// ConnectedToSelf rejection proves the address is publicly reachable.
func (p *Pool) probeReachability(addr Address) {
	if addr.IsOnion() && !p.cfg.Tor {
		return
	}
	peer := newOutboundPeer(addr, "", peerCallbacks{}, p.timeouts, p.logger)
	if err := peer.Connect(p.ctx, false); err != nil {
		p.logger.Warn("Advertised address unreachable",
			logging.MaskField("advertised_address", addr.String()),
			slog.Any("error", err))
		return
	}
	_, err := peer.BeginOpen(p.nodeKey, p.ourStateSnapshot(), p.version, p.cfg.MinCompatibleVersion)
	if errors.Is(err, ErrConnectedToSelf) {
		p.logger.Info("Advertised address verified reachable",
			logging.MaskField("advertised_address", addr.String()))
		return
	}
	peer.Close(nil, "")
	p.logger.Warn("Advertised address reachability inconclusive",
		logging.MaskField("advertised_address", addr.String()),
		slog.Any("error", err))
}

func (p *Pool) recordReputation(nodePubKey string, event ReputationEvent) {
	if nodePubKey == "" {
		return
	}
	if err := p.AddReputationEvent(nodePubKey, event); err != nil && !errors.Is(err, ErrNodeNotFound) {
		p.logger.Warn("Failed to record reputation event",
			logging.MaskField("node_pub_key", nodePubKey),
			slog.String("event", string(event)),
			slog.Any("error", err))
	}
}

// AddReputationEvent applies a reputation event to a known node.
func (p *Pool) AddReputationEvent(nodePubKey string, event ReputationEvent) error {
	banned, err := p.nodes.AddReputationEvent(nodePubKey, event)
	if err != nil {
		return err
	}
	if node, ok := p.nodes.Get(nodePubKey); ok {
		p.metrics.observeReputation(nodePubKey, node.ReputationScore)
	}
	if banned {
		p.logger.Warn("Node auto-banned by reputation",
			logging.MaskField("node_pub_key", nodePubKey),
			slog.String("event", string(event)))
	}
	return nil
}

// handleNodeBan runs on every ban, explicit or score-driven: close the live
// session, blocklist its hosts, and notify subscribers.
func (p *Pool) handleNodeBan(nodePubKey string) {
	if node, ok := p.nodes.Get(nodePubKey); ok {
		p.mu.Lock()
		for _, addr := range node.Addresses {
			p.bannedHosts[addr.Host] = struct{}{}
		}
		p.mu.Unlock()
	}
	p.bus.publish(Event{Kind: EventNodeBan, NodePubKey: nodePubKey, Alias: Alias(nodePubKey)})
	if err := p.ClosePeer(nodePubKey, ReasonBanned); err != nil && !errors.Is(err, ErrNotConnected) {
		p.logger.Warn("Failed to close banned peer",
			logging.MaskField("node_pub_key", nodePubKey),
			slog.Any("error", err))
	}
}

// BanNode marks a node banned and tears down any live session.
func (p *Pool) BanNode(nodePubKey string) error {
	return p.nodes.Ban(nodePubKey)
}

// UnbanNode clears the ban and optionally dials the node again.
func (p *Pool) UnbanNode(nodePubKey string, reconnect bool) error {
	if err := p.nodes.UnBan(nodePubKey); err != nil {
		return err
	}
	if node, ok := p.nodes.Get(nodePubKey); ok {
		p.mu.Lock()
		for _, addr := range node.Addresses {
			delete(p.bannedHosts, addr.Host)
		}
		p.mu.Unlock()
		if reconnect {
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.tryConnectNode(node, false)
			}()
		}
	}
	return nil
}

// ClosePeer gracefully closes a live session.
func (p *Pool) ClosePeer(nodePubKey string, reason DisconnectionReason) error {
	peer, err := p.GetPeer(nodePubKey)
	if err != nil {
		return err
	}
	peer.Close(&reason, "")
	return nil
}

// GetPeer returns the live session for a pubkey.
func (p *Pool) GetPeer(nodePubKey string) (*Peer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	peer, ok := p.peers[nodePubKey]
	if !ok {
		return nil, errWithDetail(ErrNotConnected, "no peer for %s", nodePubKey)
	}
	return peer, nil
}

// ListPeers snapshots every open session, sorted by alias.
func (p *Pool) ListPeers() []PeerInfo {
	p.mu.Lock()
	peers := make([]*Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		peers = append(peers, peer)
	}
	p.mu.Unlock()

	infos := make([]PeerInfo, 0, len(peers))
	for _, peer := range peers {
		state := peer.NodeState()
		direction := "outbound"
		if peer.Inbound() {
			direction = "inbound"
		}
		infos = append(infos, PeerInfo{
			NodePubKey: peer.PubKey(),
			Alias:      peer.Alias(),
			Address:    peer.Address().String(),
			Direction:  direction,
			Version:    peer.Version(),
			Pairs:      state.Pairs,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Alias < infos[j].Alias })
	return infos
}

// ResolveAlias maps an alias back to a node pubkey.
func (p *Pool) ResolveAlias(alias string) (string, error) {
	if pubKey, ok := p.nodes.GetPubKeyForAlias(alias); ok {
		return pubKey, nil
	}
	return "", errWithDetail(ErrNodeNotFound, "alias %s", alias)
}

// SendToPeer sends a packet to a single connected peer.
func (p *Pool) SendToPeer(nodePubKey string, pkt *Packet) error {
	peer, err := p.GetPeer(nodePubKey)
	if err != nil {
		return err
	}
	p.metrics.recordPacket("out", pkt.Type)
	return peer.SendPacket(pkt)
}

// BroadcastOrder sends an order to every peer trading its pair. Sends are not
// awaited; a stalled peer is closed by its own send-queue watchdog.
func (p *Pool) BroadcastOrder(order Order) {
	pkt, err := newPacket(PacketOrder, order)
	if err != nil {
		return
	}
	p.broadcast(pkt, order.PairID, "")
}

// BroadcastOrderInvalidation withdraws an order portion network-wide,
// optionally skipping one pubkey.
func (p *Pool) BroadcastOrderInvalidation(oi OrderInvalidation, excludePubKey string) {
	pkt, err := newPacket(PacketOrderInvalidation, oi)
	if err != nil {
		return
	}
	p.broadcast(pkt, oi.PairID, excludePubKey)
}

func (p *Pool) broadcast(pkt *Packet, pairID, excludePubKey string) {
	p.mu.Lock()
	targets := make([]*Peer, 0, len(p.peers))
	for pubKey, peer := range p.peers {
		if pubKey == excludePubKey {
			continue
		}
		targets = append(targets, peer)
	}
	p.mu.Unlock()

	for _, peer := range targets {
		if pairID != "" && !peer.isPairActive(pairID) {
			continue
		}
		p.metrics.recordPacket("out", pkt.Type)
		go func(peer *Peer) {
			if err := peer.SendPacket(pkt); err != nil {
				p.logger.Debug("Broadcast send failed",
					logging.MaskField("node_pub_key", peer.PubKey()),
					slog.Any("error", err))
			}
		}(peer)
	}
}

// UpdatePairs replaces our advertised trading pairs and pushes the new state
// to all peers.
func (p *Pool) UpdatePairs(pairIDs []string) {
	p.mu.Lock()
	p.ourState.Pairs = append([]string(nil), pairIDs...)
	p.mu.Unlock()
	p.broadcastNodeState()
}

// UpdateAuxState updates the auxiliary chain bindings for one chain and
// pushes the new state to all peers.
func (p *Pool) UpdateAuxState(chain, identifier, pubKey string, uris []string) {
	p.mu.Lock()
	if p.ourState.AuxIdentifiers == nil {
		p.ourState.AuxIdentifiers = make(map[string]string)
	}
	if p.ourState.AuxPubKeys == nil {
		p.ourState.AuxPubKeys = make(map[string]string)
	}
	if p.ourState.AuxUris == nil {
		p.ourState.AuxUris = make(map[string][]string)
	}
	if identifier != "" {
		p.ourState.AuxIdentifiers[chain] = identifier
	}
	if pubKey != "" {
		p.ourState.AuxPubKeys[chain] = pubKey
	}
	if len(uris) > 0 {
		p.ourState.AuxUris[chain] = append([]string(nil), uris...)
	}
	p.mu.Unlock()
	p.broadcastNodeState()
}

func (p *Pool) broadcastNodeState() {
	pkt, err := newPacket(PacketNodeStateUpdate, p.ourStateSnapshot())
	if err != nil {
		return
	}
	p.broadcast(pkt, "", "")
}

func (p *Pool) ourStateSnapshot() NodeState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ourState.clone()
}

// NodeList exposes the catalog for callers that need read access.
func (p *Pool) NodeList() *NodeList {
	return p.nodes
}

// handlePeerClose runs when any Peer finishes teardown, admitted or not.
func (p *Pool) handlePeerClose(peer *Peer) {
	nodePubKey := peer.PubKey()

	p.mu.Lock()
	delete(p.pendingInbound, peer)
	admitted := nodePubKey != "" && p.peers[nodePubKey] == peer
	if admitted {
		delete(p.peers, nodePubKey)
	}
	inbound, outbound := p.peerCountsLocked()
	connected := p.connected && !p.disconnecting
	p.mu.Unlock()

	if !admitted {
		return
	}
	p.metrics.observePeerCounts(inbound, outbound)
	p.metrics.recordClose(peer.SentDisconnectionReason())

	var reason *DisconnectionReason
	if r := peer.RecvDisconnectionReason(); r != nil {
		reason = r
	} else if r := peer.SentDisconnectionReason(); r != nil {
		reason = r
	}
	p.bus.publish(Event{
		Kind:       EventPeerClose,
		NodePubKey: nodePubKey,
		Alias:      peer.Alias(),
		Reason:     reason,
	})
	p.logger.Info("Peer closed",
		logging.MaskField("node_pub_key", nodePubKey),
		slog.String("alias", peer.Alias()),
		slog.String("reason", reasonLabel(reason)))

	if !connected || !p.shouldReconnect(peer) {
		return
	}
	node, ok := p.nodes.Get(nodePubKey)
	if !ok || (node.LastAddress == nil && len(node.Addresses) == 0) {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.tryConnectNode(node, true)
	}()
}

// shouldReconnect encodes the reconnection policy for closed outbound peers.
func (p *Pool) shouldReconnect(peer *Peer) bool {
	if peer.Inbound() || peer.PubKey() == "" {
		return false
	}
	if sent := peer.SentDisconnectionReason(); sent != nil && *sent != ReasonResponseStalling {
		return false
	}
	if recv := peer.RecvDisconnectionReason(); recv != nil {
		switch *recv {
		case ReasonResponseStalling, ReasonAlreadyConnected, ReasonShutdown:
		default:
			return false
		}
	}
	return true
}

func (p *Pool) peerCountsLocked() (inbound, outbound int) {
	for _, peer := range p.peers {
		if peer.Inbound() {
			inbound++
		} else {
			outbound++
		}
	}
	return inbound, outbound
}

func reasonLabel(reason *DisconnectionReason) string {
	if reason == nil {
		return "none"
	}
	return reason.String()
}

// Disconnect tears the pool down: stop listening, cancel dial retries, and
// close every pending and active session in parallel.
func (p *Pool) Disconnect() {
	p.mu.Lock()
	if !p.connected || p.disconnecting {
		p.mu.Unlock()
		return
	}
	p.disconnecting = true
	p.mu.Unlock()

	// Cancel outstanding dial retries first so the bulk reconnection pass
	// cannot hold up shutdown.
	if p.cancel != nil {
		p.cancel()
	}
	<-p.bulkDone

	p.mu.Lock()
	listener := p.listener
	p.listener = nil
	pending := make([]*Peer, 0, len(p.pendingInbound)+len(p.pendingOutbound))
	for peer := range p.pendingInbound {
		pending = append(pending, peer)
	}
	for _, peer := range p.pendingOutbound {
		pending = append(pending, peer)
	}
	active := make([]*Peer, 0, len(p.peers))
	for _, peer := range p.peers {
		active = append(active, peer)
	}
	p.mu.Unlock()

	var g errgroup.Group
	if listener != nil {
		g.Go(func() error { return listener.Close() })
	}
	for _, peer := range pending {
		peer := peer
		g.Go(func() error {
			peer.RevokeConnectionRetries()
			peer.Close(nil, "")
			return nil
		})
	}
	for _, peer := range active {
		peer := peer
		g.Go(func() error {
			reason := ReasonShutdown
			peer.Close(&reason, "")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.logger.Warn("Shutdown cleanup error", slog.Any("error", err))
	}
	p.wg.Wait()

	p.mu.Lock()
	p.connected = false
	p.disconnecting = false
	p.mu.Unlock()
	p.logger.Info("Pool disconnected")
}
