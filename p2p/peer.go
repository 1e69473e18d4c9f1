package p2p

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"

	"github.com/opendexnet/opendexd/crypto"
	"github.com/opendexnet/opendexd/observability/logging"
)

// PeerState tracks the session lifecycle. Transitions only move forward.
type PeerState int32

const (
	PeerConnecting PeerState = iota + 1
	PeerHandshaking
	PeerOpen
	PeerClosing
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerConnecting:
		return "Connecting"
	case PeerHandshaking:
		return "Handshaking"
	case PeerOpen:
		return "Open"
	case PeerClosing:
		return "Closing"
	case PeerClosed:
		return "Closed"
	}
	return "Unknown"
}

const (
	stallInterval      = 30 * time.Second
	pingInterval       = 30 * time.Second
	sendQueueHighWater = 10 * time.Second
	dialTimeout        = 10 * time.Second
	retryBackoffStart  = time.Second
	retryBackoffMax    = 60 * time.Second
	retryMaxPeriod     = 7 * time.Minute
	sendQueueSize      = 64
	closeSendTimeout   = time.Second
)

// peerCallbacks is the capability interface a Peer receives at construction
// instead of a back-reference to the Pool.
type peerCallbacks struct {
	onPacket     func(p *Peer, pkt *Packet)
	onReputation func(pubKey string, event ReputationEvent)
	onClose      func(p *Peer)
}

// peerTimeouts carries the session timing knobs. Production uses the package
// defaults; tests shorten them.
type peerTimeouts struct {
	stall     time.Duration
	ping      time.Duration
	highWater time.Duration
	dial      time.Duration
}

func defaultPeerTimeouts() peerTimeouts {
	return peerTimeouts{stall: stallInterval, ping: pingInterval, highWater: sendQueueHighWater, dial: dialTimeout}
}

// Peer is a single TCP session with a remote node, from dial or accept
// through handshake to teardown. The Pool owns every Peer; other goroutines
// interact only through SendPacket and the read-only accessors.
type Peer struct {
	inbound        bool
	addr           Address
	expectedPubKey string
	socksProxy     string

	mu         sync.Mutex
	state      PeerState
	conn       net.Conn
	framer     *Framer
	pubKey     string
	alias      string
	version    string
	nodeState  NodeState
	active     bool
	sentReason *DisconnectionReason
	recvReason *DisconnectionReason

	sendQ    chan *Packet
	lastSend atomic.Int64

	retryCancel chan struct{}
	retryOnce   sync.Once

	closeOnce sync.Once
	quit      chan struct{}
	closed    chan struct{}

	cb       peerCallbacks
	timeouts peerTimeouts
	logger   *slog.Logger
	clock    func() time.Time
}

func newPeer(inbound bool, addr Address, cb peerCallbacks, timeouts peerTimeouts, logger *slog.Logger) *Peer {
	if logger == nil {
		logger = slog.Default()
	}
	state := PeerConnecting
	if inbound {
		state = PeerHandshaking
	}
	return &Peer{
		inbound:     inbound,
		addr:        addr,
		state:       state,
		sendQ:       make(chan *Packet, sendQueueSize),
		retryCancel: make(chan struct{}),
		quit:        make(chan struct{}),
		closed:      make(chan struct{}),
		cb:          cb,
		timeouts:    timeouts,
		logger:      logger.With(slog.String("component", "peer")),
		clock:       time.Now,
	}
}

func newInboundPeer(conn net.Conn, cb peerCallbacks, timeouts peerTimeouts, logger *slog.Logger) *Peer {
	addr := Address{}
	if parsed, err := ParseAddress(conn.RemoteAddr().String()); err == nil {
		addr = parsed
	}
	p := newPeer(true, addr, cb, timeouts, logger)
	p.conn = conn
	p.framer = NewFramer(conn)
	return p
}

func newOutboundPeer(addr Address, expectedPubKey string, cb peerCallbacks, timeouts peerTimeouts, logger *slog.Logger) *Peer {
	p := newPeer(false, addr, cb, timeouts, logger)
	p.expectedPubKey = expectedPubKey
	return p
}

// Connect dials the peer's address. With retry set, failed dials back off
// exponentially from one second up to a minute, for at most the retry window;
// RevokeConnectionRetries cancels the wait immediately.
func (p *Peer) Connect(ctx context.Context, retry bool) error {
	if p.inbound {
		return errWithDetail(ErrNotConnected, "inbound peer cannot dial")
	}
	start := p.clock()
	backoff := retryBackoffStart
	for {
		conn, err := p.dial(ctx)
		if err == nil {
			p.mu.Lock()
			p.conn = conn
			p.framer = NewFramer(conn)
			p.state = PeerHandshaking
			p.mu.Unlock()
			return nil
		}
		if !retry {
			return err
		}
		if p.clock().Sub(start)+backoff > retryMaxPeriod {
			return errWithDetail(ErrRetriesPeriodExceeded, "dialing %s", p.addr)
		}
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-p.retryCancel:
			timer.Stop()
			return errWithDetail(ErrNotConnected, "connection retries revoked for %s", p.addr)
		case <-p.quit:
			timer.Stop()
			return errWithDetail(ErrNotConnected, "peer closed while dialing %s", p.addr)
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
		backoff *= 2
		if backoff > retryBackoffMax {
			backoff = retryBackoffMax
		}
	}
}

// dial opens the raw TCP connection, routing onion targets through the
// configured SOCKS proxy.
func (p *Peer) dial(ctx context.Context) (net.Conn, error) {
	timeout := p.timeouts.dial
	if timeout <= 0 {
		timeout = dialTimeout
	}
	if p.socksProxy != "" && p.addr.IsOnion() {
		socks, err := proxy.SOCKS5("tcp", p.socksProxy, nil, &net.Dialer{Timeout: timeout})
		if err != nil {
			return nil, err
		}
		if cd, ok := socks.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, "tcp", p.addr.String())
		}
		return socks.Dial("tcp", p.addr.String())
	}
	dialer := &net.Dialer{Timeout: timeout}
	return dialer.DialContext(ctx, "tcp", p.addr.String())
}

// RevokeConnectionRetries cancels any pending dial retries.
func (p *Peer) RevokeConnectionRetries() {
	p.retryOnce.Do(func() { close(p.retryCancel) })
}

// SessionInit is the verified remote Hello produced by BeginOpen and consumed
// by CompleteOpen.
type SessionInit struct {
	Hello    HelloBody
	packet   *Packet
	deadline time.Time
}

// BeginOpen runs the first handshake phase: send our Hello, read the remote
// Hello, and verify identity and version. The handshake as a whole must
// finish within one stall interval of the socket opening.
func (p *Peer) BeginOpen(ourKey *crypto.NodeKey, ourState NodeState, ourVersion, minCompatibleVersion string) (*SessionInit, error) {
	deadline := p.clock().Add(p.timeouts.stall)

	hello, err := buildHello(ourKey, ourVersion, ourState)
	if err != nil {
		p.Close(nil, "")
		return nil, err
	}
	if err := p.framer.WritePacket(hello, deadline); err != nil {
		p.Close(nil, "")
		return nil, errWithDetail(ErrNotConnected, "send hello: %v", err)
	}

	pkt, err := p.framer.ReadPacket(deadline)
	if err != nil {
		reason := ReasonWireProtocolErr
		if isTimeout(err) {
			reason = ReasonResponseStalling
		}
		p.Close(&reason, "")
		return nil, errWithDetail(ErrNotConnected, "read hello: %v", err)
	}
	if pkt.Type == PacketDisconnecting {
		return nil, p.handshakeRejected(pkt)
	}
	if pkt.Type != PacketHello {
		reason := ReasonWireProtocolErr
		p.Close(&reason, "")
		return nil, errWithDetail(ErrNotConnected, "expected hello, got %s", pkt.Type)
	}
	var body HelloBody
	if err := pkt.DecodeBody(&body); err != nil {
		reason := ReasonWireProtocolErr
		p.Close(&reason, err.Error())
		return nil, err
	}

	if fail := verifyHello(&body, minCompatibleVersion); fail != nil {
		if fail.event != "" && p.cb.onReputation != nil {
			p.cb.onReputation(body.NodePubKey, fail.event)
		}
		reason := fail.reason
		p.Close(&reason, "")
		return nil, fail.err
	}

	if body.NodePubKey == ourKey.PubKeyHex() {
		reason := ReasonConnectedToSelf
		p.Close(&reason, "")
		return nil, ErrConnectedToSelf
	}
	if !p.inbound && p.expectedPubKey != "" && body.NodePubKey != p.expectedPubKey {
		if p.cb.onReputation != nil {
			p.cb.onReputation(body.NodePubKey, ReputationInvalidAuth)
		}
		reason := ReasonWireProtocolErr
		p.Close(&reason, "")
		return nil, errWithDetail(ErrNotConnected, "expected node %s, got %s", p.expectedPubKey, body.NodePubKey)
	}

	p.mu.Lock()
	p.pubKey = body.NodePubKey
	p.alias = Alias(body.NodePubKey)
	p.version = body.Version
	p.nodeState = body.NodeState.clone()
	p.nodeState.Addresses = dedupeAddresses(p.nodeState.Addresses)
	p.mu.Unlock()

	return &SessionInit{Hello: body, packet: pkt, deadline: deadline}, nil
}

// CompleteOpen runs the second handshake phase: acknowledge the remote Hello
// and wait for the remote acknowledgement. On success the peer is Open and
// its read, write, and heartbeat loops are running. This phase shares the
// deadline BeginOpen set for the whole handshake.
func (p *Peer) CompleteOpen(ourKey *crypto.NodeKey, init *SessionInit) error {
	deadline := init.deadline

	ack, err := newResponse(PacketSessionAck, init.packet.ID, SessionAckBody{NodePubKey: ourKey.PubKeyHex()})
	if err != nil {
		p.Close(nil, "")
		return err
	}
	if err := p.framer.WritePacket(ack, deadline); err != nil {
		p.Close(nil, "")
		return errWithDetail(ErrNotConnected, "send session ack: %v", err)
	}

	pkt, err := p.framer.ReadPacket(deadline)
	if err != nil {
		reason := ReasonWireProtocolErr
		if isTimeout(err) {
			reason = ReasonResponseStalling
		}
		p.Close(&reason, "")
		return errWithDetail(ErrNotConnected, "read session ack: %v", err)
	}
	if pkt.Type == PacketDisconnecting {
		return p.handshakeRejected(pkt)
	}
	if pkt.Type != PacketSessionAck {
		reason := ReasonWireProtocolErr
		p.Close(&reason, "")
		return errWithDetail(ErrNotConnected, "expected session ack, got %s", pkt.Type)
	}

	p.mu.Lock()
	p.state = PeerOpen
	p.mu.Unlock()
	p.lastSend.Store(p.clock().UnixNano())

	go p.readLoop()
	go p.writeLoop()
	go p.pingLoop()
	return nil
}

// SendPacket enqueues a packet for transmission. A queue that stays full for
// the high-water period closes the peer, providing backpressure to
// broadcasters.
func (p *Peer) SendPacket(pkt *Packet) error {
	if p.State() != PeerOpen {
		return errWithDetail(ErrNotConnected, "peer %s is %s", p.Label(), p.State())
	}
	select {
	case p.sendQ <- pkt:
		return nil
	case <-p.quit:
		return errWithDetail(ErrNotConnected, "peer %s closed", p.Label())
	default:
	}
	timer := time.NewTimer(p.timeouts.highWater)
	defer timer.Stop()
	select {
	case p.sendQ <- pkt:
		return nil
	case <-p.quit:
		return errWithDetail(ErrNotConnected, "peer %s closed", p.Label())
	case <-timer.C:
		reason := ReasonResponseStalling
		p.Close(&reason, "send queue full")
		return errWithDetail(ErrNotConnected, "peer %s send queue stalled", p.Label())
	}
}

func (p *Peer) readLoop() {
	for {
		pkt, err := p.framer.ReadPacket(p.clock().Add(p.timeouts.stall))
		if err != nil {
			select {
			case <-p.quit:
				return
			default:
			}
			switch {
			case isTimeout(err):
				reason := ReasonResponseStalling
				p.Close(&reason, "")
			case errors.Is(err, ErrFrameTooLarge), errors.Is(err, ErrMalformedPacket), errors.Is(err, ErrUnexpectedEOF):
				if p.cb.onReputation != nil {
					p.cb.onReputation(p.PubKey(), ReputationWireProtocolErr)
				}
				reason := ReasonWireProtocolErr
				p.Close(&reason, err.Error())
			default:
				p.Close(nil, "")
			}
			return
		}
		p.handlePacket(pkt)
	}
}

func (p *Peer) handlePacket(pkt *Packet) {
	switch pkt.Type {
	case PacketPing:
		if err := p.SendPacket(newPongPacket(pkt.ID)); err != nil {
			p.logger.Debug("Failed to answer ping",
				logging.MaskField("node_pub_key", p.PubKey()),
				slog.Any("error", err))
		}
	case PacketPong:
		// Receipt alone resets the stall clock.
	case PacketDisconnecting:
		var body DisconnectingBody
		if err := pkt.DecodeBody(&body); err == nil {
			p.mu.Lock()
			reason := body.Reason
			p.recvReason = &reason
			p.mu.Unlock()
		}
		p.Close(nil, "")
	default:
		if p.cb.onPacket != nil {
			p.cb.onPacket(p, pkt)
		}
	}
}

func (p *Peer) writeLoop() {
	for {
		select {
		case <-p.quit:
			return
		case pkt := <-p.sendQ:
			err := p.framer.WritePacket(pkt, p.clock().Add(p.timeouts.highWater))
			if err != nil {
				select {
				case <-p.quit:
					return
				default:
				}
				if isTimeout(err) {
					reason := ReasonResponseStalling
					p.Close(&reason, "write stalled")
				} else {
					p.Close(nil, "")
				}
				return
			}
			p.lastSend.Store(p.clock().UnixNano())
		}
	}
}

// pingLoop sends a Ping whenever no other frame went out during the interval.
func (p *Peer) pingLoop() {
	ticker := time.NewTicker(p.timeouts.ping)
	defer ticker.Stop()
	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			last := time.Unix(0, p.lastSend.Load())
			if p.clock().Sub(last) < p.timeouts.ping {
				continue
			}
			if err := p.SendPacket(newPingPacket()); err != nil {
				return
			}
		}
	}
}

// Close initiates shutdown. A non-nil reason is sent to the remote side as a
// Disconnecting packet before the socket closes; callbacks fire exactly once.
func (p *Peer) Close(reason *DisconnectionReason, payload string) {
	p.closeOnce.Do(func() {
		p.RevokeConnectionRetries()
		p.mu.Lock()
		p.state = PeerClosing
		conn := p.conn
		framer := p.framer
		if reason != nil {
			r := *reason
			p.sentReason = &r
		}
		p.mu.Unlock()

		if reason != nil && framer != nil {
			pkt := newDisconnectingPacket(*reason, payload)
			if err := framer.WritePacket(pkt, p.clock().Add(closeSendTimeout)); err != nil {
				p.logger.Debug("Failed to send disconnecting packet",
					logging.MaskField("node_pub_key", p.PubKey()),
					slog.Any("error", err))
			}
		}

		close(p.quit)
		if conn != nil {
			conn.Close()
		}
		p.mu.Lock()
		p.state = PeerClosed
		p.active = false
		p.mu.Unlock()

		// The close callback runs before the closed channel fires so that
		// anyone waiting on Closed() observes the pool's bookkeeping done.
		if p.cb.onClose != nil {
			p.cb.onClose(p)
		}
		close(p.closed)
	})
}

// Closed exposes the channel that closes when teardown finishes.
func (p *Peer) Closed() <-chan struct{} {
	return p.closed
}

func (p *Peer) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) PubKey() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pubKey
}

func (p *Peer) Alias() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alias
}

func (p *Peer) Version() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

func (p *Peer) Address() Address {
	return p.addr
}

func (p *Peer) Inbound() bool {
	return p.inbound
}

func (p *Peer) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *Peer) setActive(active bool) {
	p.mu.Lock()
	p.active = active
	p.mu.Unlock()
}

// NodeState returns a copy of the peer's advertised state.
func (p *Peer) NodeState() NodeState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodeState.clone()
}

// updateNodeState replaces the mirrored state and returns the pairs the peer
// dropped relative to its previous advertisement.
func (p *Peer) updateNodeState(state NodeState) (droppedPairs []string) {
	next := state.clone()
	next.Addresses = dedupeAddresses(next.Addresses)
	p.mu.Lock()
	defer p.mu.Unlock()
	current := make(map[string]struct{}, len(next.Pairs))
	for _, pair := range next.Pairs {
		current[pair] = struct{}{}
	}
	for _, pair := range p.nodeState.Pairs {
		if _, ok := current[pair]; !ok {
			droppedPairs = append(droppedPairs, pair)
		}
	}
	p.nodeState = next
	return droppedPairs
}

// isPairActive reports whether the peer advertises the trading pair.
func (p *Peer) isPairActive(pairID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pair := range p.nodeState.Pairs {
		if pair == pairID {
			return true
		}
	}
	return false
}

func (p *Peer) SentDisconnectionReason() *DisconnectionReason {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sentReason
}

func (p *Peer) RecvDisconnectionReason() *DisconnectionReason {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recvReason
}

// Label names the peer for logs: alias once known, address otherwise.
func (p *Peer) Label() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.alias != "" {
		return p.alias
	}
	return p.addr.String()
}

// handshakeRejected records a Disconnecting packet received mid-handshake and
// closes without answering in kind.
func (p *Peer) handshakeRejected(pkt *Packet) error {
	reasonText := "unknown"
	var body DisconnectingBody
	if err := pkt.DecodeBody(&body); err == nil {
		p.mu.Lock()
		reason := body.Reason
		p.recvReason = &reason
		p.mu.Unlock()
		reasonText = body.Reason.String()
	}
	p.Close(nil, "")
	return errWithDetail(ErrNotConnected, "handshake rejected by remote: %s", reasonText)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
