package p2p

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testTimeouts() peerTimeouts {
	return peerTimeouts{stall: 2 * time.Second, ping: 200 * time.Millisecond, highWater: time.Second}
}

// tcpPair returns two ends of a real TCP connection so concurrent handshake
// writes do not deadlock the way net.Pipe would.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	dialed, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	select {
	case conn := <-accepted:
		return dialed, conn
	case <-time.After(time.Second):
		t.Fatal("accept timed out")
		return nil, nil
	}
}

type packetRecorder struct {
	mu      sync.Mutex
	packets []*Packet
}

func (r *packetRecorder) record(_ *Peer, pkt *Packet) {
	r.mu.Lock()
	r.packets = append(r.packets, pkt)
	r.mu.Unlock()
}

func (r *packetRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.packets)
}

// openPair handshakes two peers over a TCP pair and returns them open.
func openPair(t *testing.T, cbA, cbB peerCallbacks, toA, toB peerTimeouts) (*Peer, *Peer) {
	t.Helper()
	connA, connB := tcpPair(t)
	keyA := mustNodeKey(t)
	keyB := mustNodeKey(t)

	peerA := newInboundPeer(connA, cbA, toA, nil)
	peerB := newInboundPeer(connB, cbB, toB, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		init, err := peerA.BeginOpen(keyA, NodeState{}, "1.0.0", "")
		if err == nil {
			err = peerA.CompleteOpen(keyA, init)
		}
		errs[0] = err
	}()
	go func() {
		defer wg.Done()
		init, err := peerB.BeginOpen(keyB, NodeState{Pairs: []string{"LTC/BTC"}}, "1.0.0", "")
		if err == nil {
			err = peerB.CompleteOpen(keyB, init)
		}
		errs[1] = err
	}()
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, PeerOpen, peerA.State())
	require.Equal(t, PeerOpen, peerB.State())
	require.Equal(t, keyB.PubKeyHex(), peerA.PubKey())
	require.Equal(t, keyA.PubKeyHex(), peerB.PubKey())
	return peerA, peerB
}

func TestPeerHandshakeAndExchange(t *testing.T) {
	recA := &packetRecorder{}
	peerA, peerB := openPair(t,
		peerCallbacks{onPacket: recA.record},
		peerCallbacks{},
		testTimeouts(), testTimeouts())
	defer peerA.Close(nil, "")
	defer peerB.Close(nil, "")

	require.True(t, peerA.isPairActive("LTC/BTC"))
	require.False(t, peerA.isPairActive("XCH/BTC"))

	pkt, err := newPacket(PacketOrder, Order{ID: "o1", PairID: "LTC/BTC", Quantity: 1})
	require.NoError(t, err)
	require.NoError(t, peerB.SendPacket(pkt))

	deadline := time.Now().Add(2 * time.Second)
	for recA.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, recA.count())
}

func TestPeerHeartbeatKeepsSessionAlive(t *testing.T) {
	timeouts := peerTimeouts{stall: time.Second, ping: 100 * time.Millisecond, highWater: time.Second}
	peerA, peerB := openPair(t, peerCallbacks{}, peerCallbacks{}, timeouts, timeouts)
	defer peerA.Close(nil, "")
	defer peerB.Close(nil, "")

	// Well past the stall interval with no application traffic: pings alone
	// must keep both sides open.
	time.Sleep(1500 * time.Millisecond)
	require.Equal(t, PeerOpen, peerA.State())
	require.Equal(t, PeerOpen, peerB.State())
}

func TestPeerStallDetection(t *testing.T) {
	stalled := peerTimeouts{stall: 300 * time.Millisecond, ping: time.Hour, highWater: time.Second}
	quiet := peerTimeouts{stall: time.Hour, ping: time.Hour, highWater: time.Second}

	closedCh := make(chan *Peer, 1)
	peerA, peerB := openPair(t,
		peerCallbacks{onClose: func(p *Peer) { closedCh <- p }},
		peerCallbacks{},
		stalled, quiet)
	defer peerB.Close(nil, "")

	select {
	case <-closedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not close on stall")
	}
	reason := peerA.SentDisconnectionReason()
	require.NotNil(t, reason)
	require.Equal(t, ReasonResponseStalling, *reason)
}

func TestPeerRecordsRemoteDisconnectReason(t *testing.T) {
	closedCh := make(chan struct{}, 1)
	peerA, peerB := openPair(t,
		peerCallbacks{onClose: func(*Peer) { closedCh <- struct{}{} }},
		peerCallbacks{},
		testTimeouts(), testTimeouts())

	reason := ReasonShutdown
	peerB.Close(&reason, "")

	select {
	case <-closedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("peer did not observe remote close")
	}
	recv := peerA.RecvDisconnectionReason()
	require.NotNil(t, recv)
	require.Equal(t, ReasonShutdown, *recv)
	require.Nil(t, peerA.SentDisconnectionReason())
}

func TestPeerConnectRetriesRevoked(t *testing.T) {
	// Dial a port that refuses connections so every attempt fails fast.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr, err := ParseAddress(listener.Addr().String())
	require.NoError(t, err)
	listener.Close()

	peer := newOutboundPeer(addr, "", peerCallbacks{}, testTimeouts(), nil)
	done := make(chan error, 1)
	go func() {
		done <- peer.Connect(context.Background(), true)
	}()

	time.Sleep(50 * time.Millisecond)
	peer.RevokeConnectionRetries()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(2 * time.Second):
		t.Fatal("revoked dial did not return")
	}
}

func TestPeerConnectNoRetryFailsImmediately(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr, err := ParseAddress(listener.Addr().String())
	require.NoError(t, err)
	listener.Close()

	peer := newOutboundPeer(addr, "", peerCallbacks{}, testTimeouts(), nil)
	start := time.Now()
	require.Error(t, peer.Connect(context.Background(), false))
	require.Less(t, time.Since(start), 5*time.Second)
}
