package p2p

import (
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func fixedUUID(b byte) uuid.UUID {
	var id uuid.UUID
	for i := range id {
		id[i] = b
	}
	return id
}

// The envelope encoding is wire-stable; these vectors pin it.
func TestEncodePacketVectors(t *testing.T) {
	reqID := fixedUUID(0xBB)
	tests := []struct {
		name string
		pkt  Packet
		hex  string
	}{
		{
			name: "ping",
			pkt:  Packet{Type: PacketPing, ID: fixedUUID(0xAA), Body: []byte("{}")},
			hex: "00000014" + // length 20
				"03" + "00" + // type, flags
				"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" +
				"7b7d",
		},
		{
			name: "pong with reqId",
			pkt:  Packet{Type: PacketPong, ID: fixedUUID(0x11), ReqID: &reqID, Body: []byte("{}")},
			hex: "00000024" + // length 36
				"04" + "01" +
				"11111111111111111111111111111111" +
				"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb" +
				"7b7d",
		},
		{
			name: "disconnecting",
			pkt:  Packet{Type: PacketDisconnecting, ID: fixedUUID(0x02), Body: []byte(`{"reason":8}`)},
			hex: "0000001e" +
				"05" + "00" +
				"02020202020202020202020202020202" +
				hex.EncodeToString([]byte(`{"reason":8}`)),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodePacket(&tt.pkt)
			require.NoError(t, err)
			require.Equal(t, tt.hex, hex.EncodeToString(frame))

			decoded, err := DecodePacket(frame[frameHeaderSize:])
			require.NoError(t, err)
			require.Equal(t, tt.pkt.Type, decoded.Type)
			require.Equal(t, tt.pkt.ID, decoded.ID)
			require.Equal(t, tt.pkt.Body, decoded.Body)
			if tt.pkt.ReqID != nil {
				require.NotNil(t, decoded.ReqID)
				require.Equal(t, *tt.pkt.ReqID, *decoded.ReqID)
			} else {
				require.Nil(t, decoded.ReqID)
			}
		})
	}
}

func TestDecodePacketRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"short", []byte{0x01, 0x00}},
		{"unknown type", append([]byte{0xFF, 0x00}, make([]byte, 16)...)},
		{"unknown flags", append([]byte{0x01, 0x80}, make([]byte, 16)...)},
		{"truncated reqId", append([]byte{0x04, 0x01}, make([]byte, 16)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePacket(tt.payload)
			require.ErrorIs(t, err, ErrMalformedPacket)
		})
	}
}

func TestFramerRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	out := NewFramer(client)
	in := NewFramer(server)

	sent, err := newPacket(PacketOrder, Order{ID: "order-1", PairID: "LTC/BTC", Price: 0.0123, Quantity: 2, IsBuy: true})
	if err != nil {
		t.Fatalf("build packet: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- out.WritePacket(sent, time.Now().Add(time.Second))
	}()

	got, err := in.ReadPacket(time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("read packet: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("write packet: %v", err)
	}

	if got.Type != PacketOrder || got.ID != sent.ID {
		t.Fatalf("unexpected packet %s id %s", got.Type, got.ID)
	}
	var order Order
	if err := got.DecodeBody(&order); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if order.PairID != "LTC/BTC" || !order.IsBuy {
		t.Fatalf("unexpected order %+v", order)
	}
}

func TestFramerRejectsOversizedFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		header := []byte{0x02, 0x00, 0x00, 0x01} // one byte past 32 MiB
		client.Write(header)
	}()

	f := NewFramer(server)
	_, err := f.ReadPacket(time.Now().Add(time.Second))
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFramerReportsTruncatedStream(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go func() {
		// Announce 100 bytes, deliver 10, then close.
		client.Write([]byte{0x00, 0x00, 0x00, 0x64})
		client.Write(make([]byte, 10))
		client.Close()
	}()

	f := NewFramer(server)
	_, err := f.ReadPacket(time.Now().Add(time.Second))
	require.ErrorIs(t, err, ErrUnexpectedEOF)
}
