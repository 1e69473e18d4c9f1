package p2p

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		input   string
		host    string
		port    uint16
		wantErr bool
	}{
		{input: "127.0.0.1:9735", host: "127.0.0.1", port: 9735},
		{input: "[::1]:9735", host: "::1", port: 9735},
		{input: "node.example.com:8885", host: "node.example.com", port: 8885},
		{input: "3g2upl4pq6kufc4m.onion:9735", host: "3g2upl4pq6kufc4m.onion", port: 9735},
		{input: "127.0.0.1", wantErr: true},
		{input: "127.0.0.1:99999", wantErr: true},
		{input: ":9735", wantErr: true},
	}
	for _, tt := range tests {
		addr, err := ParseAddress(tt.input)
		if tt.wantErr {
			require.Error(t, err, tt.input)
			continue
		}
		require.NoError(t, err, tt.input)
		require.Equal(t, tt.host, addr.Host)
		require.Equal(t, tt.port, addr.Port)
	}
}

func TestAddressEqualIgnoresLastConnected(t *testing.T) {
	a := Address{Host: "10.0.0.1", Port: 9735, LastConnected: time.Now()}
	b := Address{Host: "10.0.0.1", Port: 9735}
	require.True(t, a.Equal(b))
	require.False(t, a.Equal(Address{Host: "10.0.0.1", Port: 9736}))
	require.False(t, a.Equal(Address{Host: "10.0.0.2", Port: 9735}))
}

func TestIsOnion(t *testing.T) {
	require.True(t, Address{Host: "abcdef.onion", Port: 1}.IsOnion())
	require.True(t, Address{Host: "ABCDEF.ONION", Port: 1}.IsOnion())
	require.False(t, Address{Host: "onion.example.com", Port: 1}.IsOnion())
}

func TestSortByLastConnected(t *testing.T) {
	now := time.Now()
	addrs := []Address{
		{Host: "a", Port: 1},
		{Host: "b", Port: 1, LastConnected: now.Add(-time.Hour)},
		{Host: "c", Port: 1, LastConnected: now},
	}
	sortByLastConnected(addrs)
	require.Equal(t, "c", addrs[0].Host)
	require.Equal(t, "b", addrs[1].Host)
	require.Equal(t, "a", addrs[2].Host)
}

func TestDedupeAddresses(t *testing.T) {
	addrs := []Address{
		{Host: "a", Port: 1},
		{Host: "a", Port: 1, LastConnected: time.Now()},
		{Host: "a", Port: 2},
	}
	deduped := dedupeAddresses(addrs)
	require.Len(t, deduped, 2)
}

func TestMergeLastConnectedPreservesStamps(t *testing.T) {
	stamp := time.Now().Add(-time.Minute)
	existing := []Address{{Host: "a", Port: 1, LastConnected: stamp}}
	updated := []Address{{Host: "a", Port: 1}, {Host: "b", Port: 2}}
	merged := mergeLastConnected(updated, existing)
	require.True(t, merged[0].LastConnected.Equal(stamp))
	require.True(t, merged[1].LastConnected.IsZero())
}

func TestIsSelfAddress(t *testing.T) {
	require.True(t, isSelfAddress(Address{Host: "127.0.0.1", Port: 9735}, 9735))
	require.False(t, isSelfAddress(Address{Host: "127.0.0.1", Port: 9735}, 9736))
	require.False(t, isSelfAddress(Address{Host: "192.0.2.55", Port: 9735}, 9735))
}
