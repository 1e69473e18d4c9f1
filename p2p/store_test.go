package p2p

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opendexnet/opendexd/storage"
)

func TestDBNodeStoreRoundTrip(t *testing.T) {
	db := storage.NewMemDB()
	store := NewDBNodeStore(db)

	last := Address{Host: "192.0.2.9", Port: 9735}
	node := &Node{
		PubKey:          "aa01",
		Addresses:       []Address{last, {Host: "example.onion", Port: 9735}},
		LastAddress:     &last,
		ReputationScore: -30,
		seq:             7,
	}
	require.NoError(t, store.Upsert(node))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	got := loaded[0]
	require.Equal(t, "aa01", got.PubKey)
	require.Len(t, got.Addresses, 2)
	require.NotNil(t, got.LastAddress)
	require.True(t, got.LastAddress.Equal(last))
	require.Equal(t, int64(-30), got.ReputationScore)
	require.Equal(t, uint64(7), got.seq)

	require.NoError(t, store.Remove("aa01"))
	loaded, err = store.Load()
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func TestDBNodeStoreLoadOrdersBySequence(t *testing.T) {
	store := NewDBNodeStore(storage.NewMemDB())
	require.NoError(t, store.Upsert(&Node{PubKey: "zz", seq: 1}))
	require.NoError(t, store.Upsert(&Node{PubKey: "aa", seq: 2}))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, "zz", loaded[0].PubKey)
	require.Equal(t, "aa", loaded[1].PubKey)
}

func TestDBNodeStoreRejectsEmptyPubKey(t *testing.T) {
	store := NewDBNodeStore(storage.NewMemDB())
	require.Error(t, store.Upsert(&Node{}))
}

func TestDBNodeStoreOnLevelDB(t *testing.T) {
	db, err := storage.NewLevelDB(filepath.Join(t.TempDir(), "nodes"))
	require.NoError(t, err)
	defer db.Close()

	store := NewDBNodeStore(db)
	require.NoError(t, store.Upsert(&Node{PubKey: "aa01", Banned: true, seq: 1}))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.True(t, loaded[0].Banned)
}
