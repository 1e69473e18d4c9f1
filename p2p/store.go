package p2p

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/opendexnet/opendexd/storage"
)

// Node is the persistent record of a known network identity.
type Node struct {
	PubKey          string    `json:"pubKey"`
	Addresses       []Address `json:"addresses"`
	LastAddress     *Address  `json:"lastAddress,omitempty"`
	ReputationScore int64     `json:"reputationScore"`
	Banned          bool      `json:"banned"`

	// seq preserves catalog insertion order across restarts.
	seq uint64
}

func (n *Node) clone() *Node {
	out := *n
	out.Addresses = append([]Address(nil), n.Addresses...)
	if n.LastAddress != nil {
		addr := *n.LastAddress
		out.LastAddress = &addr
	}
	return &out
}

// NodeStore persists Node records. Persistence is best-effort: the pool logs
// and continues on store failures.
type NodeStore interface {
	Load() ([]*Node, error)
	Upsert(node *Node) error
	Remove(pubKey string) error
}

const nodeKeyPrefix = "node:"

type storedNode struct {
	Node
	Seq uint64 `json:"seq"`
}

// DBNodeStore keeps Node records in a storage.Database under a "node:" key
// prefix, one JSON blob per node.
type DBNodeStore struct {
	db storage.Database
}

func NewDBNodeStore(db storage.Database) *DBNodeStore {
	return &DBNodeStore{db: db}
}

func (s *DBNodeStore) Load() ([]*Node, error) {
	var nodes []*Node
	err := s.db.Iterate([]byte(nodeKeyPrefix), func(key, value []byte) error {
		var stored storedNode
		if err := json.Unmarshal(value, &stored); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		node := stored.Node
		node.seq = stored.Seq
		nodes = append(nodes, &node)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].seq < nodes[j].seq })
	return nodes, nil
}

func (s *DBNodeStore) Upsert(node *Node) error {
	pubKey := strings.TrimSpace(node.PubKey)
	if pubKey == "" {
		return fmt.Errorf("upsert node: empty pubkey")
	}
	blob, err := json.Marshal(storedNode{Node: *node, Seq: node.seq})
	if err != nil {
		return err
	}
	return s.db.Put([]byte(nodeKeyPrefix+pubKey), blob)
}

func (s *DBNodeStore) Remove(pubKey string) error {
	return s.db.Delete([]byte(nodeKeyPrefix + strings.TrimSpace(pubKey)))
}
