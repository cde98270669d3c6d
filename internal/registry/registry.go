// Package registry publishes this node's instance set to a
// hierarchical coordination store with plain put, delete, and
// path-prefixed list calls; it uses no blocking queries or watches.
// Consul's KV tree maps directly onto
// "/registry/{versionKey}/{nodeIp}:{port}" paths.
package registry

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/hashicorp/consul/api"

	"github.com/appscale/aim/internal/aimerr"
	"github.com/appscale/aim/internal/model"
)

const rootKey = "registry"

// kvStore is the subset of *api.KV the registry client drives. Scoped
// to an interface so tests can substitute an in-memory fake instead of
// a live Consul agent.
type kvStore interface {
	Put(p *api.KVPair, w *api.WriteOptions) (*api.WriteMeta, error)
	Delete(key string, w *api.WriteOptions) (*api.WriteMeta, error)
	List(prefix string, q *api.QueryOptions) (api.KVPairs, *api.QueryMeta, error)
}

// Client is the Registry Client .
type Client struct {
	kv kvStore
	nodeIP string
}

// New builds a registry Client over an existing Consul client. The
// caller owns the client's lifecycle (TLS, ACL token, retry transport).
func New(consul *api.Client, nodeIP string) *Client {
	return &Client{kv: consul.KV(), nodeIP: nodeIP}
}

// NewWithStore builds a registry Client over an arbitrary kvStore
// implementation, primarily for tests.
func NewWithStore(kv kvStore, nodeIP string) *Client {
	return &Client{kv: kv, nodeIP: nodeIP}
}

// NewFromAddr is a convenience constructor for the common case of a
// local Consul agent.
func NewFromAddr(addr, nodeIP string) (*Client, error) {
	cfg := api.DefaultConfig()
	cfg.Address = addr
	c, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("registry: new consul client: %w", err)
	}
	return New(c, nodeIP), nil
}

func versionPrefix(vk model.VersionKey) string {
	return rootKey + "/" + vk.String() + "/"
}

// EnsureVersionPath creates the version's parent node with an empty
// payload if it doesn't already exist, without declaring any
// instance under it — the registry path must exist before the start
// request returns, ahead of the background probe-then-declare.
func (c *Client) EnsureVersionPath(ctx context.Context, vk model.VersionKey) error {
	parent := versionPrefix(vk)
	if _, err := c.kv.Put(&api.KVPair{Key: parent, Value: nil}, writeOpts(ctx)); err != nil {
		return aimerr.Wrap(aimerr.Internal, err, "registry: ensure version path %s", parent)
	}
	return nil
}

// Declare creates "/registry/{versionKey}/{nodeIp}:{port}" with value
// revisionId, overwriting any existing payload, and ensures the
// version's parent node exists with an empty payload.
func (c *Client) Declare(ctx context.Context, entry model.InstanceEntry) error {
	parent := versionPrefix(entry.VersionKey)
	if _, err := c.kv.Put(&api.KVPair{Key: parent, Value: nil}, writeOpts(ctx)); err != nil {
		return aimerr.Wrap(aimerr.Internal, err, "registry: ensure version path %s", parent)
	}

	key := parent + fmt.Sprintf("%s:%d", entry.NodeIP, entry.Port)
	pair := &api.KVPair{Key: key, Value: []byte(entry.RevisionID)}
	if _, err := c.kv.Put(pair, writeOpts(ctx)); err != nil {
		return aimerr.Wrap(aimerr.Internal, err, "registry: declare %s", key)
	}
	return nil
}

// Retract deletes the registry node for instance if it exists. A
// missing node is success (CoordinationMissing is swallowed).
func (c *Client) Retract(ctx context.Context, vk model.VersionKey, nodeIP string, port int) error {
	key := versionPrefix(vk) + fmt.Sprintf("%s:%d", nodeIP, port)
	if _, err := c.kv.Delete(key, writeOpts(ctx)); err != nil {
		return aimerr.Wrap(aimerr.Internal, err, "registry: retract %s", key)
	}
	return nil
}

// ListLocal walks /registry/*, keeping only children whose nodeIp
// component equals this node's IP, and returns the Instance set
// recovered from each payload.
func (c *Client) ListLocal(ctx context.Context) ([]model.InstanceEntry, error) {
	pairs, _, err := c.kv.List(rootKey+"/", queryOpts(ctx))
	if err != nil {
		return nil, aimerr.Wrap(aimerr.Internal, err, "registry: list")
	}

	var out []model.InstanceEntry
	for _, pair := range pairs {
		rel := strings.TrimPrefix(pair.Key, rootKey+"/")
		parts := strings.Split(strings.TrimSuffix(rel, "/"), "/")
		if len(parts) != 2 || parts[1] == "" {
			continue // the version's own empty-payload marker node
		}
		vk, err := model.ParseVersionKey(parts[0])
		if err != nil {
			log.Printf("registry: skipping malformed version path %q: %v", parts[0], err)
			continue
		}

		host, portStr, found := strings.Cut(parts[1], ":")
		if !found || host != c.nodeIP {
			continue
		}
		var port int
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
			log.Printf("registry: skipping malformed port in %q: %v", pair.Key, err)
			continue
		}

		out = append(out, model.InstanceEntry{
			VersionKey: vk,
			NodeIP: host,
			Port: port,
			RevisionID: string(pair.Value),
		})
	}
	return out, nil
}

// Reconcile brings the registry in line with liveSet: entries
// registered for this node that are not in liveSet are retracted;
// instances in liveSet not yet registered are declared.
func (c *Client) Reconcile(ctx context.Context, liveSet []model.InstanceEntry) error {
	registered, err := c.ListLocal(ctx)
	if err != nil {
		return err
	}

	live := make(map[string]model.InstanceEntry, len(liveSet))
	for _, e := range liveSet {
		live[e.RegistryKey()] = e
	}
	have := make(map[string]model.InstanceEntry, len(registered))
	for _, e := range registered {
		have[e.RegistryKey()] = e
	}

	for key, e := range have {
		if _, ok := live[key]; !ok {
			if err := c.Retract(ctx, e.VersionKey, e.NodeIP, e.Port); err != nil {
				return err
			}
		}
	}
	for key, e := range live {
		if _, ok := have[key]; !ok {
			if err := c.Declare(ctx, e); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeOpts(ctx context.Context) *api.WriteOptions {
	return (&api.WriteOptions{}).WithContext(ctx)
}

func queryOpts(ctx context.Context) *api.QueryOptions {
	return (&api.QueryOptions{}).WithContext(ctx)
}
