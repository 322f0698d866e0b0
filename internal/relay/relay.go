// Package relay fans content and cursor traffic out across server instances
// through redis pub/sub, so a document's edits reach sessions whose websockets
// terminate on another node. Presence stays node-local: rosters list only the
// connections of the node that built them, so interactive collaborators belong
// on one node and the relay serves cross-node observers such as the headless
// agent. Single-node deployments run without it.
package relay

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const channel = "collab:rooms"

// Message is one relayed room push. Node filters out a node's own publishes;
// OriginConn lets receivers keep excluding the original sender.
type Message struct {
	Node         string          `json:"node"`
	OriginConn   string          `json:"originConn"`
	DocumentType string          `json:"documentType"`
	DocumentID   string          `json:"documentId"`
	Payload      json.RawMessage `json:"payload"`
}

type Redis struct {
	rdb  *redis.Client
	node string
}

func NewRedis(ctx context.Context, addr, node string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Redis{rdb: rdb, node: node}, nil
}

// Publish sends a room push to the other nodes. Fire-and-forget: a failed
// publish is logged and dropped, matching the in-room delivery contract.
func (r *Redis) Publish(ctx context.Context, m Message) {
	m.Node = r.node
	data, err := json.Marshal(m)
	if err != nil {
		log.Error().Err(err).Msg("relay: marshal failed")
		return
	}
	if err := r.rdb.Publish(ctx, channel, data).Err(); err != nil {
		log.Warn().Err(err).Str("doc", m.DocumentType+"/"+m.DocumentID).Msg("relay: publish failed")
	}
}

// Run subscribes and invokes handler for every message published by another
// node. Blocks until the context is canceled.
func (r *Redis) Run(ctx context.Context, handler func(Message)) error {
	pubsub := r.rdb.Subscribe(ctx, channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				log.Warn().Err(err).Msg("relay: dropping malformed message")
				continue
			}
			if m.Node == r.node {
				continue
			}
			handler(m)
		}
	}
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
