// Package redisfanout provides a cross-instance broadcast Extension
// backed by Redis pub/sub: onChange publishes the update to a
// per-document channel, and a background subscriber hands updates
// published by other server processes to the registry, which merges
// them into the local document state and rebroadcasts them to this
// process's local connections.
package redisfanout

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Polqt/collabd/internal/ext"
)

// LocalBroadcaster merges an update received from a peer server
// instance into the local document state and delivers it to every
// local connection for documentName. Implemented by the document
// registry; kept as a narrow interface here to avoid an import cycle
// between ext/redisfanout and docregistry.
type LocalBroadcaster interface {
	BroadcastLocalUpdate(documentName string, update []byte)
}

// Extension publishes locally-originated updates to Redis and
// rebroadcasts remotely-originated updates to local connections.
type Extension struct {
	ext.Base

	client      *redis.Client
	broadcaster LocalBroadcaster
	logger      zerolog.Logger
	instanceID  []byte

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

const channelPrefix = "collab:doc:"

// instanceIDLen is the fixed-width instance tag prepended to every
// published message so the subscriber can recognize and skip messages
// this same process published, avoiding a publish/rebroadcast loop.
const instanceIDLen = 16

// New returns a fan-out extension. broadcaster is invoked for every
// message this process receives from Redis that did not originate here.
func New(client *redis.Client, broadcaster LocalBroadcaster, logger zerolog.Logger) *Extension {
	id := uuid.New()
	return &Extension{client: client, broadcaster: broadcaster, logger: logger, instanceID: id[:]}
}

// Priority runs after persistence so a store failure doesn't suppress
// fan-out, and before nothing in particular — fan-out has no ordering
// dependency on other extensions.
func (e *Extension) Priority() int32 { return -10 }

// OnConfigure starts the background subscriber exactly once.
func (e *Extension) OnConfigure(ctx context.Context, p *ext.ConfigurePayload) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	subCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.started = true
	go e.subscribeLoop(subCtx)
	return nil
}

// OnDestroy stops the background subscriber.
func (e *Extension) OnDestroy(ctx context.Context, p *ext.DestroyPayload) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
	return nil
}

// OnChange publishes the update to this document's Redis channel,
// tagged with this process's instance id so the subscribe loop can skip
// its own publications.
func (e *Extension) OnChange(ctx context.Context, p *ext.OnChangePayload) error {
	tagged := make([]byte, 0, instanceIDLen+len(p.Update))
	tagged = append(tagged, e.instanceID...)
	tagged = append(tagged, p.Update...)
	return e.client.Publish(ctx, channelPrefix+p.DocumentName, tagged).Err()
}

func (e *Extension) subscribeLoop(ctx context.Context) {
	sub := e.client.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			payload := []byte(msg.Payload)
			if len(payload) < instanceIDLen {
				continue
			}
			if bytes.Equal(payload[:instanceIDLen], e.instanceID) {
				continue // our own publication; already broadcast locally
			}
			docName := msg.Channel[len(channelPrefix):]
			e.broadcaster.BroadcastLocalUpdate(docName, payload[instanceIDLen:])
		}
	}
}
