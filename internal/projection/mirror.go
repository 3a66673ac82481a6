package projection

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Misty4119/nds-api/internal/ir"
	"github.com/Misty4119/nds-api/internal/store"
)

// Mirror receives the items that changed in a fold batch. A mirror is a
// read cache for query surfaces; it is never read back by the engine.
type Mirror interface {
	Publish(ctx context.Context, projection string, changed map[string]ir.Value) error
}

// publish sends items whose canonical form changed since the last publish.
// Publish failures are logged and retried with the next batch.
func (e *Engine) publish(ctx context.Context, v *view) {
	if e.mirror == nil {
		return
	}
	it, ok := v.state.Object(ItemsKey)
	if !ok {
		return
	}
	if v.published == nil {
		v.published = map[string]string{}
	}
	changed := map[string]ir.Value{}
	digests := map[string]string{}
	for _, k := range it.SortedKeys() {
		b, err := ir.MarshalValue(it[k])
		if err != nil {
			e.logger.Warn("projection mirror skipped item", "projection", v.p.Name(), "key", k, "error", err)
			continue
		}
		if v.published[k] != string(b) {
			changed[k] = it[k]
			digests[k] = string(b)
		}
	}
	if len(changed) == 0 {
		return
	}
	if err := e.mirror.Publish(ctx, v.p.Name(), changed); err != nil {
		e.logger.Warn("projection mirror publish failed", "projection", v.p.Name(), "items", len(changed), "error", err)
		return
	}
	for k, d := range digests {
		v.published[k] = d
	}
}

// RedisMirror stores each projection as a Redis hash of canonical JSON
// items under <prefix><projection>.
type RedisMirror struct {
	client *redis.Client
	prefix string
}

// NewRedisMirror connects to addr.
func NewRedisMirror(addr, password string, db int, prefix string) *RedisMirror {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisMirror{client: client, prefix: prefix}
}

// Ping checks the connection.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *RedisMirror) key(projection string) string {
	return m.prefix + projection
}

// Publish writes the changed items in one MULTI/EXEC.
func (m *RedisMirror) Publish(ctx context.Context, projection string, changed map[string]ir.Value) error {
	pipe := m.client.TxPipeline()
	for k, v := range changed {
		b, err := ir.MarshalValue(v)
		if err != nil {
			return fmt.Errorf("mirror %s/%s: %w", projection, k, err)
		}
		pipe.HSet(ctx, m.key(projection), k, b)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mirror %s: %w", projection, err)
	}
	return nil
}

// Get reads one mirrored item. Missing items wrap store.ErrNotFound.
func (m *RedisMirror) Get(ctx context.Context, projection, key string) (ir.Value, error) {
	b, err := m.client.HGet(ctx, m.key(projection), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("mirror %s/%s: %w", projection, key, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("mirror %s/%s: %w", projection, key, err)
	}
	return ir.ParseValue(b)
}

// Clear deletes a mirrored projection, for example before a rebuild.
func (m *RedisMirror) Clear(ctx context.Context, projection string) error {
	return m.client.Del(ctx, m.key(projection)).Err()
}

// Close closes the client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
