package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/avast/retry-go"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/latitude-dev/latitude-llm-sub007/pkg/kv"
)

// Scope identifies the hash a group of items lives in.
type Scope interface {
	// KeyParts returns the key segments appended to the registry prefix.
	KeyParts() []string
	Validate() error
}

// Item is an ephemeral record of one in-flight unit of work.
type Item interface {
	// ItemID is the item's identity inside its scope.
	ItemID() string
	// QueuedTime is when the work was enqueued; used for staleness.
	QueuedTime() time.Time
	// StartedTime is when the work started, zero if it has not.
	StartedTime() time.Time
}

// Identifiable is implemented by item types that can be given an id. Legacy
// scopes keyed by id with id-less values are only migratable for such types.
type Identifiable[T any] interface {
	WithID(id string) T
}

// Registry stores items of type T grouped by scopes of type S.
type Registry[S Scope, T Item] struct {
	client  *kv.Client
	cfg     Config
	logger  log.FieldLogger
	current *lru.Cache
	now     func() time.Time
}

// New creates a registry. cfg.Name and cfg.Prefix are required; other zero
// fields take DefaultConfig values.
func New[S Scope, T Item](client *kv.Client, cfg Config, logger log.FieldLogger) (*Registry[S, T], error) {
	if client == nil {
		return nil, errors.New("store client cannot be nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	cache, err := lru.New(cfg.SchemaCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create schema cache")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}

	return &Registry[S, T]{
		client:  client,
		cfg:     cfg,
		logger:  logger.WithFields(log.Fields{"component": "registry", "registry": cfg.Name}),
		current: cache,
		now:     time.Now,
	}, nil
}

// Name returns the registry's label.
func (r *Registry[S, T]) Name() string {
	return r.cfg.Name
}

// Key returns the hash key backing scope.
func (r *Registry[S, T]) Key(scope S) string {
	return kv.Key(append([]string{r.cfg.Prefix}, scope.KeyParts()...)...)
}

func (r *Registry[S, T]) scopeKey(scope S) (string, error) {
	if err := scope.Validate(); err != nil {
		return "", errors.Wrap(err, "invalid scope")
	}
	return r.Key(scope), nil
}

// Create stores item under scope, replacing any item with the same id, and
// refreshes the scope TTL in the same transaction. Returns the stored item.
func (r *Registry[S, T]) Create(ctx context.Context, scope S, item T) (T, error) {
	var zero T
	key, err := r.scopeKey(scope)
	if err != nil {
		return zero, err
	}
	id := item.ItemID()
	if id == "" {
		return zero, errors.New("item id cannot be empty")
	}
	if id == SchemaField {
		return zero, errors.Errorf("item id %q is reserved", id)
	}

	data, err := json.Marshal(item)
	if err != nil {
		return zero, errors.Wrap(err, "failed to encode item")
	}

	err = r.withSchema(ctx, key, func() error {
		_, err := r.client.Redis().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			r.writeItem(ctx, pipe, key, id, data)
			return nil
		})
		return err
	})
	if err != nil {
		return zero, errors.Wrapf(err, "failed to create item %s in %s", id, key)
	}

	return item, nil
}

// Get returns one item, or a NotFoundError.
func (r *Registry[S, T]) Get(ctx context.Context, scope S, id string) (T, error) {
	var zero T
	key, err := r.scopeKey(scope)
	if err != nil {
		return zero, err
	}

	var raw string
	err = r.withSchema(ctx, key, func() error {
		var err error
		raw, err = r.client.Redis().HGet(ctx, key, id).Result()
		return err
	})
	if kv.IsNil(err) {
		return zero, r.notFound(key, id)
	}
	if err != nil {
		return zero, errors.Wrapf(err, "failed to read item %s from %s", id, key)
	}

	return r.decode(id, raw)
}

// Update merges the JSON object encoding of patch over the stored item.
// Fields absent from the patch are preserved. The write only lands if the
// item is still what the merge was computed from; otherwise the merge is
// redone after a short jittered backoff, so no concurrent update of the same
// item is silently lost and writers of other items never interfere. Returns
// the merged item.
//
// A missing item yields a NotFoundError after the DiagnosticProbes re-reads,
// which delay that return by up to DiagnosticDelay*(2^DiagnosticProbes-1)
// (70ms with the defaults). Set DiagnosticProbes to 0 to return at once.
func (r *Registry[S, T]) Update(ctx context.Context, scope S, id string, patch any) (T, error) {
	var zero T
	key, err := r.scopeKey(scope)
	if err != nil {
		return zero, err
	}
	fields, err := encodePatch(patch)
	if err != nil {
		return zero, err
	}

	var updated T
	err = r.withSchema(ctx, key, func() error {
		var err error
		updated, err = r.compareAndMerge(ctx, key, id, fields)
		return err
	})
	if IsNotFound(err) {
		r.diagnoseMissing(ctx, key, id)
		return zero, err
	}
	if err != nil {
		return zero, errors.Wrapf(err, "failed to update item %s in %s", id, key)
	}

	return updated, nil
}

// errItemChanged means another writer replaced the item between our read
// and our write.
var errItemChanged = errors.New("item changed concurrently")

// casItemScript replaces one item only while it still holds the value the
// merge was computed from, so writers of other items in the scope never
// conflict. Returns -1 when the item is gone, 0 when it changed and 1 once
// written.
var casItemScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], ARGV[1])
if not current then
	return -1
end
if current ~= ARGV[2] then
	return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[3], ARGV[4], ARGV[5])
redis.call("PEXPIRE", KEYS[1], ARGV[6])
return 1
`)

func (r *Registry[S, T]) compareAndMerge(ctx context.Context, key, id string, fields map[string]json.RawMessage) (T, error) {
	var merged T
	rdb := r.client.Redis()

	err := retry.Do(
		func() error {
			raw, err := rdb.HGet(ctx, key, id).Result()
			if kv.IsNil(err) {
				return r.notFound(key, id)
			}
			if err != nil {
				return err
			}

			data, item, err := mergeItem[T](raw, fields)
			if err != nil {
				return errors.Wrapf(err, "failed to merge item %s", id)
			}
			if item.ItemID() != id {
				return errors.Errorf("update cannot change item id %s to %s", id, item.ItemID())
			}

			written, err := casItemScript.Run(ctx, rdb, []string{key},
				id, raw, data, SchemaField, CurrentSchemaVersion, r.cfg.TTL.Milliseconds()).Int64()
			if err != nil {
				return err
			}
			switch written {
			case -1:
				return r.notFound(key, id)
			case 0:
				updateConflicts.WithLabelValues(r.cfg.Name).Inc()
				return errItemChanged
			}
			merged = item
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(r.cfg.UpdateRetries)+1),
		retry.Delay(time.Millisecond),
		retry.MaxJitter(time.Millisecond),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, errItemChanged)
		}),
	)
	if errors.Is(err, errItemChanged) {
		return merged, errors.Wrapf(ErrUpdateConflict, "gave up after %d attempts", r.cfg.UpdateRetries+1)
	}
	return merged, err
}

// Delete removes an item and returns its last snapshot, or a NotFoundError.
func (r *Registry[S, T]) Delete(ctx context.Context, scope S, id string) (T, error) {
	var zero T
	key, err := r.scopeKey(scope)
	if err != nil {
		return zero, err
	}

	var raw string
	err = r.withSchema(ctx, key, func() error {
		var get *redis.StringCmd
		_, err := r.client.Redis().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			get = pipe.HGet(ctx, key, id)
			pipe.HDel(ctx, key, id)
			return nil
		})
		if err != nil && !kv.IsNil(err) {
			return err
		}
		raw, err = get.Result()
		return err
	})
	if kv.IsNil(err) {
		return zero, r.notFound(key, id)
	}
	if err != nil {
		return zero, errors.Wrapf(err, "failed to delete item %s from %s", id, key)
	}

	return r.decode(id, raw)
}

// writeItem queues the item write, the schema stamp and the TTL refresh.
func (r *Registry[S, T]) writeItem(ctx context.Context, pipe redis.Pipeliner, key, id string, data []byte) {
	pipe.HSet(ctx, key, id, data, SchemaField, CurrentSchemaVersion)
	pipe.Expire(ctx, key, r.cfg.TTL)
}

func (r *Registry[S, T]) decode(id, raw string) (T, error) {
	var item T
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return item, errors.Wrapf(err, "stored item %s is malformed", id)
	}
	return item, nil
}

func (r *Registry[S, T]) notFound(key, id string) error {
	return &NotFoundError{Registry: r.cfg.Name, Key: key, ID: id}
}

// withSchema makes sure key is at the current schema version, runs op, and
// if op still hits a WRONGTYPE reply migrates inline and retries op once.
func (r *Registry[S, T]) withSchema(ctx context.Context, key string, op func() error) error {
	if err := r.ensureSchema(ctx, key); err != nil {
		return err
	}

	err := op()
	if !kv.IsWrongType(err) {
		return err
	}

	r.current.Remove(key)
	r.logger.WithField("key", key).Warn("type mismatch on scope; migrating and retrying")
	if _, merr := r.migrateKey(ctx, key); merr != nil {
		return errors.Wrap(merr, "migration after type mismatch failed")
	}
	return op()
}

// encodePatch turns a patch value (struct with omitempty fields or map) into
// the set of top-level JSON fields it overrides.
func encodePatch(patch any) (map[string]json.RawMessage, error) {
	if patch == nil {
		return map[string]json.RawMessage{}, nil
	}
	data, err := json.Marshal(patch)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode patch")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, errors.Wrap(err, "patch must encode to a JSON object")
	}
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	return fields, nil
}

// mergeItem overlays fields on the stored JSON object and decodes the result.
func mergeItem[T Item](raw string, fields map[string]json.RawMessage) ([]byte, T, error) {
	var item T
	var stored map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, item, errors.Wrap(err, "stored item is malformed")
	}
	if stored == nil {
		stored = map[string]json.RawMessage{}
	}
	for name, value := range fields {
		stored[name] = value
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, item, err
	}
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, item, errors.Wrap(err, "merged item is invalid")
	}
	return data, item, nil
}
