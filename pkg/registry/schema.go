package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/latitude-dev/latitude-llm-sub007/pkg/kv"
)

const (
	// SchemaField is the reserved hash field holding the encoding version.
	SchemaField = "_schema"

	// SchemaLegacyBlob is the pre-hash layout: the whole scope serialized as
	// one JSON string, either an array of items or an id -> item object.
	SchemaLegacyBlob = 1
	// SchemaHashFields stores one hash field per item.
	SchemaHashFields = 2

	// CurrentSchemaVersion is what every write stamps.
	CurrentSchemaVersion = SchemaHashFields

	// schemaAbsent means the key does not exist.
	schemaAbsent = 0
	// schemaUnknown means the key holds a data type no version uses.
	schemaUnknown = -1

	// maxMigrationRounds bounds detect/apply rounds lost to concurrent writers.
	maxMigrationRounds = 5
)

// migration upgrades a scope from one schema version to the next. It returns
// how many items it rewrote. redis.TxFailedErr means a concurrent writer won
// and the chain should re-detect.
type migration struct {
	from  int
	to    int
	name  string
	apply func(ctx context.Context, key string) (int, error)
}

func (r *Registry[S, T]) migrations() map[int]migration {
	return map[int]migration{
		SchemaLegacyBlob: {
			from:  SchemaLegacyBlob,
			to:    SchemaHashFields,
			name:  "split-legacy-blob",
			apply: r.splitLegacyBlob,
		},
	}
}

// Migrate brings scope to the current schema version and returns the number
// of items rewritten. It is idempotent: scopes already stored as hashes are
// left untouched, and concurrent migrations of the same scope converge.
func (r *Registry[S, T]) Migrate(ctx context.Context, scope S) (int, error) {
	key, err := r.scopeKey(scope)
	if err != nil {
		return 0, err
	}
	r.current.Remove(key)
	return r.migrateKey(ctx, key)
}

func (r *Registry[S, T]) ensureSchema(ctx context.Context, key string) error {
	if r.current.Contains(key) {
		return nil
	}
	_, err := r.migrateKey(ctx, key)
	return err
}

func (r *Registry[S, T]) migrateKey(ctx context.Context, key string) (int, error) {
	chain := r.migrations()
	total := 0

	for round := 0; round < maxMigrationRounds; round++ {
		version, err := r.detectVersion(ctx, key)
		if err != nil {
			return total, errors.Wrapf(err, "failed to detect schema of %s", key)
		}

		switch {
		case version == schemaAbsent || version >= CurrentSchemaVersion:
			r.current.Add(key, struct{}{})
			return total, nil
		case version == schemaUnknown:
			if err := r.dropKey(ctx, key, "unexpected data type"); err != nil {
				return total, err
			}
			continue
		}

		step, ok := chain[version]
		if !ok {
			return total, errors.Errorf("no migration from schema version %d for %s", version, key)
		}

		n, err := step.apply(ctx, key)
		if kv.IsTxFailed(err) {
			continue
		}
		if err != nil {
			return total, errors.Wrapf(err, "migration %s failed for %s", step.name, key)
		}

		total += n
		schemaMigrations.WithLabelValues(r.cfg.Name, strconv.Itoa(step.from), strconv.Itoa(step.to)).Inc()
		r.logger.WithFields(log.Fields{
			"key":       key,
			"migration": step.name,
			"from":      step.from,
			"to":        step.to,
			"items":     n,
		}).Info("migrated active work scope")
	}

	return total, errors.Errorf("schema of %s kept changing during migration", key)
}

// detectVersion reads the key's data type and, for hashes, its schema tag.
func (r *Registry[S, T]) detectVersion(ctx context.Context, key string) (int, error) {
	rdb := r.client.Redis()

	typ, err := rdb.Type(ctx, key).Result()
	if err != nil {
		return 0, err
	}

	switch typ {
	case "none":
		return schemaAbsent, nil
	case "string":
		return SchemaLegacyBlob, nil
	case "hash":
		tag, err := rdb.HGet(ctx, key, SchemaField).Result()
		if kv.IsNil(err) {
			// Hashes written before the tag existed already use per-item fields.
			return SchemaHashFields, nil
		}
		if err != nil {
			return 0, err
		}
		version, err := strconv.Atoi(tag)
		if err != nil {
			r.logger.WithField("key", key).Warnf("unreadable schema tag %q; assuming hash layout", tag)
			return SchemaHashFields, nil
		}
		return version, nil
	default:
		return schemaUnknown, nil
	}
}

// splitLegacyBlob rewrites a JSON string scope into one hash field per item.
// The read and the rewrite are guarded by WATCH so readers see either the old
// string or the complete hash. Empty or unparsable values drop the key.
func (r *Registry[S, T]) splitLegacyBlob(ctx context.Context, key string) (int, error) {
	migrated := 0

	err := r.client.Redis().Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if kv.IsNil(err) || kv.IsWrongType(err) {
			// Gone or already migrated by someone else.
			return nil
		}
		if err != nil {
			return err
		}

		entries, skipped := decodeLegacy[T](raw)
		if skipped != nil {
			skippedEntries.WithLabelValues(r.cfg.Name, "malformed").Add(float64(len(skipped.Errors)))
			r.logger.WithFields(log.Fields{
				"key":     key,
				"skipped": len(skipped.Errors),
			}).WithError(skipped).Warn("skipped malformed legacy items")
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			if len(entries) == 0 {
				return nil
			}
			values := make([]any, 0, 2*len(entries)+2)
			for _, e := range entries {
				values = append(values, e.id, e.data)
			}
			values = append(values, SchemaField, CurrentSchemaVersion)
			pipe.HSet(ctx, key, values...)
			pipe.Expire(ctx, key, r.cfg.TTL)
			return nil
		})
		if err == nil {
			migrated = len(entries)
		}
		return err
	}, key)

	return migrated, err
}

func (r *Registry[S, T]) dropKey(ctx context.Context, key, reason string) error {
	r.logger.WithFields(log.Fields{"key": key, "reason": reason}).Warn("dropping unreadable active work scope")
	if err := r.client.Redis().Del(ctx, key).Err(); err != nil {
		return errors.Wrapf(err, "failed to drop %s", key)
	}
	return nil
}

type legacyEntry struct {
	id   string
	data []byte
}

// decodeLegacy parses a legacy scope value. Arrays take ids from the items;
// objects take ids from their keys when the item has none, which requires T
// to implement Identifiable. Unparsable
// elements are reported and skipped; an unparsable value yields no entries.
func decodeLegacy[T Item](raw string) ([]legacyEntry, *multierror.Error) {
	var skipped *multierror.Error
	trimmed := bytes.TrimSpace([]byte(raw))
	if len(trimmed) == 0 {
		return nil, nil
	}

	type element struct {
		key  string
		data json.RawMessage
	}
	var elements []element

	switch trimmed[0] {
	case '[':
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, multierror.Append(skipped, errors.Wrap(err, "legacy array"))
		}
		for _, data := range list {
			elements = append(elements, element{data: data})
		}
	case '{':
		var object map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &object); err != nil {
			return nil, multierror.Append(skipped, errors.Wrap(err, "legacy object"))
		}
		for k, data := range object {
			elements = append(elements, element{key: k, data: data})
		}
	default:
		return nil, multierror.Append(skipped, errors.New("legacy value is neither a JSON array nor object"))
	}

	entries := make([]legacyEntry, 0, len(elements))
	seen := make(map[string]bool, len(elements))
	for i, el := range elements {
		var item T
		if err := json.Unmarshal(el.data, &item); err != nil {
			skipped = multierror.Append(skipped, errors.Wrapf(err, "legacy element %d", i))
			continue
		}
		data := []byte(el.data)
		id := item.ItemID()
		if id == "" && el.key != "" {
			// The id lived only in the object key; write it into the item so
			// the migrated value is self-describing.
			withID, ok := any(item).(Identifiable[T])
			if !ok {
				skipped = multierror.Append(skipped, errors.Errorf("legacy element %q has no id and its type cannot take one", el.key))
				continue
			}
			item = withID.WithID(el.key)
			id = item.ItemID()
			encoded, err := json.Marshal(item)
			if err != nil {
				skipped = multierror.Append(skipped, errors.Wrapf(err, "legacy element %q", el.key))
				continue
			}
			data = encoded
		}
		if id == "" || id == SchemaField {
			skipped = multierror.Append(skipped, errors.Errorf("legacy element %d has no usable id", i))
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		var compact bytes.Buffer
		if err := json.Compact(&compact, data); err != nil {
			skipped = multierror.Append(skipped, errors.Wrapf(err, "legacy element %d", i))
			continue
		}
		entries = append(entries, legacyEntry{id: id, data: compact.Bytes()})
	}

	return entries, skipped
}
