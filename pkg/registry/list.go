package registry

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Page is one page of List results.
type Page[T Item] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

// List returns the live items of a scope, most recently started first
// (queuedAt breaks ties), paginated. page is 1-based; pageSize <= 0 returns
// every item. Malformed entries are skipped and items queued longer ago than
// the max age are dropped from the result and pruned from the store unless
// they were rewritten in the meantime.
func (r *Registry[S, T]) List(ctx context.Context, scope S, page, pageSize int) (*Page[T], error) {
	key, err := r.scopeKey(scope)
	if err != nil {
		return nil, err
	}

	var fields map[string]string
	err = r.withSchema(ctx, key, func() error {
		var err error
		fields, err = r.client.Redis().HGetAll(ctx, key).Result()
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list items in %s", key)
	}

	items, stale := r.collect(key, fields)
	if len(stale) > 0 {
		r.prune(ctx, key, stale)
	}
	sortItems(items)

	return paginate(items, page, pageSize), nil
}

// collect decodes hash fields, separating live items from stale ones. Stale
// items are returned as id -> the raw value that was read.
func (r *Registry[S, T]) collect(key string, fields map[string]string) ([]T, map[string]string) {
	cutoff := r.now().Add(-r.cfg.MaxAge)
	items := make([]T, 0, len(fields))
	stale := make(map[string]string)
	var skipped *multierror.Error

	for id, raw := range fields {
		if id == SchemaField {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			skipped = multierror.Append(skipped, errors.Wrapf(err, "item %s", id))
			continue
		}
		if item.QueuedTime().Before(cutoff) {
			stale[id] = raw
			continue
		}
		items = append(items, item)
	}

	if skipped != nil {
		skippedEntries.WithLabelValues(r.cfg.Name, "malformed").Add(float64(len(skipped.Errors)))
		r.logger.WithFields(log.Fields{
			"key":     key,
			"skipped": len(skipped.Errors),
		}).WithError(skipped).Warn("skipped malformed items while listing")
	}
	return items, stale
}

// pruneScript deletes each field only while it still holds the stale value
// that was read, so an item re-created or refreshed since survives.
var pruneScript = redis.NewScript(`
local pruned = 0
for i = 1, #ARGV, 2 do
	if redis.call("HGET", KEYS[1], ARGV[i]) == ARGV[i + 1] then
		pruned = pruned + redis.call("HDEL", KEYS[1], ARGV[i])
	end
end
return pruned
`)

// prune removes stale items that are unchanged since they were read.
// Failures only delay the cleanup until the next read or the hash TTL.
func (r *Registry[S, T]) prune(ctx context.Context, key string, stale map[string]string) {
	skippedEntries.WithLabelValues(r.cfg.Name, "stale").Add(float64(len(stale)))

	args := make([]any, 0, 2*len(stale))
	for id, raw := range stale {
		args = append(args, id, raw)
	}
	pruned, err := pruneScript.Run(ctx, r.client.Redis(), []string{key}, args...).Int64()
	if err != nil {
		r.logger.WithError(err).WithField("key", key).Warn("failed to prune stale items")
		return
	}
	r.logger.WithFields(log.Fields{"key": key, "stale": len(stale), "pruned": pruned}).Debug("pruned stale items")
}

func sortItems[T Item](items []T) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if as, bs := a.StartedTime(), b.StartedTime(); !as.Equal(bs) {
			return as.After(bs)
		}
		if aq, bq := a.QueuedTime(), b.QueuedTime(); !aq.Equal(bq) {
			return aq.After(bq)
		}
		return a.ItemID() < b.ItemID()
	})
}

func paginate[T Item](items []T, page, pageSize int) *Page[T] {
	total := len(items)
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		return &Page[T]{Items: items, Total: total, Page: 1, PageSize: total}
	}

	start := (page - 1) * pageSize
	if start >= total {
		return &Page[T]{Items: []T{}, Total: total, Page: page, PageSize: pageSize}
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return &Page[T]{Items: items[start:end], Total: total, Page: page, PageSize: pageSize}
}
