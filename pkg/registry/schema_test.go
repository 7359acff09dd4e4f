package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedIDItem cannot be given an id.
type fixedIDItem struct {
	ID       string    `json:"id"`
	QueuedAt time.Time `json:"queuedAt"`
}

func (i fixedIDItem) ItemID() string         { return i.ID }
func (i fixedIDItem) QueuedTime() time.Time  { return i.QueuedAt }
func (i fixedIDItem) StartedTime() time.Time { return time.Time{} }

func legacyJSON(t *testing.T, items ...testItem) string {
	t.Helper()
	data, err := json.Marshal(items)
	require.NoError(t, err)
	return string(data)
}

func itemFields(t *testing.T, keys []string) []string {
	t.Helper()
	var out []string
	for _, k := range keys {
		if k != SchemaField {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func TestMigrate_LegacyArray(t *testing.T) {
	reg, mr, _ := setupTestRegistry(t)
	ctx := context.Background()
	key := reg.Key(scope)

	require.NoError(t, mr.Set(key, legacyJSON(t, newItem("a", time.Minute), newItem("b", 2*time.Minute))))

	n, err := reg.Migrate(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	keys, err := mr.HKeys(key)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, itemFields(t, keys))
	assert.Equal(t, fmt.Sprint(CurrentSchemaVersion), mr.HGet(key, SchemaField))
	assert.Equal(t, 3*time.Hour, mr.TTL(key))

	page, err := reg.List(ctx, scope, 1, 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "a", page.Items[0].UUID)
	assert.Equal(t, "b", page.Items[1].UUID)

	t.Run("second migration is a no-op", func(t *testing.T) {
		before := mr.HGet(key, "a")
		n, err := reg.Migrate(ctx, scope)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		assert.Equal(t, before, mr.HGet(key, "a"))

		again, err := reg.List(ctx, scope, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, page.Items, again.Items)
	})
}

func TestMigrate_ConcurrentMigrationsConverge(t *testing.T) {
	reg, mr, _ := setupTestRegistry(t)
	ctx := context.Background()
	key := reg.Key(scope)

	require.NoError(t, mr.Set(key, legacyJSON(t, newItem("a", 0), newItem("b", 0), newItem("c", 0))))

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := reg.Migrate(ctx, scope)
			assert.NoError(t, err)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, total, "exactly one migration should rewrite the items")
	keys, err := mr.HKeys(key)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, itemFields(t, keys))
}

func TestMigrate_LegacyObjectOnFirstWrite(t *testing.T) {
	reg, mr, _ := setupTestRegistry(t)
	ctx := context.Background()
	key := reg.Key(scope)

	old := newItem("old", time.Minute)
	legacy := fmt.Sprintf(`{"old":{"uuid":"old","queuedAt":%q,"source":"api"},"keyed":{"queuedAt":%q}}`,
		old.QueuedAt.Format(time.RFC3339Nano), old.QueuedAt.Format(time.RFC3339Nano))
	require.NoError(t, mr.Set(key, legacy))

	_, err := reg.Create(ctx, scope, newItem("new", 0))
	require.NoError(t, err)

	keys, err := mr.HKeys(key)
	require.NoError(t, err)
	assert.Equal(t, []string{"keyed", "new", "old"}, itemFields(t, keys))

	got, err := reg.Get(ctx, scope, "old")
	require.NoError(t, err)
	assert.Equal(t, old, got)

	// The item known only by its object key carries that id after migration.
	keyed, err := reg.Get(ctx, scope, "keyed")
	require.NoError(t, err)
	assert.Equal(t, "keyed", keyed.UUID)

	updated, err := reg.Update(ctx, scope, "keyed", testPatch{Caption: ptr("resumed")})
	require.NoError(t, err)
	assert.Equal(t, "keyed", updated.UUID)
	assert.Equal(t, "resumed", updated.Caption)

	page, err := reg.List(ctx, scope, 1, 0)
	require.NoError(t, err)
	for _, item := range page.Items {
		assert.NotEmpty(t, item.UUID)
	}
}

func TestMigrate_TypeMismatchFallback(t *testing.T) {
	reg, mr, hook := setupTestRegistry(t)
	ctx := context.Background()
	key := reg.Key(scope)

	// First access marks the scope as current in the schema cache.
	page, err := reg.List(ctx, scope, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	// An old writer then stores the legacy layout behind the cache's back.
	require.NoError(t, mr.Set(key, legacyJSON(t, newItem("legacy", 0))))

	page, err = reg.List(ctx, scope, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "legacy", page.Items[0].UUID)

	var sawMismatch bool
	for _, e := range hook.AllEntries() {
		if e.Message == "type mismatch on scope; migrating and retrying" {
			sawMismatch = true
		}
	}
	assert.True(t, sawMismatch)

	t.Run("update after mismatch", func(t *testing.T) {
		require.NoError(t, mr.Set(key, legacyJSON(t, newItem("legacy", 0))))
		updated, err := reg.Update(ctx, scope, "legacy", testPatch{Caption: ptr("resumed")})
		require.NoError(t, err)
		assert.Equal(t, "resumed", updated.Caption)
	})
}

func TestMigrate_UnreadableValues(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		setup func(t *testing.T, key string, reg *Registry[testScope, testItem])
	}{
		{
			name: "empty string",
			setup: func(t *testing.T, key string, reg *Registry[testScope, testItem]) {
				require.NoError(t, reg.client.Redis().Set(ctx, key, "", 0).Err())
			},
		},
		{
			name: "not json",
			setup: func(t *testing.T, key string, reg *Registry[testScope, testItem]) {
				require.NoError(t, reg.client.Redis().Set(ctx, key, "garbage", 0).Err())
			},
		},
		{
			name: "json scalar",
			setup: func(t *testing.T, key string, reg *Registry[testScope, testItem]) {
				require.NoError(t, reg.client.Redis().Set(ctx, key, "42", 0).Err())
			},
		},
		{
			name: "unexpected data type",
			setup: func(t *testing.T, key string, reg *Registry[testScope, testItem]) {
				require.NoError(t, reg.client.Redis().RPush(ctx, key, "x").Err())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, mr, _ := setupTestRegistry(t)
			key := reg.Key(scope)
			tt.setup(t, key, reg)

			n, err := reg.Migrate(ctx, scope)
			require.NoError(t, err)
			assert.Equal(t, 0, n)
			assert.False(t, mr.Exists(key))

			_, err = reg.Create(ctx, scope, newItem("fresh", 0))
			require.NoError(t, err)
		})
	}
}

func TestMigrate_UntaggedHashIsCurrent(t *testing.T) {
	reg, mr, _ := setupTestRegistry(t)
	ctx := context.Background()
	key := reg.Key(scope)

	data, err := json.Marshal(newItem("a", 0))
	require.NoError(t, err)
	mr.HSet(key, "a", string(data))

	n, err := reg.Migrate(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := reg.Get(ctx, scope, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.UUID)
}

func TestDecodeLegacy(t *testing.T) {
	queued := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339)

	t.Run("array dedupes and skips bad elements", func(t *testing.T) {
		raw := fmt.Sprintf(`[{"uuid":"a","queuedAt":%q},{"uuid":"a","queuedAt":%q},{"uuid":5},{"queuedAt":%q}]`,
			queued, queued, queued)
		entries, skipped := decodeLegacy[testItem](raw)
		require.Len(t, entries, 1)
		assert.Equal(t, "a", entries[0].id)
		require.NotNil(t, skipped)
		assert.Len(t, skipped.Errors, 2)
	})

	t.Run("object falls back to the map key", func(t *testing.T) {
		raw := fmt.Sprintf(` {"k1": {"queuedAt": %q}, "k2": {"uuid": "own", "queuedAt": %q}} `, queued, queued)
		entries, skipped := decodeLegacy[testItem](raw)
		assert.Nil(t, skipped)

		ids := []string{}
		for _, e := range entries {
			ids = append(ids, e.id)
		}
		sort.Strings(ids)
		assert.Equal(t, []string{"k1", "own"}, ids)
		for _, e := range entries {
			assert.NotContains(t, string(e.data), " ", "stored values are compacted")

			var item testItem
			require.NoError(t, json.Unmarshal(e.data, &item))
			assert.Equal(t, e.id, item.UUID, "stored value carries its id")
		}
	})

	t.Run("object key needs an item that can take an id", func(t *testing.T) {
		raw := fmt.Sprintf(`{"k1": {"queuedAt": %q}}`, queued)
		entries, skipped := decodeLegacy[fixedIDItem](raw)
		assert.Empty(t, entries)
		require.NotNil(t, skipped)
		assert.Len(t, skipped.Errors, 1)
	})

	t.Run("blank value", func(t *testing.T) {
		entries, skipped := decodeLegacy[testItem]("   ")
		assert.Empty(t, entries)
		assert.Nil(t, skipped)
	})

	t.Run("reserved id", func(t *testing.T) {
		entries, skipped := decodeLegacy[testItem](fmt.Sprintf(`[{"uuid":%q}]`, SchemaField))
		assert.Empty(t, entries)
		require.NotNil(t, skipped)
	})
}
