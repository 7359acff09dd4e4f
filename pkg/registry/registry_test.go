package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/latitude-dev/latitude-llm-sub007/internal/testutil"
	"github.com/latitude-dev/latitude-llm-sub007/pkg/kv"
)

type testScope struct {
	workspaceID int64
	projectID   int64
}

func (s testScope) KeyParts() []string {
	return []string{kv.FormatID(s.workspaceID), kv.FormatID(s.projectID)}
}

func (s testScope) Validate() error {
	if s.workspaceID <= 0 || s.projectID <= 0 {
		return errors.New("workspace and project ids must be positive")
	}
	return nil
}

type testItem struct {
	UUID      string     `json:"uuid"`
	QueuedAt  time.Time  `json:"queuedAt"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	Source    string     `json:"source,omitempty"`
	Caption   string     `json:"caption,omitempty"`
}

func (i testItem) ItemID() string        { return i.UUID }
func (i testItem) QueuedTime() time.Time { return i.QueuedAt }
func (i testItem) StartedTime() time.Time {
	if i.StartedAt == nil {
		return time.Time{}
	}
	return *i.StartedAt
}

func (i testItem) WithID(id string) testItem {
	i.UUID = id
	return i
}

type testPatch struct {
	StartedAt *time.Time `json:"startedAt,omitempty"`
	Source    *string    `json:"source,omitempty"`
	Caption   *string    `json:"caption,omitempty"`
}

var scope = testScope{workspaceID: 1, projectID: 10}

func setupTestRegistry(t *testing.T, mutate ...func(*Config)) (*Registry[testScope, testItem], *miniredis.Miniredis, *test.Hook) {
	client, mr := testutil.NewMiniredisClient(t)
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	cfg := DefaultConfig()
	cfg.Name = "test-runs"
	cfg.Prefix = "runs:active"
	cfg.DiagnosticProbes = 0
	for _, m := range mutate {
		m(&cfg)
	}

	reg, err := New[testScope, testItem](client, cfg, logger)
	require.NoError(t, err)
	return reg, mr, hook
}

func ptr[T any](v T) *T { return &v }

func newItem(id string, queuedAgo time.Duration) testItem {
	return testItem{UUID: id, QueuedAt: time.Now().Add(-queuedAgo).UTC().Truncate(time.Millisecond), Source: "api"}
}

func TestNew(t *testing.T) {
	client, _ := testutil.NewMiniredisClient(t)

	t.Run("requires a name and prefix", func(t *testing.T) {
		_, err := New[testScope, testItem](client, Config{Prefix: "p"}, nil)
		assert.Error(t, err)
		_, err = New[testScope, testItem](client, Config{Name: "n"}, nil)
		assert.Error(t, err)
	})

	t.Run("requires a client", func(t *testing.T) {
		_, err := New[testScope, testItem](nil, Config{Name: "n", Prefix: "p"}, nil)
		assert.Error(t, err)
	})

	t.Run("fills defaults", func(t *testing.T) {
		reg, err := New[testScope, testItem](client, Config{Name: "n", Prefix: "p", TTL: time.Hour}, nil)
		require.NoError(t, err)
		assert.Equal(t, time.Hour, reg.cfg.MaxAge)
		assert.Equal(t, DefaultConfig().UpdateRetries, reg.cfg.UpdateRetries)
	})
}

func TestKey(t *testing.T) {
	reg, _, _ := setupTestRegistry(t)
	assert.Equal(t, kv.ActiveRunsKey(1, 10, ""), reg.Key(scope))
}

func TestCreate(t *testing.T) {
	reg, mr, _ := setupTestRegistry(t)
	ctx := context.Background()

	t.Run("stores item and refreshes ttl", func(t *testing.T) {
		item := newItem("run-1", 0)
		created, err := reg.Create(ctx, scope, item)
		require.NoError(t, err)
		assert.Equal(t, item, created)

		page, err := reg.List(ctx, scope, 1, 10)
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, "run-1", page.Items[0].UUID)
		assert.Equal(t, "api", page.Items[0].Source)

		ttl := mr.TTL(reg.Key(scope))
		assert.GreaterOrEqual(t, ttl, 10700*time.Second)
		assert.LessOrEqual(t, ttl, 10800*time.Second)

		tag := mr.HGet(reg.Key(scope), SchemaField)
		assert.Equal(t, fmt.Sprint(CurrentSchemaVersion), tag)
	})

	t.Run("rejects empty and reserved ids", func(t *testing.T) {
		_, err := reg.Create(ctx, scope, testItem{QueuedAt: time.Now()})
		assert.Error(t, err)
		_, err = reg.Create(ctx, scope, testItem{UUID: SchemaField, QueuedAt: time.Now()})
		assert.Error(t, err)
	})

	t.Run("rejects invalid scope", func(t *testing.T) {
		_, err := reg.Create(ctx, testScope{}, newItem("run-x", 0))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid scope")
	})
}

func TestGet(t *testing.T) {
	reg, _, _ := setupTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Get(ctx, scope, "missing")
	assert.True(t, IsNotFound(err))

	item := newItem("run-1", 0)
	_, err = reg.Create(ctx, scope, item)
	require.NoError(t, err)

	got, err := reg.Get(ctx, scope, "run-1")
	require.NoError(t, err)
	assert.Equal(t, item, got)
}

func TestDelete(t *testing.T) {
	reg, _, _ := setupTestRegistry(t)
	ctx := context.Background()

	item := newItem("run-1", 0)
	_, err := reg.Create(ctx, scope, item)
	require.NoError(t, err)

	deleted, err := reg.Delete(ctx, scope, "run-1")
	require.NoError(t, err)
	assert.Equal(t, item, deleted)

	page, err := reg.List(ctx, scope, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	_, err = reg.Delete(ctx, scope, "run-1")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "run-1", nf.ID)
	assert.Equal(t, "test-runs", nf.Registry)
}

func TestUpdate(t *testing.T) {
	reg, mr, _ := setupTestRegistry(t)
	ctx := context.Background()

	t.Run("missing item returns not found", func(t *testing.T) {
		_, err := reg.Update(ctx, scope, "nope", testPatch{Caption: ptr("x")})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("preserves fields absent from the patch", func(t *testing.T) {
		started := time.Now().UTC().Truncate(time.Millisecond)
		item := newItem("run-1", time.Minute)
		item.StartedAt = &started
		_, err := reg.Create(ctx, scope, item)
		require.NoError(t, err)

		updated, err := reg.Update(ctx, scope, "run-1", testPatch{Caption: ptr("generating")})
		require.NoError(t, err)
		assert.Equal(t, "generating", updated.Caption)
		assert.Equal(t, "api", updated.Source)
		require.NotNil(t, updated.StartedAt)
		assert.True(t, started.Equal(*updated.StartedAt))

		stored, err := reg.Get(ctx, scope, "run-1")
		require.NoError(t, err)
		assert.Equal(t, updated, stored)
	})

	t.Run("refreshes ttl", func(t *testing.T) {
		mr.SetTTL(reg.Key(scope), time.Minute)
		_, err := reg.Update(ctx, scope, "run-1", map[string]any{"source": "playground"})
		require.NoError(t, err)
		assert.Equal(t, 3*time.Hour, mr.TTL(reg.Key(scope)))
	})

	t.Run("cannot change identity", func(t *testing.T) {
		_, err := reg.Update(ctx, scope, "run-1", map[string]any{"uuid": "other"})
		assert.Error(t, err)
		assert.False(t, IsNotFound(err))
	})

	t.Run("rejects non-object patches", func(t *testing.T) {
		_, err := reg.Update(ctx, scope, "run-1", []string{"a"})
		assert.Error(t, err)
	})
}

func TestUpdate_ConcurrentWritersDoNotLoseChanges(t *testing.T) {
	reg, _, _ := setupTestRegistry(t)
	ctx := context.Background()

	for round := 0; round < 10; round++ {
		id := fmt.Sprintf("run-%d", round)
		_, err := reg.Create(ctx, scope, newItem(id, 0))
		require.NoError(t, err)

		started := time.Now().UTC().Truncate(time.Millisecond)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			_, err := reg.Update(gctx, scope, id, testPatch{Caption: ptr("caption")})
			return err
		})
		g.Go(func() error {
			_, err := reg.Update(gctx, scope, id, testPatch{StartedAt: &started})
			return err
		})
		g.Go(func() error {
			_, err := reg.Update(gctx, scope, id, testPatch{Source: ptr("experiment")})
			return err
		})
		// A writer on another item of the same scope must not be disturbed either.
		g.Go(func() error {
			_, err := reg.Create(gctx, scope, newItem(id+"-sibling", 0))
			return err
		})
		require.NoError(t, g.Wait())

		got, err := reg.Get(ctx, scope, id)
		require.NoError(t, err)
		assert.Equal(t, "caption", got.Caption)
		assert.Equal(t, "experiment", got.Source)
		require.NotNil(t, got.StartedAt)
		assert.True(t, started.Equal(*got.StartedAt))

		_, err = reg.Get(ctx, scope, id+"-sibling")
		assert.NoError(t, err)
	}
}

func TestUpdate_WritersOfDistinctItemsDoNotInterfere(t *testing.T) {
	reg, mr, _ := setupTestRegistry(t)
	ctx := context.Background()

	const writers, updates = 40, 20
	for w := 0; w < writers; w++ {
		_, err := reg.Create(ctx, scope, newItem(fmt.Sprintf("run-%d", w), 0))
		require.NoError(t, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < writers; w++ {
		id := fmt.Sprintf("run-%d", w)
		g.Go(func() error {
			for u := 0; u < updates; u++ {
				if _, err := reg.Update(gctx, scope, id, testPatch{Caption: ptr(fmt.Sprintf("step %d", u))}); err != nil {
					return errors.Wrapf(err, "%s update %d", id, u)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for w := 0; w < writers; w++ {
		got, err := reg.Get(ctx, scope, fmt.Sprintf("run-%d", w))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("step %d", updates-1), got.Caption)
	}
	assert.Equal(t, fmt.Sprint(CurrentSchemaVersion), mr.HGet(reg.Key(scope), SchemaField))
}

func TestUpdate_MissingItemDiagnostics(t *testing.T) {
	t.Run("never found", func(t *testing.T) {
		reg, _, hook := setupTestRegistry(t, func(c *Config) {
			c.DiagnosticProbes = 2
			c.DiagnosticDelay = time.Millisecond
		})

		start := time.Now()
		_, err := reg.Update(context.Background(), scope, "ghost", testPatch{Caption: ptr("x")})
		assert.True(t, IsNotFound(err))
		// Probes wait 1ms then 2ms before the result is returned.
		assert.GreaterOrEqual(t, time.Since(start), 3*time.Millisecond)

		entry := hook.LastEntry()
		require.NotNil(t, entry)
		assert.Equal(t, outcomeNeverFound, entry.Data["outcome"])
		assert.Equal(t, "ghost", entry.Data["id"])
	})

	t.Run("found after delay", func(t *testing.T) {
		reg, _, hook := setupTestRegistry(t, func(c *Config) {
			c.DiagnosticProbes = 3
			c.DiagnosticDelay = 100 * time.Millisecond
		})
		ctx := context.Background()

		// The create lands after Update's read but before its first probe.
		done := make(chan error, 1)
		go func() {
			_, err := reg.Update(ctx, scope, "late", testPatch{Caption: ptr("x")})
			done <- err
		}()
		time.Sleep(30 * time.Millisecond)
		_, err := reg.Create(ctx, scope, newItem("late", 0))
		require.NoError(t, err)

		err = <-done
		assert.True(t, IsNotFound(err), "diagnostics must not change the result")

		var outcomes []any
		for _, e := range hook.AllEntries() {
			if o, ok := e.Data["outcome"]; ok {
				outcomes = append(outcomes, o)
			}
		}
		assert.Equal(t, []any{outcomeFoundAfterDelay}, outcomes)
	})

	t.Run("disabled", func(t *testing.T) {
		reg, _, hook := setupTestRegistry(t)
		_, err := reg.Update(context.Background(), scope, "ghost", testPatch{Caption: ptr("x")})
		assert.True(t, IsNotFound(err))
		for _, e := range hook.AllEntries() {
			assert.NotContains(t, e.Data, "outcome")
		}
	})
}

func TestList(t *testing.T) {
	ctx := context.Background()

	t.Run("orders by startedAt then queuedAt descending", func(t *testing.T) {
		reg, _, _ := setupTestRegistry(t)
		now := time.Now().UTC().Truncate(time.Millisecond)

		queuedOld := newItem("queued-old", 10*time.Minute)
		queuedNew := newItem("queued-new", time.Minute)
		startedEarly := newItem("started-early", 20*time.Minute)
		startedEarly.StartedAt = ptr(now.Add(-15 * time.Minute))
		startedLate := newItem("started-late", 30*time.Minute)
		startedLate.StartedAt = ptr(now.Add(-5 * time.Minute))

		for _, it := range []testItem{queuedOld, startedEarly, queuedNew, startedLate} {
			_, err := reg.Create(ctx, scope, it)
			require.NoError(t, err)
		}

		page, err := reg.List(ctx, scope, 1, 0)
		require.NoError(t, err)
		var ids []string
		for _, it := range page.Items {
			ids = append(ids, it.UUID)
		}
		assert.Equal(t, []string{"started-late", "started-early", "queued-new", "queued-old"}, ids)
		assert.Equal(t, 4, page.Total)
	})

	t.Run("paginates", func(t *testing.T) {
		reg, _, _ := setupTestRegistry(t)
		for i := 0; i < 5; i++ {
			_, err := reg.Create(ctx, scope, newItem(fmt.Sprintf("run-%d", i), time.Duration(i)*time.Minute))
			require.NoError(t, err)
		}

		page, err := reg.List(ctx, scope, 2, 2)
		require.NoError(t, err)
		require.Len(t, page.Items, 2)
		assert.Equal(t, "run-2", page.Items[0].UUID)
		assert.Equal(t, "run-3", page.Items[1].UUID)
		assert.Equal(t, 5, page.Total)

		page, err = reg.List(ctx, scope, 3, 2)
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, "run-4", page.Items[0].UUID)

		page, err = reg.List(ctx, scope, 9, 2)
		require.NoError(t, err)
		assert.Empty(t, page.Items)

		page, err = reg.List(ctx, scope, 0, 2)
		require.NoError(t, err)
		assert.Equal(t, 1, page.Page)
	})

	t.Run("excludes and prunes items older than max age", func(t *testing.T) {
		reg, mr, _ := setupTestRegistry(t, func(c *Config) { c.MaxAge = time.Hour })

		_, err := reg.Create(ctx, scope, newItem("fresh", time.Minute))
		require.NoError(t, err)
		_, err = reg.Create(ctx, scope, newItem("stale", 2*time.Hour))
		require.NoError(t, err)

		// The hash itself is alive; only the item is logically expired.
		assert.True(t, mr.Exists(reg.Key(scope)))

		page, err := reg.List(ctx, scope, 1, 10)
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, "fresh", page.Items[0].UUID)

		assert.Empty(t, mr.HGet(reg.Key(scope), "stale"))
	})

	t.Run("prune keeps items rewritten after the read", func(t *testing.T) {
		reg, mr, _ := setupTestRegistry(t, func(c *Config) { c.MaxAge = time.Hour })
		key := reg.Key(scope)

		_, err := reg.Create(ctx, scope, newItem("reused", 2*time.Hour))
		require.NoError(t, err)
		_, err = reg.Create(ctx, scope, newItem("old", 2*time.Hour))
		require.NoError(t, err)

		fields, err := reg.client.Redis().HGetAll(ctx, key).Result()
		require.NoError(t, err)
		_, stale := reg.collect(key, fields)
		require.Len(t, stale, 2)

		// Another process re-creates the item between the read and the prune.
		_, err = reg.Create(ctx, scope, newItem("reused", 0))
		require.NoError(t, err)

		reg.prune(ctx, key, stale)

		assert.NotEmpty(t, mr.HGet(key, "reused"))
		assert.Empty(t, mr.HGet(key, "old"))

		page, err := reg.List(ctx, scope, 1, 0)
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, "reused", page.Items[0].UUID)
	})

	t.Run("skips malformed entries", func(t *testing.T) {
		reg, mr, hook := setupTestRegistry(t)

		_, err := reg.Create(ctx, scope, newItem("good", 0))
		require.NoError(t, err)
		mr.HSet(reg.Key(scope), "bad", "{not json")

		page, err := reg.List(ctx, scope, 1, 10)
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, "good", page.Items[0].UUID)

		entry := hook.LastEntry()
		require.NotNil(t, entry)
		assert.Equal(t, logrus.WarnLevel, entry.Level)
		assert.Equal(t, 1, entry.Data["skipped"])
	})

	t.Run("empty scope", func(t *testing.T) {
		reg, _, _ := setupTestRegistry(t)
		page, err := reg.List(ctx, testScope{workspaceID: 9, projectID: 9}, 1, 10)
		require.NoError(t, err)
		assert.Empty(t, page.Items)
		assert.Equal(t, 0, page.Total)
	})

	t.Run("store unavailable", func(t *testing.T) {
		reg, mr, _ := setupTestRegistry(t)
		mr.Close()
		_, err := reg.List(ctx, scope, 1, 10)
		assert.Error(t, err)
	})
}
