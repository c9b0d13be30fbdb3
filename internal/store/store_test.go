package store_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentoven/dispatcher/internal/store"
	"github.com/agentoven/dispatcher/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s store.Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		s := store.NewMemoryStore("")
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "dispatcher.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func seedProject(t *testing.T, s store.Store, id string) {
	t.Helper()
	p := &models.Project{ID: id, RateLimitRPM: 10}
	p.ApplyDefaults()
	require.NoError(t, s.UpsertProject(context.Background(), p))
}

// ─── Projects ────────────────────────────────────────────────

func TestProjectCRUD(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()

		p := &models.Project{
			ID:              "web",
			Name:            "Web",
			AllowedTools:    []string{"Read", "Grep"},
			DisallowedTools: []string{},
			RateLimitRPM:    30,
			ClassifyTimeout: 15,
		}
		require.NoError(t, s.UpsertProject(ctx, p))

		got, err := s.GetProject(ctx, "web")
		require.NoError(t, err)
		if got.Name != "Web" {
			t.Errorf("GetProject().Name = %q, want %q", got.Name, "Web")
		}
		assert.Equal(t, []string{"Read", "Grep"}, got.AllowedTools)
		assert.Equal(t, 30, got.RateLimitRPM)
		assert.False(t, got.CreatedAt.IsZero())

		p.RateLimitRPM = 60
		require.NoError(t, s.UpsertProject(ctx, p))
		got, err = s.GetProject(ctx, "web")
		require.NoError(t, err)
		assert.Equal(t, 60, got.RateLimitRPM)

		list, err := s.ListProjects(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)

		require.NoError(t, s.DeleteProject(ctx, "web"))
		_, err = s.GetProject(ctx, "web")
		assert.True(t, store.IsNotFound(err))
		assert.True(t, errors.Is(err, &store.ErrNotFound{}))

		err = s.DeleteProject(ctx, "web")
		assert.True(t, store.IsNotFound(err))
	})
}

// ─── Agents ──────────────────────────────────────────────────

func TestAgents_DeclaredOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		seedProject(t, s, "web")

		agents := []models.Agent{
			{ID: "web-zeta", Name: "zeta", Priority: 10, Position: 0, Keywords: []string{"z"}},
			{ID: "web-alpha", Name: "alpha", Priority: 10, Position: 1, Examples: []string{"a b"}},
		}
		require.NoError(t, s.ReplaceAgents(ctx, "web", agents))

		got, err := s.ListAgents(ctx, "web")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "zeta", got[0].Name)
		assert.Equal(t, "alpha", got[1].Name)
		assert.Equal(t, []string{"z"}, got[0].Keywords)
		assert.Equal(t, "web", got[1].ProjectID)

		require.NoError(t, s.UpsertAgent(ctx, &models.Agent{ID: "web-beta", ProjectID: "web", Name: "beta"}))
		require.NoError(t, s.UpsertAgent(ctx, &models.Agent{ID: "web-zeta", ProjectID: "web", Name: "zeta", Priority: 99}))

		got, err = s.ListAgents(ctx, "web")
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, []string{"zeta", "alpha", "beta"}, []string{got[0].Name, got[1].Name, got[2].Name})
		assert.Equal(t, 99, got[0].Priority)
		assert.Equal(t, 2, got[2].Position)

		a, err := s.GetAgent(ctx, "web", "alpha")
		require.NoError(t, err)
		assert.Equal(t, []string{"a b"}, a.Examples)

		require.NoError(t, s.DeleteAgent(ctx, "web", "alpha"))
		_, err = s.GetAgent(ctx, "web", "alpha")
		assert.True(t, store.IsNotFound(err))

		require.NoError(t, s.ReplaceAgents(ctx, "web", nil))
		got, err = s.ListAgents(ctx, "web")
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

// ─── Executions & classification logs ───────────────────────

func TestExecutions_ByRequester(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

		for i, msg := range []string{"first", "second", "third"} {
			require.NoError(t, s.CreateExecution(ctx, &models.Execution{
				ProjectID:   "web",
				Requester:   "alice",
				UserMessage: msg,
				Status:      models.StatusCompleted,
				CreatedAt:   base.Add(time.Duration(i) * time.Minute),
			}))
		}
		require.NoError(t, s.CreateExecution(ctx, &models.Execution{
			ProjectID: "web", Requester: "bob", UserMessage: "other", Status: models.StatusFailed, CreatedAt: base,
		}))

		got, err := s.ListExecutionsByRequester(ctx, "alice", nil, 0)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "third", got[0].UserMessage)

		since := base.Add(time.Minute)
		got, err = s.ListExecutionsByRequester(ctx, "alice", &since, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "third", got[0].UserMessage)

		got, err = s.ListExecutionsByRequester(ctx, "alice", nil, 2)
		require.NoError(t, err)
		assert.Len(t, got, 2)

		n, err := s.DeleteExecutionsBefore(ctx, base.Add(90*time.Second))
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		got, err = s.ListExecutionsByRequester(ctx, "alice", nil, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		e, err := s.GetExecution(ctx, got[0].ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, e.Status)
	})
}

func TestClassificationLogs(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		old := time.Now().Add(-48 * time.Hour)

		require.NoError(t, s.CreateClassificationLog(ctx, &models.ClassificationLog{
			ProjectID: "web", Text: "old", Agent: "general", Method: models.MethodFallback, Confidence: 0.5, CreatedAt: old,
		}))
		require.NoError(t, s.CreateClassificationLog(ctx, &models.ClassificationLog{
			ProjectID: "web", Source: "slack", Requester: "alice", Text: "deploy", Agent: "deployer",
			Method: models.MethodKeyword, Confidence: 0.95, MatchedKeyword: "deploy", Model: "sonnet",
		}))
		require.NoError(t, s.CreateClassificationLog(ctx, &models.ClassificationLog{
			ProjectID: "api", Text: "x", Agent: "general", Method: models.MethodFallback, Confidence: 0.5,
		}))

		logs, err := s.ListClassificationLogs(ctx, "web", 0)
		require.NoError(t, err)
		require.Len(t, logs, 2)
		assert.Equal(t, "deploy", logs[0].Text)
		assert.Equal(t, models.MethodKeyword, logs[0].Method)
		assert.Equal(t, "slack", logs[0].Source)
		assert.Equal(t, "alice", logs[0].Requester)
		assert.Equal(t, "sonnet", logs[0].Model)
		assert.Empty(t, logs[1].Source)

		all, err := s.ListClassificationLogs(ctx, "", 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		n, err := s.DeleteClassificationLogsBefore(ctx, time.Now().Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestSQLiteStore_UpgradesClassificationLogs(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "old.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `
	CREATE TABLE classification_logs (
		id              TEXT PRIMARY KEY,
		project_id      TEXT NOT NULL,
		text            TEXT NOT NULL,
		agent           TEXT NOT NULL,
		method          TEXT NOT NULL,
		confidence      REAL NOT NULL,
		matched_keyword TEXT NOT NULL DEFAULT '',
		reasoning       TEXT NOT NULL DEFAULT '',
		duration_ms     INTEGER NOT NULL DEFAULT 0,
		created_at      INTEGER NOT NULL
	);
	INSERT INTO classification_logs (id, project_id, text, agent, method, confidence, created_at)
	VALUES ('old-1', 'web', 'hello', 'general', 'fallback', 0.5, 1);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := store.NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.CreateClassificationLog(ctx, &models.ClassificationLog{
		ProjectID: "web", Source: "cli", Text: "deploy", Agent: "deployer", Method: models.MethodKeyword, Confidence: 0.95,
	}))
	logs, err := s.ListClassificationLogs(ctx, "web", 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "cli", logs[0].Source)
	assert.Equal(t, "old-1", logs[1].ID)
	assert.Empty(t, logs[1].Source)
}

// ─── User context ────────────────────────────────────────────

func TestUserContext(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()

		_, err := s.GetUserSummary(ctx, "alice")
		assert.True(t, store.IsNotFound(err))

		at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, s.SaveUserSummary(ctx, "alice", "likes terse answers", at))
		sum, err := s.GetUserSummary(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "likes terse answers", sum.Summary)
		require.NotNil(t, sum.LastSummarizedAt)
		assert.True(t, at.Equal(*sum.LastSummarizedAt))

		added, err := s.AddUserRule(ctx, "alice", "answer in French")
		require.NoError(t, err)
		assert.True(t, added)
		added, err = s.AddUserRule(ctx, "alice", "answer in French")
		require.NoError(t, err)
		assert.False(t, added, "duplicate rule")
		_, err = s.AddUserRule(ctx, "alice", "no emojis")
		require.NoError(t, err)

		rules, err := s.ListUserRules(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, rules, 2)
		assert.Equal(t, "answer in French", rules[0].Rule)

		deleted, err := s.DeleteUserRule(ctx, "alice", "answer in French")
		require.NoError(t, err)
		assert.True(t, deleted)
		deleted, err = s.DeleteUserRule(ctx, "alice", "answer in French")
		require.NoError(t, err)
		assert.False(t, deleted)
	})
}

// ─── Summary locks ───────────────────────────────────────────

func TestSummaryLock_CompareAndSet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		ttl := 300 * time.Second
		t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		acquire := func(holder string, now time.Time) bool {
			ok, err := s.AcquireSummaryLock(ctx, "alice", holder, now, now.Add(-ttl))
			require.NoError(t, err)
			return ok
		}
		release := func(holder string) bool {
			ok, err := s.ReleaseSummaryLock(ctx, "alice", holder)
			require.NoError(t, err)
			return ok
		}

		assert.True(t, acquire("A", t0))
		assert.False(t, acquire("B", t0))
		assert.False(t, acquire("B", t0.Add(ttl-time.Second)), "lock is live until the TTL elapses")
		assert.True(t, acquire("A", t0.Add(time.Second)), "holder may refresh its own lock")

		lock, err := s.GetSummaryLock(ctx, "alice")
		require.NoError(t, err)
		require.NotNil(t, lock)
		assert.Equal(t, "A", lock.HolderID)

		assert.True(t, acquire("C", t0.Add(time.Second+ttl)), "stale lock is stolen")
		assert.False(t, release("A"))
		assert.True(t, release("C"))
		assert.False(t, release("C"))

		lock, err = s.GetSummaryLock(ctx, "alice")
		require.NoError(t, err)
		assert.Nil(t, lock)
	})
}

func TestSummaryLock_ConcurrentAcquire(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		now := time.Now()

		var (
			wg  sync.WaitGroup
			won atomic.Int32
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := s.AcquireSummaryLock(ctx, "bob", string(rune('a'+i)), now, now.Add(-time.Minute))
				if err != nil {
					t.Errorf("AcquireSummaryLock() error = %v", err)
					return
				}
				if ok {
					won.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), won.Load())
	})
}

// ─── Snapshot persistence ────────────────────────────────────

func TestMemoryStore_SnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := store.NewMemoryStore(dir)
	seedProject(t, s, "web")
	require.NoError(t, s.ReplaceAgents(ctx, "web", []models.Agent{{ID: "web-a", Name: "a", Keywords: []string{"deploy"}}}))
	_, err := s.AddUserRule(ctx, "alice", "be brief")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := store.NewMemoryStore(dir)
	t.Cleanup(func() { reopened.Close() })

	p, err := reopened.GetProject(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, 10, p.RateLimitRPM)

	agents, err := reopened.ListAgents(ctx, "web")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, []string{"deploy"}, agents[0].Keywords)

	rules, err := reopened.ListUserRules(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}
