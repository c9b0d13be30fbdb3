// Package store provides the storage interface and implementations for the dispatcher.
// MemoryStore keeps everything in maps with an optional JSON snapshot;
// SQLiteStore persists to a single database file.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentoven/dispatcher/pkg/models"
)

// Store is the storage collaborator used by the pipeline, the catalog and
// the retention janitor.
type Store interface {
	ProjectStore
	AgentStore
	ExecutionStore
	ClassificationStore
	UserContextStore
	LockStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Project Store ───────────────────────────────────────────

type ProjectStore interface {
	ListProjects(ctx context.Context) ([]models.Project, error)
	GetProject(ctx context.Context, id string) (*models.Project, error)
	UpsertProject(ctx context.Context, project *models.Project) error
	DeleteProject(ctx context.Context, id string) error
}

// ── Agent Store ─────────────────────────────────────────────

type AgentStore interface {
	// ListAgents returns a project's agents in declared order.
	ListAgents(ctx context.Context, projectID string) ([]models.Agent, error)
	GetAgent(ctx context.Context, projectID, name string) (*models.Agent, error)
	UpsertAgent(ctx context.Context, agent *models.Agent) error
	DeleteAgent(ctx context.Context, projectID, name string) error

	// ReplaceAgents swaps a project's whole agent set.
	ReplaceAgents(ctx context.Context, projectID string, agents []models.Agent) error
}

// ── Execution Store ─────────────────────────────────────────

type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec *models.Execution) error
	GetExecution(ctx context.Context, id string) (*models.Execution, error)

	// ListExecutionsByRequester returns the requester's executions newest
	// first. A non-nil since keeps only executions created after it.
	ListExecutionsByRequester(ctx context.Context, requester string, since *time.Time, limit int) ([]models.Execution, error)

	DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ── Classification Store ────────────────────────────────────

type ClassificationStore interface {
	CreateClassificationLog(ctx context.Context, entry *models.ClassificationLog) error
	ListClassificationLogs(ctx context.Context, projectID string, limit int) ([]models.ClassificationLog, error)
	DeleteClassificationLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ── User Context Store ──────────────────────────────────────

type UserContextStore interface {
	// GetUserSummary returns ErrNotFound when the user was never summarized.
	GetUserSummary(ctx context.Context, userID string) (*models.UserSummary, error)
	SaveUserSummary(ctx context.Context, userID, summary string, at time.Time) error

	ListUserRules(ctx context.Context, userID string) ([]models.UserRule, error)
	// AddUserRule reports false when the rule already exists.
	AddUserRule(ctx context.Context, userID, rule string) (bool, error)
	DeleteUserRule(ctx context.Context, userID, rule string) (bool, error)

	// GetSummaryLock returns the stored lock, stale or not, or nil.
	GetSummaryLock(ctx context.Context, userID string) (*models.SummaryLock, error)
}

// ── Lock Store ──────────────────────────────────────────────

// LockStore persists summary locks. Both calls are atomic compare-and-set
// operations against stored state.
type LockStore interface {
	// AcquireSummaryLock stores (holderID, now) when the user has no lock,
	// the stored lock was acquired at or before staleBefore, or holderID
	// already holds it.
	AcquireSummaryLock(ctx context.Context, userID, holderID string, now, staleBefore time.Time) (bool, error)

	// ReleaseSummaryLock clears the lock only when holderID holds it.
	ReleaseSummaryLock(ctx context.Context, userID, holderID string) (bool, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// Is makes every *ErrNotFound match errors.Is(err, &ErrNotFound{}).
func (e *ErrNotFound) Is(target error) bool {
	_, ok := target.(*ErrNotFound)
	return ok
}

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}
