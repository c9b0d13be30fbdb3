package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/agentoven/dispatcher/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single SQLite file. Timestamps are
// stored as unix nanoseconds so range predicates compare integers.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating when missing) the database at dbPath and
// applies the schema. Use ":memory:" for a throwaway database.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; also keeps ":memory:" on one connection

	s := &SQLiteStore{db: db, path: dbPath}
	if err := s.initPragmas(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("SQLite store initialized")
	return s, nil
}

func (s *SQLiteStore) initPragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id                  TEXT PRIMARY KEY,
		name                TEXT NOT NULL,
		system_prompt       TEXT NOT NULL DEFAULT '',
		allowed_tools       TEXT NOT NULL DEFAULT '[]',
		disallowed_tools    TEXT,
		working_dir         TEXT NOT NULL DEFAULT '',
		is_default          INTEGER NOT NULL DEFAULT 0,
		enable_user_context INTEGER NOT NULL DEFAULT 0,
		fallback_agent      TEXT NOT NULL DEFAULT '',
		classify_model      TEXT NOT NULL DEFAULT '',
		classify_timeout    INTEGER NOT NULL DEFAULT 0,
		rate_limit_rpm      INTEGER NOT NULL DEFAULT 0,
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		id              TEXT NOT NULL,
		project_id      TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		name            TEXT NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		model           TEXT NOT NULL DEFAULT '',
		priority        INTEGER NOT NULL DEFAULT 0,
		position        INTEGER NOT NULL DEFAULT 0,
		keywords        TEXT NOT NULL DEFAULT '[]',
		examples        TEXT NOT NULL DEFAULT '[]',
		instruction     TEXT NOT NULL DEFAULT '',
		tools           TEXT NOT NULL DEFAULT '[]',
		timeout         INTEGER NOT NULL DEFAULT 0,
		static_response INTEGER NOT NULL DEFAULT 0,
		isolated        INTEGER NOT NULL DEFAULT 0,
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL,
		PRIMARY KEY (project_id, name)
	);

	CREATE TABLE IF NOT EXISTS executions (
		id            TEXT PRIMARY KEY,
		project_id    TEXT NOT NULL,
		source        TEXT NOT NULL DEFAULT '',
		requester     TEXT NOT NULL DEFAULT '',
		agent         TEXT NOT NULL DEFAULT '',
		instruction   TEXT NOT NULL DEFAULT '',
		user_message  TEXT NOT NULL,
		response      TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		model         TEXT NOT NULL DEFAULT '',
		session_id    TEXT NOT NULL DEFAULT '',
		cost_usd      REAL NOT NULL DEFAULT 0,
		input_tokens  INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		duration_ms   INTEGER NOT NULL DEFAULT 0,
		metadata      TEXT,
		created_at    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_executions_requester ON executions(requester, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions(created_at);

	CREATE TABLE IF NOT EXISTS classification_logs (
		id              TEXT PRIMARY KEY,
		project_id      TEXT NOT NULL,
		source          TEXT NOT NULL DEFAULT '',
		requester       TEXT NOT NULL DEFAULT '',
		text            TEXT NOT NULL,
		agent           TEXT NOT NULL,
		method          TEXT NOT NULL,
		confidence      REAL NOT NULL,
		matched_keyword TEXT NOT NULL DEFAULT '',
		reasoning       TEXT NOT NULL DEFAULT '',
		model           TEXT NOT NULL DEFAULT '',
		duration_ms     INTEGER NOT NULL DEFAULT 0,
		created_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_classification_logs_project ON classification_logs(project_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS user_summaries (
		user_id            TEXT PRIMARY KEY,
		summary            TEXT NOT NULL DEFAULT '',
		last_summarized_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS user_rules (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		rule       TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (user_id, rule)
	);

	CREATE TABLE IF NOT EXISTS summary_locks (
		user_id     TEXT PRIMARY KEY,
		holder_id   TEXT NOT NULL,
		acquired_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	// Columns added after the first release.
	for _, c := range []struct{ table, column, decl string }{
		{"classification_logs", "source", "TEXT NOT NULL DEFAULT ''"},
		{"classification_logs", "requester", "TEXT NOT NULL DEFAULT ''"},
		{"classification_logs", "model", "TEXT NOT NULL DEFAULT ''"},
	} {
		if err := s.addColumnIfMissing(ctx, c.table, c.column, c.decl); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) addColumnIfMissing(ctx context.Context, table, column, decl string) error {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

// ── Encoding helpers ────────────────────────────────────────

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func encodeList(list []string) string {
	if list == nil {
		return "[]"
	}
	b, _ := json.Marshal(list)
	return string(b)
}

func decodeList(s string) []string {
	var list []string
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), &list); err != nil {
		log.Warn().Err(err).Str("value", s).Msg("Corrupt list column")
		return nil
	}
	if len(list) == 0 {
		return nil
	}
	return list
}

// encodeNullableList keeps nil distinct from empty.
func encodeNullableList(list []string) sql.NullString {
	if list == nil {
		return sql.NullString{}
	}
	b, _ := json.Marshal(list)
	return sql.NullString{String: string(b), Valid: true}
}

func decodeNullableList(ns sql.NullString) []string {
	if !ns.Valid {
		return nil
	}
	list := []string{}
	if err := json.Unmarshal([]byte(ns.String), &list); err != nil {
		log.Warn().Err(err).Str("value", ns.String).Msg("Corrupt list column")
		return nil
	}
	return list
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ── Projects ────────────────────────────────────────────────

const projectColumns = `id, name, system_prompt, allowed_tools, disallowed_tools, working_dir,
	is_default, enable_user_context, fallback_agent, classify_model, classify_timeout,
	rate_limit_rpm, created_at, updated_at`

func scanProject(row rowScanner) (*models.Project, error) {
	var (
		p                    models.Project
		allowed              string
		disallowed           sql.NullString
		createdAt, updatedAt int64
	)
	err := row.Scan(&p.ID, &p.Name, &p.SystemPrompt, &allowed, &disallowed, &p.WorkingDir,
		&p.IsDefault, &p.EnableUserContext, &p.FallbackAgent, &p.ClassifyModel, &p.ClassifyTimeout,
		&p.RateLimitRPM, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.AllowedTools = decodeList(allowed)
	p.DisallowedTools = decodeNullableList(disallowed)
	p.CreatedAt = fromNanos(createdAt)
	p.UpdatedAt = fromNanos(updatedAt)
	return &p, nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var result []models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "project", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) UpsertProject(ctx context.Context, p *models.Project) error {
	now := toNanos(time.Now())
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO projects (`+projectColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		system_prompt = excluded.system_prompt,
		allowed_tools = excluded.allowed_tools,
		disallowed_tools = excluded.disallowed_tools,
		working_dir = excluded.working_dir,
		is_default = excluded.is_default,
		enable_user_context = excluded.enable_user_context,
		fallback_agent = excluded.fallback_agent,
		classify_model = excluded.classify_model,
		classify_timeout = excluded.classify_timeout,
		rate_limit_rpm = excluded.rate_limit_rpm,
		updated_at = excluded.updated_at`,
		p.ID, p.Name, p.SystemPrompt, encodeList(p.AllowedTools), encodeNullableList(p.DisallowedTools),
		p.WorkingDir, p.IsDefault, p.EnableUserContext, p.FallbackAgent, p.ClassifyModel,
		p.ClassifyTimeout, p.RateLimitRPM, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "project", Key: id}
	}
	return nil
}

// ── Agents ──────────────────────────────────────────────────

const agentColumns = `id, project_id, name, description, model, priority, position, keywords,
	examples, instruction, tools, timeout, static_response, isolated, created_at, updated_at`

func scanAgent(row rowScanner) (*models.Agent, error) {
	var (
		a                         models.Agent
		keywords, examples, tools string
		createdAt, updatedAt      int64
	)
	err := row.Scan(&a.ID, &a.ProjectID, &a.Name, &a.Description, &a.Model, &a.Priority, &a.Position,
		&keywords, &examples, &a.Instruction, &tools, &a.Timeout, &a.StaticResponse, &a.Isolated,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.Keywords = decodeList(keywords)
	a.Examples = decodeList(examples)
	a.Tools = decodeList(tools)
	a.CreatedAt = fromNanos(createdAt)
	a.UpdatedAt = fromNanos(updatedAt)
	return &a, nil
}

const upsertAgentSQL = `
	INSERT INTO agents (` + agentColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(project_id, name) DO UPDATE SET
		id = excluded.id,
		description = excluded.description,
		model = excluded.model,
		priority = excluded.priority,
		keywords = excluded.keywords,
		examples = excluded.examples,
		instruction = excluded.instruction,
		tools = excluded.tools,
		timeout = excluded.timeout,
		static_response = excluded.static_response,
		isolated = excluded.isolated,
		updated_at = excluded.updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertAgent(ctx context.Context, db execer, a *models.Agent, position int, now int64) error {
	_, err := db.ExecContext(ctx, upsertAgentSQL,
		a.ID, a.ProjectID, a.Name, a.Description, a.Model, a.Priority, position,
		encodeList(a.Keywords), encodeList(a.Examples), a.Instruction, encodeList(a.Tools),
		a.Timeout, a.StaticResponse, a.Isolated, now, now,
	)
	return err
}

func (s *SQLiteStore) ListAgents(ctx context.Context, projectID string) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE project_id = ? ORDER BY position, name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var result []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) GetAgent(ctx context.Context, projectID, name string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE project_id = ? AND name = ?`, projectID, name)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent", Key: projectID + "/" + name}
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// UpsertAgent keeps the position of an existing agent and appends new ones.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, a *models.Agent) error {
	var position int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(
			(SELECT position FROM agents WHERE project_id = ?1 AND name = ?2),
			(SELECT COUNT(*) FROM agents WHERE project_id = ?1))`,
		a.ProjectID, a.Name).Scan(&position)
	if err != nil {
		return fmt.Errorf("resolve agent position: %w", err)
	}
	if err := upsertAgent(ctx, s.db, a, position, toNanos(time.Now())); err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteAgent(ctx context.Context, projectID, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE project_id = ? AND name = ?`, projectID, name)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "agent", Key: projectID + "/" + name}
	}
	return nil
}

func (s *SQLiteStore) ReplaceAgents(ctx context.Context, projectID string, agents []models.Agent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM agents WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("clear agents: %w", err)
	}
	now := toNanos(time.Now())
	for i := range agents {
		a := agents[i]
		a.ProjectID = projectID
		if err := upsertAgent(ctx, tx, &a, a.Position, now); err != nil {
			return fmt.Errorf("insert agent %s: %w", a.Name, err)
		}
	}
	return tx.Commit()
}

// ── Executions ──────────────────────────────────────────────

const executionColumns = `id, project_id, source, requester, agent, instruction, user_message,
	response, status, error_message, model, session_id, cost_usd, input_tokens, output_tokens,
	duration_ms, metadata, created_at`

func scanExecution(row rowScanner) (*models.Execution, error) {
	var (
		e         models.Execution
		status    string
		metadata  sql.NullString
		createdAt int64
	)
	err := row.Scan(&e.ID, &e.ProjectID, &e.Source, &e.Requester, &e.Agent, &e.Instruction,
		&e.UserMessage, &e.Response, &status, &e.ErrorMessage, &e.Model, &e.SessionID, &e.CostUSD,
		&e.InputTokens, &e.OutputTokens, &e.DurationMs, &metadata, &createdAt)
	if err != nil {
		return nil, err
	}
	e.Status = models.ExecutionStatus(status)
	if metadata.Valid {
		e.Metadata = json.RawMessage(metadata.String)
	}
	e.CreatedAt = fromNanos(createdAt)
	return &e, nil
}

func (s *SQLiteStore) CreateExecution(ctx context.Context, e *models.Execution) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var metadata sql.NullString
	if len(e.Metadata) > 0 {
		metadata = sql.NullString{String: string(e.Metadata), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO executions (`+executionColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.Source, e.Requester, e.Agent, e.Instruction, e.UserMessage,
		e.Response, string(e.Status), e.ErrorMessage, e.Model, e.SessionID, e.CostUSD,
		e.InputTokens, e.OutputTokens, e.DurationMs, metadata, toNanos(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "execution", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) ListExecutionsByRequester(ctx context.Context, requester string, since *time.Time, limit int) ([]models.Execution, error) {
	after := int64(math.MinInt64)
	if since != nil {
		after = toNanos(*since)
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE requester = ? AND created_at > ?
		ORDER BY created_at DESC
		LIMIT ?`, requester, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var result []models.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		result = append(result, *e)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE created_at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete executions: %w", err)
	}
	return res.RowsAffected()
}

// ── Classification logs ─────────────────────────────────────

func (s *SQLiteStore) CreateClassificationLog(ctx context.Context, c *models.ClassificationLog) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO classification_logs
		(id, project_id, source, requester, text, agent, method, confidence, matched_keyword,
		 reasoning, model, duration_ms, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProjectID, c.Source, c.Requester, c.Text, c.Agent, string(c.Method), c.Confidence,
		c.MatchedKeyword, c.Reasoning, c.Model, c.DurationMs, toNanos(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create classification log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListClassificationLogs(ctx context.Context, projectID string, limit int) ([]models.ClassificationLog, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, source, requester, text, agent, method, confidence, matched_keyword,
		       reasoning, model, duration_ms, created_at
		FROM classification_logs
		WHERE ?1 = '' OR project_id = ?1
		ORDER BY created_at DESC
		LIMIT ?2`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list classification logs: %w", err)
	}
	defer rows.Close()

	var result []models.ClassificationLog
	for rows.Next() {
		var (
			c         models.ClassificationLog
			method    string
			createdAt int64
		)
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Source, &c.Requester, &c.Text, &c.Agent, &method,
			&c.Confidence, &c.MatchedKeyword, &c.Reasoning, &c.Model, &c.DurationMs, &createdAt); err != nil {
			return nil, fmt.Errorf("scan classification log: %w", err)
		}
		c.Method = models.ClassificationMethod(method)
		c.CreatedAt = fromNanos(createdAt)
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) DeleteClassificationLogsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM classification_logs WHERE created_at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete classification logs: %w", err)
	}
	return res.RowsAffected()
}

// ── User context ────────────────────────────────────────────

func (s *SQLiteStore) GetUserSummary(ctx context.Context, userID string) (*models.UserSummary, error) {
	var (
		sum  models.UserSummary
		last sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, summary, last_summarized_at FROM user_summaries WHERE user_id = ?`, userID,
	).Scan(&sum.UserID, &sum.Summary, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "user summary", Key: userID}
	}
	if err != nil {
		return nil, fmt.Errorf("get user summary: %w", err)
	}
	if last.Valid {
		t := fromNanos(last.Int64)
		sum.LastSummarizedAt = &t
	}
	return &sum, nil
}

func (s *SQLiteStore) SaveUserSummary(ctx context.Context, userID, summary string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO user_summaries (user_id, summary, last_summarized_at) VALUES (?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		summary = excluded.summary,
		last_summarized_at = excluded.last_summarized_at`,
		userID, summary, toNanos(at),
	)
	if err != nil {
		return fmt.Errorf("save user summary: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListUserRules(ctx context.Context, userID string) ([]models.UserRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rule, created_at FROM user_rules WHERE user_id = ? ORDER BY created_at, rowid`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user rules: %w", err)
	}
	defer rows.Close()

	var result []models.UserRule
	for rows.Next() {
		var (
			r         models.UserRule
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &r.Rule, &createdAt); err != nil {
			return nil, fmt.Errorf("scan user rule: %w", err)
		}
		r.CreatedAt = fromNanos(createdAt)
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) AddUserRule(ctx context.Context, userID, rule string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO user_rules (id, user_id, rule, created_at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), userID, rule, toNanos(time.Now()))
	if err != nil {
		return false, fmt.Errorf("add user rule: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) DeleteUserRule(ctx context.Context, userID, rule string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_rules WHERE user_id = ? AND rule = ?`, userID, rule)
	if err != nil {
		return false, fmt.Errorf("delete user rule: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) GetSummaryLock(ctx context.Context, userID string) (*models.SummaryLock, error) {
	var (
		l          models.SummaryLock
		acquiredAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, holder_id, acquired_at FROM summary_locks WHERE user_id = ?`, userID,
	).Scan(&l.UserID, &l.HolderID, &acquiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get summary lock: %w", err)
	}
	l.AcquiredAt = fromNanos(acquiredAt)
	return &l, nil
}

// ── Summary locks ───────────────────────────────────────────

// AcquireSummaryLock is a single conditional upsert; SQLite reports zero
// changed rows when the WHERE clause rejects the update.
func (s *SQLiteStore) AcquireSummaryLock(ctx context.Context, userID, holderID string, now, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
	INSERT INTO summary_locks (user_id, holder_id, acquired_at) VALUES (?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		holder_id = excluded.holder_id,
		acquired_at = excluded.acquired_at
	WHERE summary_locks.holder_id = excluded.holder_id OR summary_locks.acquired_at <= ?`,
		userID, holderID, toNanos(now), toNanos(staleBefore),
	)
	if err != nil {
		return false, fmt.Errorf("acquire summary lock: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) ReleaseSummaryLock(ctx context.Context, userID, holderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM summary_locks WHERE user_id = ? AND holder_id = ?`, userID, holderID)
	if err != nil {
		return false, fmt.Errorf("release summary lock: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
