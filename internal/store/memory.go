// In-memory Store implementation.
// Used for local dev and tests. Supports file-based snapshot persistence so
// catalog state, history and user context survive restarts.

package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/dispatcher/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Projects        map[string]*models.Project     `json:"projects"`
	Agents          map[string][]*models.Agent     `json:"agents"` // key: project id → declared order
	Executions      map[string]*models.Execution   `json:"executions"`
	Classifications []*models.ClassificationLog    `json:"classifications"`
	Summaries       map[string]*models.UserSummary `json:"summaries"`
	Rules           map[string][]models.UserRule   `json:"rules"`
	Locks           map[string]*models.SummaryLock `json:"locks"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu              sync.RWMutex
	projects        map[string]*models.Project     // key: id
	agents          map[string][]*models.Agent     // key: project id
	executions      map[string]*models.Execution   // key: id
	classifications []*models.ClassificationLog    // append-only log
	summaries       map[string]*models.UserSummary // key: user id
	rules           map[string][]models.UserRule   // key: user id, oldest first
	locks           map[string]*models.SummaryLock // key: user id

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	closeOnce    sync.Once
}

// NewMemoryStore creates a new in-memory store. When dataDir is non-empty,
// data is persisted to dataDir/dispatcher.json.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		projects:   make(map[string]*models.Project),
		agents:     make(map[string][]*models.Agent),
		executions: make(map[string]*models.Execution),
		summaries:  make(map[string]*models.UserSummary),
		rules:      make(map[string][]models.UserRule),
		locks:      make(map[string]*models.SummaryLock),
		saveCh:     make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "dispatcher.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop debounces save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			select {
			case <-time.After(500 * time.Millisecond):
			case <-m.doneCh:
				return
			}
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Projects:        m.projects,
		Agents:          m.agents,
		Executions:      m.executions,
		Classifications: m.classifications,
		Summaries:       m.summaries,
		Rules:           m.rules,
		Locks:           m.locks,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Projects != nil {
		m.projects = snap.Projects
	}
	if snap.Agents != nil {
		m.agents = snap.Agents
	}
	if snap.Executions != nil {
		m.executions = snap.Executions
	}
	if snap.Classifications != nil {
		m.classifications = snap.Classifications
	}
	if snap.Summaries != nil {
		m.summaries = snap.Summaries
	}
	if snap.Rules != nil {
		m.rules = snap.Rules
	}
	if snap.Locks != nil {
		m.locks = snap.Locks
	}

	log.Info().
		Int("projects", len(m.projects)).
		Int("executions", len(m.executions)).
		Int("users", len(m.summaries)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops the save loop and flushes pending data.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			m.saveSnapshot()
		}
	})
	return nil
}

// ── Projects ────────────────────────────────────────────────

func (m *MemoryStore) ListProjects(_ context.Context) ([]models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.Project, 0, len(m.projects))
	for _, p := range m.projects {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) GetProject(_ context.Context, id string) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "project", Key: id}
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpsertProject(_ context.Context, project *models.Project) error {
	m.mu.Lock()
	now := time.Now().UTC()
	cp := *project
	if existing, ok := m.projects[cp.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.projects[cp.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteProject(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.projects[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "project", Key: id}
	}
	delete(m.projects, id)
	delete(m.agents, id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Agents ──────────────────────────────────────────────────

func (m *MemoryStore) ListAgents(_ context.Context, projectID string) ([]models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.agents[projectID]
	result := make([]models.Agent, 0, len(list))
	for _, a := range list {
		result = append(result, *a)
	}
	return result, nil
}

func (m *MemoryStore) GetAgent(_ context.Context, projectID, name string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.agents[projectID] {
		if a.Name == name {
			cp := *a
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "agent", Key: projectID + "/" + name}
}

// UpsertAgent replaces an agent with the same name or appends it, assigning
// the next declared position.
func (m *MemoryStore) UpsertAgent(_ context.Context, agent *models.Agent) error {
	m.mu.Lock()
	now := time.Now().UTC()
	cp := *agent
	cp.UpdatedAt = now
	list := m.agents[cp.ProjectID]
	replaced := false
	for i, a := range list {
		if a.Name == cp.Name {
			cp.CreatedAt = a.CreatedAt
			cp.Position = a.Position
			list[i] = &cp
			replaced = true
			break
		}
	}
	if !replaced {
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		cp.Position = len(list)
		m.agents[cp.ProjectID] = append(list, &cp)
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteAgent(_ context.Context, projectID, name string) error {
	m.mu.Lock()
	list := m.agents[projectID]
	for i, a := range list {
		if a.Name == name {
			m.agents[projectID] = append(list[:i:i], list[i+1:]...)
			m.mu.Unlock()
			m.requestSave()
			return nil
		}
	}
	m.mu.Unlock()
	return &ErrNotFound{Entity: "agent", Key: projectID + "/" + name}
}

func (m *MemoryStore) ReplaceAgents(_ context.Context, projectID string, agents []models.Agent) error {
	now := time.Now().UTC()
	list := make([]*models.Agent, 0, len(agents))
	for i := range agents {
		cp := agents[i]
		cp.ProjectID = projectID
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		cp.UpdatedAt = now
		list = append(list, &cp)
	}
	m.mu.Lock()
	m.agents[projectID] = list
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Executions ──────────────────────────────────────────────

func (m *MemoryStore) CreateExecution(_ context.Context, exec *models.Execution) error {
	cp := *exec
	if cp.ID == "" {
		cp.ID = uuid.NewString()
		exec.ID = cp.ID
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
		exec.CreatedAt = cp.CreatedAt
	}
	m.mu.Lock()
	m.executions[cp.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*models.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "execution", Key: id}
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) ListExecutionsByRequester(_ context.Context, requester string, since *time.Time, limit int) ([]models.Execution, error) {
	m.mu.RLock()
	var result []models.Execution
	for _, e := range m.executions {
		if e.Requester != requester {
			continue
		}
		if since != nil && !e.CreatedAt.After(*since) {
			continue
		}
		result = append(result, *e)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) DeleteExecutionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	var n int64
	for id, e := range m.executions {
		if e.CreatedAt.Before(cutoff) {
			delete(m.executions, id)
			n++
		}
	}
	m.mu.Unlock()
	if n > 0 {
		m.requestSave()
	}
	return n, nil
}

// ── Classification logs ─────────────────────────────────────

func (m *MemoryStore) CreateClassificationLog(_ context.Context, entry *models.ClassificationLog) error {
	cp := *entry
	if cp.ID == "" {
		cp.ID = uuid.NewString()
		entry.ID = cp.ID
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
		entry.CreatedAt = cp.CreatedAt
	}
	m.mu.Lock()
	m.classifications = append(m.classifications, &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ListClassificationLogs returns newest first. An empty projectID lists all.
func (m *MemoryStore) ListClassificationLogs(_ context.Context, projectID string, limit int) ([]models.ClassificationLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.ClassificationLog
	for i := len(m.classifications) - 1; i >= 0; i-- {
		c := m.classifications[i]
		if projectID != "" && c.ProjectID != projectID {
			continue
		}
		result = append(result, *c)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) DeleteClassificationLogsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	kept := m.classifications[:0]
	var n int64
	for _, c := range m.classifications {
		if c.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, c)
	}
	m.classifications = kept
	m.mu.Unlock()
	if n > 0 {
		m.requestSave()
	}
	return n, nil
}

// ── User context ────────────────────────────────────────────

func (m *MemoryStore) GetUserSummary(_ context.Context, userID string) (*models.UserSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.summaries[userID]
	if !ok {
		return nil, &ErrNotFound{Entity: "user summary", Key: userID}
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) SaveUserSummary(_ context.Context, userID, summary string, at time.Time) error {
	at = at.UTC()
	m.mu.Lock()
	m.summaries[userID] = &models.UserSummary{UserID: userID, Summary: summary, LastSummarizedAt: &at}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListUserRules(_ context.Context, userID string) ([]models.UserRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rules := m.rules[userID]
	result := make([]models.UserRule, len(rules))
	copy(result, rules)
	return result, nil
}

func (m *MemoryStore) AddUserRule(_ context.Context, userID, rule string) (bool, error) {
	m.mu.Lock()
	for _, r := range m.rules[userID] {
		if r.Rule == rule {
			m.mu.Unlock()
			return false, nil
		}
	}
	m.rules[userID] = append(m.rules[userID], models.UserRule{
		ID:        uuid.NewString(),
		Rule:      rule,
		CreatedAt: time.Now().UTC(),
	})
	m.mu.Unlock()
	m.requestSave()
	return true, nil
}

func (m *MemoryStore) DeleteUserRule(_ context.Context, userID, rule string) (bool, error) {
	m.mu.Lock()
	rules := m.rules[userID]
	for i, r := range rules {
		if r.Rule == rule {
			m.rules[userID] = append(rules[:i:i], rules[i+1:]...)
			m.mu.Unlock()
			m.requestSave()
			return true, nil
		}
	}
	m.mu.Unlock()
	return false, nil
}

func (m *MemoryStore) GetSummaryLock(_ context.Context, userID string) (*models.SummaryLock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.locks[userID]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

// ── Summary locks ───────────────────────────────────────────

func (m *MemoryStore) AcquireSummaryLock(_ context.Context, userID, holderID string, now, staleBefore time.Time) (bool, error) {
	m.mu.Lock()
	if l, ok := m.locks[userID]; ok && l.HolderID != holderID && l.AcquiredAt.After(staleBefore) {
		m.mu.Unlock()
		return false, nil
	}
	m.locks[userID] = &models.SummaryLock{UserID: userID, HolderID: holderID, AcquiredAt: now.UTC()}
	m.mu.Unlock()
	m.requestSave()
	return true, nil
}

func (m *MemoryStore) ReleaseSummaryLock(_ context.Context, userID, holderID string) (bool, error) {
	m.mu.Lock()
	l, ok := m.locks[userID]
	if !ok || l.HolderID != holderID {
		m.mu.Unlock()
		return false, nil
	}
	delete(m.locks, userID)
	m.mu.Unlock()
	m.requestSave()
	return true, nil
}
