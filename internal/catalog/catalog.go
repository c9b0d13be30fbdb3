// Package catalog loads projects and their agents from a YAML file and keeps
// storage in step with it.
//
// The file is the source of truth: every project it declares is upserted,
// agents are replaced wholesale in declared order, and projects that
// disappear from the file are deleted from storage and dropped from the
// admission cache. Call Watch to re-apply the file whenever it changes.
//
//	projects:
//	  - id: web
//	    rate_limit_rpm: 60
//	    agents:
//	      - name: reviewer
//	        priority: 80
//	        keywords: [review, '/\bMR\s*!\d+/']
//	        instruction: Review the merge request.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentoven/dispatcher/internal/ratelimit"
	"github.com/agentoven/dispatcher/internal/semantic"
	"github.com/agentoven/dispatcher/internal/store"
	"github.com/agentoven/dispatcher/pkg/models"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const defaultDebounce = 250 * time.Millisecond

// Entry is one project with its agents in declared order.
type Entry struct {
	Project models.Project
	Agents  []models.Agent
}

// Catalog is a parsed catalog file.
type Catalog struct {
	Projects []Entry
}

// Project returns the entry with the given id.
func (c *Catalog) Project(id string) (*Entry, bool) {
	for i := range c.Projects {
		if c.Projects[i].Project.ID == id {
			return &c.Projects[i], true
		}
	}
	return nil, false
}

type fileFormat struct {
	Projects []projectSpec `yaml:"projects"`
}

type projectSpec struct {
	models.Project `yaml:",inline"`
	Agents         []agentSpec `yaml:"agents"`
}

// agentSpec defaults the priority before decoding so an explicit 0 survives.
type agentSpec models.Agent

func (a *agentSpec) UnmarshalYAML(n *yaml.Node) error {
	type plain models.Agent
	p := plain{Priority: models.DefaultAgentPriority}
	if err := n.Decode(&p); err != nil {
		return err
	}
	*a = agentSpec(p)
	return nil
}

// Defaults fill project and agent fields the file leaves unset. Zero
// values fall back to the model package defaults.
type Defaults struct {
	FallbackAgent   string
	ClassifyModel   string
	ClassifyTimeout int // seconds
	AgentModel      string
	AgentTimeout    int // seconds
}

func (d Defaults) applyProject(p *models.Project) {
	if p.FallbackAgent == "" {
		p.FallbackAgent = d.FallbackAgent
	}
	if p.ClassifyModel == "" {
		p.ClassifyModel = d.ClassifyModel
	}
	if p.ClassifyTimeout <= 0 {
		p.ClassifyTimeout = d.ClassifyTimeout
	}
	p.ApplyDefaults()
}

func (d Defaults) applyAgent(a *models.Agent) {
	if a.Model == "" {
		a.Model = d.AgentModel
	}
	if a.Timeout <= 0 {
		a.Timeout = d.AgentTimeout
	}
	a.ApplyDefaults()
}

// Parse decodes and validates catalog YAML using the model defaults.
func Parse(data []byte) (*Catalog, error) {
	return ParseWithDefaults(data, Defaults{})
}

// ParseWithDefaults decodes and validates catalog YAML.
func ParseWithDefaults(data []byte, defaults Defaults) (*Catalog, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	cat := &Catalog{Projects: make([]Entry, 0, len(f.Projects))}
	seenProjects := make(map[string]bool, len(f.Projects))
	for _, ps := range f.Projects {
		p := ps.Project
		if p.ID == "" {
			return nil, errors.New("catalog: project without id")
		}
		if seenProjects[p.ID] {
			return nil, fmt.Errorf("catalog: duplicate project %q", p.ID)
		}
		seenProjects[p.ID] = true
		defaults.applyProject(&p)

		agents := make([]models.Agent, 0, len(ps.Agents))
		seenAgents := make(map[string]bool, len(ps.Agents))
		for i, as := range ps.Agents {
			a := models.Agent(as)
			if a.Name == "" {
				return nil, fmt.Errorf("catalog: project %q: agent #%d without name", p.ID, i+1)
			}
			if seenAgents[a.Name] {
				return nil, fmt.Errorf("catalog: project %q: duplicate agent %q", p.ID, a.Name)
			}
			seenAgents[a.Name] = true
			a.ProjectID = p.ID
			a.Position = i
			a.ID = ""
			defaults.applyAgent(&a)
			agents = append(agents, a)
		}
		cat.Projects = append(cat.Projects, Entry{Project: p, Agents: agents})
	}
	return cat, nil
}

// LoadFile reads and parses a catalog file.
func LoadFile(path string, defaults Defaults) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseWithDefaults(data, defaults)
}

// ── Loader ──────────────────────────────────────────────────

// Loader applies a catalog file to storage.
type Loader struct {
	path     string
	store    store.Store
	limiter  *ratelimit.Limiter
	indexer  semantic.Indexer
	defaults Defaults
	debounce time.Duration

	applyMu sync.Mutex

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Loader.
type Option func(*Loader)

// WithIndexer re-syncs the semantic index for every applied project.
func WithIndexer(ix semantic.Indexer) Option {
	return func(l *Loader) { l.indexer = ix }
}

// WithDefaults sets the defaults applied to every parsed project and agent.
func WithDefaults(d Defaults) Option {
	return func(l *Loader) { l.defaults = d }
}

// WithDebounce sets how long the watcher waits for writes to settle.
func WithDebounce(d time.Duration) Option {
	return func(l *Loader) { l.debounce = d }
}

// NewLoader creates a loader for the catalog at path. limiter may be nil.
func NewLoader(path string, st store.Store, limiter *ratelimit.Limiter, opts ...Option) *Loader {
	l := &Loader{path: path, store: st, limiter: limiter, debounce: defaultDebounce}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Path returns the catalog file path.
func (l *Loader) Path() string { return l.path }

// Reload reads the file and applies it.
func (l *Loader) Reload(ctx context.Context) error {
	cat, err := LoadFile(l.path, l.defaults)
	if err != nil {
		return err
	}
	return l.Apply(ctx, cat)
}

// Apply makes storage match the catalog. A failure part-way leaves the
// projects applied so far in place; the next Apply converges.
func (l *Loader) Apply(ctx context.Context, cat *Catalog) error {
	l.applyMu.Lock()
	defer l.applyMu.Unlock()

	existing, err := l.store.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}

	wanted := make(map[string]bool, len(cat.Projects))
	for i := range cat.Projects {
		e := &cat.Projects[i]
		wanted[e.Project.ID] = true

		project := e.Project
		if err := l.store.UpsertProject(ctx, &project); err != nil {
			return fmt.Errorf("upsert project %s: %w", project.ID, err)
		}
		if err := l.store.ReplaceAgents(ctx, project.ID, e.Agents); err != nil {
			return fmt.Errorf("replace agents of %s: %w", project.ID, err)
		}
		l.syncIndex(ctx, project.ID, e.Agents)
	}

	removed := 0
	for _, p := range existing {
		if wanted[p.ID] {
			continue
		}
		if err := l.store.DeleteProject(ctx, p.ID); err != nil && !store.IsNotFound(err) {
			return fmt.Errorf("delete project %s: %w", p.ID, err)
		}
		if l.limiter != nil {
			l.limiter.Remove(p.ID)
		}
		l.dropIndex(ctx, p.ID)
		removed++
	}

	log.Info().
		Str("path", l.path).
		Int("projects", len(cat.Projects)).
		Int("removed", removed).
		Msg("Catalog applied")
	return nil
}

func (l *Loader) syncIndex(ctx context.Context, projectID string, agents []models.Agent) {
	if l.indexer == nil {
		return
	}
	n, err := l.indexer.Sync(ctx, projectID, agents)
	if err != nil {
		log.Warn().Err(err).Str("project", projectID).Msg("Semantic index sync failed")
		return
	}
	log.Debug().Str("project", projectID).Int("examples", n).Msg("Semantic index synced")
}

// dropIndex clears a removed project from the index.
func (l *Loader) dropIndex(ctx context.Context, projectID string) {
	if r, ok := l.indexer.(semantic.Remover); ok {
		r.Remove(projectID)
		log.Debug().Str("project", projectID).Msg("Semantic index entries removed")
		return
	}
	l.syncIndex(ctx, projectID, nil)
}

// ── Watching ────────────────────────────────────────────────

// Watch re-applies the catalog whenever the file changes, until ctx is
// cancelled or Close is called. The parent directory is watched so editors
// that replace the file by rename are picked up.
func (l *Loader) Watch(ctx context.Context) error {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	if l.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(l.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", l.path, err)
	}
	l.watcher = watcher

	watchCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.wg.Add(1)
	go l.watchLoop(watchCtx, watcher)

	log.Info().Str("path", l.path).Msg("Watching catalog")
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer l.wg.Done()

	target := filepath.Clean(l.path)
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(l.debounce, func() {
			if err := l.Reload(ctx); err != nil {
				log.Warn().Err(err).Str("path", l.path).Msg("Catalog reload failed, keeping previous state")
			}
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				schedule()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Catalog watch error")
		}
	}
}

// Close stops watching.
func (l *Loader) Close() error {
	l.watchMu.Lock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	watcher := l.watcher
	l.watcher = nil
	l.watchMu.Unlock()

	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	l.wg.Wait()
	return err
}
