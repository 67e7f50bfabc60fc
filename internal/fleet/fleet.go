// Package fleet aggregates the live state of every installed server: its
// persisted record, its child session (if running), and its discovered
// tools. It is the one place that ties the store, the supervisor and the
// conduit together; the gateway never touches those packages directly.
package fleet

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mcpcore/core/internal/conduit"
	"github.com/mcpcore/core/internal/config"
	"github.com/mcpcore/core/internal/store"
	"github.com/mcpcore/core/internal/supervisor"
)

// ErrNotFound is returned when a server id has no record.
var ErrNotFound = store.ErrNotFound

// session is the live twin of an enabled Server Record.
type session struct {
	handle  *supervisor.Handle
	conduit *conduit.Conduit
	mu      sync.Mutex
	tools   []conduit.ToolDescriptor
}

// ServerSummary is the read-only view returned by ListServers.
type ServerSummary struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	Runtime        string `json:"runtime"`
	Enabled        bool   `json:"enabled"`
	ProcessRunning bool   `json:"process_running"`
	ToolCount      int    `json:"tool_count"`
}

// ToolEntry is one flattened tool exposed by ListAllTools.
type ToolEntry struct {
	ProxyID     string `json:"proxy_id"`
	ServerID    string `json:"server_id"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Registry owns the in-memory map of server id -> record + session.
type Registry struct {
	cfg   *config.Config
	store *store.DB

	mu      sync.RWMutex
	records map[string]*store.ServerRecord
	sessions map[string]*session

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// lockFor returns the per-id mutex serializing kill+spawn for id, creating
// it on first use. Every restart path (Restart, SetEnabled, Register,
// RestoreEnabled, Uninstall) must hold this lock across the whole
// kill-then-spawn sequence so a losing concurrent spawn never goes
// untracked — see Testable Property #3.
func (r *Registry) lockFor(id string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// New loads every persisted record into memory. It does not spawn
// anything; call RestoreEnabled to bring enabled servers up.
func New(cfg *config.Config, db *store.DB) (*Registry, error) {
	records, err := db.List()
	if err != nil {
		return nil, fmt.Errorf("load server records: %w", err)
	}
	return &Registry{
		cfg:      cfg,
		store:    db,
		records:  records,
		sessions: make(map[string]*session),
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// RestoreEnabled spawns a child for every enabled record, as a daemon
// restart would. Spawn failures are logged and skipped so one bad record
// does not prevent the rest of the fleet from coming up.
func (r *Registry) RestoreEnabled(ctx context.Context) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.records))
	for id, rec := range r.records {
		if rec.Enabled {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range ids {
		lock := r.lockFor(id)
		lock.Lock()
		err := r.spawnAndDiscover(ctx, id)
		lock.Unlock()
		if err != nil {
			log.Printf("fleet: restore %s failed: %v", id, err)
		}
	}
}

// Register persists a new Server Record, then spawns it if enabled.
func (r *Registry) Register(ctx context.Context, rec *store.ServerRecord) error {
	if rec.Runtime != "node" && rec.Runtime != "python" && rec.Runtime != "docker" {
		return fmt.Errorf("register %s: unsupported runtime %q", rec.ID, rec.Runtime)
	}
	if rec.Enabled && rec.Command == "" {
		return fmt.Errorf("register %s: command required when enabled", rec.ID)
	}

	if err := r.store.Upsert(rec); err != nil {
		return fmt.Errorf("persist %s: %w", rec.ID, err)
	}

	r.mu.Lock()
	r.records[rec.ID] = rec
	r.mu.Unlock()

	if rec.Enabled {
		lock := r.lockFor(rec.ID)
		lock.Lock()
		defer lock.Unlock()
		return r.spawnAndDiscover(ctx, rec.ID)
	}
	return nil
}

// Uninstall kills any live session, removes the record from the store and
// from memory.
func (r *Registry) Uninstall(id string) error {
	lock := r.lockFor(id)
	lock.Lock()
	r.killSession(id)
	lock.Unlock()

	if err := r.store.Delete(id); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.records, id)
	r.mu.Unlock()

	r.locksMu.Lock()
	delete(r.locks, id)
	r.locksMu.Unlock()
	return nil
}

// SetEnabled flips the enabled flag, persists it, then spawns or kills the
// child to match.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	updated := *rec
	updated.Enabled = enabled
	r.mu.Unlock()

	if err := r.store.Upsert(&updated); err != nil {
		return fmt.Errorf("persist %s: %w", id, err)
	}

	r.mu.Lock()
	r.records[id] = &updated
	r.mu.Unlock()

	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if enabled {
		return r.spawnAndDiscover(ctx, id)
	}
	r.killSession(id)
	return nil
}

// UpdateEnv merges env into the persisted record, then restarts the child
// if it was running so the new values take effect.
func (r *Registry) UpdateEnv(ctx context.Context, id string, env map[string]store.EnvVar) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	updated := *rec
	merged := make(map[string]store.EnvVar, len(rec.Env)+len(env))
	for k, v := range rec.Env {
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}
	updated.Env = merged
	wasRunning := r.sessionRunning(id)
	r.mu.Unlock()

	if err := r.store.Upsert(&updated); err != nil {
		return fmt.Errorf("persist %s: %w", id, err)
	}

	r.mu.Lock()
	r.records[id] = &updated
	r.mu.Unlock()

	if wasRunning {
		return r.Restart(ctx, id)
	}
	return nil
}

// Restart kills the live session (if any) and spawns a fresh one, running
// discovery again. The whole kill+spawn sequence runs under id's lock so
// concurrent Restart/SetEnabled calls on the same id never race: at most
// one process ends up tracked in r.sessions.
func (r *Registry) Restart(ctx context.Context, id string) error {
	lock := r.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	r.killSession(id)
	return r.spawnAndDiscover(ctx, id)
}

// Shutdown kills every live session without persisting any change to the
// enabled flag, so a subsequent RestoreEnabled on next start brings every
// previously-enabled server back up. Unlike SetEnabled(..., false), this
// must never touch the store.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		lock := r.lockFor(id)
		lock.Lock()
		r.killSession(id)
		lock.Unlock()
	}
}

// ListServers returns a read-only snapshot of every installed server.
func (r *Registry) ListServers() []ServerSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServerSummary, 0, len(r.records))
	for id, rec := range r.records {
		sess := r.sessions[id]
		toolCount := 0
		running := false
		if sess != nil {
			sess.mu.Lock()
			toolCount = len(sess.tools)
			sess.mu.Unlock()
			select {
			case <-sess.handle.Done():
			default:
				running = true
			}
		}
		out = append(out, ServerSummary{
			ID:             id,
			Name:           rec.Name,
			Description:    rec.Description,
			Runtime:        rec.Runtime,
			Enabled:        rec.Enabled,
			ProcessRunning: running,
			ToolCount:      toolCount,
		})
	}
	return out
}

// ListAllTools flattens every live session's tool list, prefixed by proxy
// id. Never emits a duplicate proxy id: the map key already guarantees
// uniqueness per server, and tool ids are unique within one session's
// discovery result by construction of the child.
func (r *Registry) ListAllTools() []ToolEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ToolEntry
	for id, sess := range r.sessions {
		sess.mu.Lock()
		tools := sess.tools
		sess.mu.Unlock()
		for _, t := range tools {
			out = append(out, ToolEntry{
				ProxyID:     id + ":" + t.ID,
				ServerID:    id,
				ID:          t.ID,
				Name:        t.Name,
				Description: t.Description,
			})
		}
	}
	return out
}

// Get returns the persisted record for id.
func (r *Registry) Get(id string) (*store.ServerRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// FindConduit locates the live conduit for a proxy id or a bare tool name,
// returning the server id and conduit for call routing.
func (r *Registry) FindConduit(name string) (serverID string, c *conduit.Conduit, toolID string, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, sess := range r.sessions {
		sess.mu.Lock()
		tools := sess.tools
		sess.mu.Unlock()
		for _, t := range tools {
			if id+":"+t.ID == name || t.ID == name || t.Name == name {
				return id, sess.conduit, t.ID, nil
			}
		}
	}
	return "", nil, "", fmt.Errorf("no server exposes tool %q", name)
}

func (r *Registry) sessionRunning(id string) bool {
	sess, ok := r.sessions[id]
	if !ok {
		return false
	}
	select {
	case <-sess.handle.Done():
		return false
	default:
		return true
	}
}

func (r *Registry) killSession(id string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sess.handle.Kill(ctx); err != nil {
		log.Printf("fleet: kill %s: %v", id, err)
	}
}

func (r *Registry) spawnAndDiscover(ctx context.Context, id string) error {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if !rec.Enabled {
		return nil
	}

	env := make(map[string]string, len(rec.Env))
	for k, v := range rec.Env {
		env[k] = v.Value
	}

	spec := supervisor.Spec{
		ServerID:  rec.ID,
		Runtime:   supervisor.Runtime(rec.Runtime),
		Command:   rec.Command,
		Args:      rec.Args,
		Env:       env,
		NodeBin:   r.cfg.NodeBin,
		PythonBin: r.cfg.PythonBin,
		DockerBin: r.cfg.DockerBin,
	}

	handle, err := supervisor.Spawn(spec, r.cfg.KillGrace)
	if err != nil {
		return fmt.Errorf("spawn %s: %w", id, err)
	}

	sess := &session{handle: handle}
	sess.conduit = conduit.New(id, handle.Stdin, handle.Stdout, func(err error) {
		log.Printf("fleet: conduit for %s closed: %v", id, err)
	})

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()

	go r.runDiscovery(ctx, id, rec, sess)
	return nil
}

// runDiscovery waits the configured warm-up, then attempts tools/list
// within the overall discovery budget. Failure or an empty result installs
// the synthetic "main" fallback tool so the server stays addressable.
func (r *Registry) runDiscovery(ctx context.Context, id string, rec *store.ServerRecord, sess *session) {
	select {
	case <-time.After(r.cfg.SpawnWarmup):
	case <-sess.handle.Done():
		return
	case <-ctx.Done():
		return
	}

	budgetCtx, cancel := context.WithTimeout(ctx, r.cfg.DiscoverBudget)
	defer cancel()

	callCtx, callCancel := context.WithTimeout(budgetCtx, r.cfg.DiscoverTimeout)
	defer callCancel()

	result, raw, err := sess.conduit.CallFull(callCtx, sess.conduit.NextID(), "tools/list", nil)
	var tools []conduit.ToolDescriptor
	if err != nil {
		log.Printf("fleet: discovery failed for %s: %v", id, err)
	} else {
		var shape string
		tools, shape = conduit.ParseDiscoverResult(result, raw)
		log.Printf("fleet: discovery for %s matched shape %q (%d tools)", id, shape, len(tools))
	}

	if len(tools) == 0 {
		tools = []conduit.ToolDescriptor{{ID: "main", Name: rec.Name, Description: rec.Description}}
	}

	sess.mu.Lock()
	sess.tools = tools
	sess.mu.Unlock()
}
