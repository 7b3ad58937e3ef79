// Package userstore resolves an inbound message's (channel, external
// identity) pair to a durable employee_id and lays out that employee's
// on-disk state: scheduler database, per-thread workspaces, and memo file.
package userstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/basket/workcell/internal/channel"
)

// Route is one static routing-table entry: a (channel, external identity)
// pair mapped to the employee that owns it. The routing table is config,
// not a database — operators edit it the same way they edit channel
// credentials, and a restart is an acceptable way to pick up a change.
type Route struct {
	Channel    channel.Kind `yaml:"channel"`
	External   string       `yaml:"external_id"`
	TenantID   string       `yaml:"tenant_id,omitempty"`
	EmployeeID string       `yaml:"employee_id"`
}

// Router resolves inbound identities to employee ids via a static table.
type Router struct {
	mu     sync.RWMutex
	routes map[string]Route // key: channel + ":" + external
}

func NewRouter(routes []Route) *Router {
	r := &Router{routes: make(map[string]Route, len(routes))}
	for _, route := range routes {
		r.routes[routeKey(route.Channel, route.External)] = route
	}
	return r
}

func routeKey(ch channel.Kind, external string) string {
	return string(ch) + ":" + external
}

// Resolve looks up the employee owning (ch, external). ok is false when no
// route matches; callers typically route that message to an operator alert
// rather than dropping it silently.
func (r *Router) Resolve(ch channel.Kind, external string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[routeKey(ch, external)]
	return route, ok
}

// Reload atomically swaps the routing table, used when the config file
// watcher detects a change.
func (r *Router) Reload(routes []Route) {
	next := make(map[string]Route, len(routes))
	for _, route := range routes {
		next[routeKey(route.Channel, route.External)] = route
	}
	r.mu.Lock()
	r.routes = next
	r.mu.Unlock()
}

// Paths is the on-disk layout for a single employee's durable state, all
// rooted under one directory so backup/restore is a single tree copy.
type Paths struct {
	Root string
}

func NewPaths(dataRoot, employeeID string) Paths {
	return Paths{Root: filepath.Join(dataRoot, "employees", employeeID)}
}

func (p Paths) TasksDBPath() string   { return filepath.Join(p.Root, "scheduler", "tasks.db") }
func (p Paths) MemoPath() string      { return filepath.Join(p.Root, "memory", "memo.md") }
func (p Paths) SkillsDir() string     { return filepath.Join(p.Root, "skills") }
func (p Paths) ThreadsDir() string    { return filepath.Join(p.Root, "threads") }

// ThreadDir returns the directory holding one conversation thread's durable
// state: its epoch counter, archive, and the reply drafts written there by
// the most recent RunTask.
func (p Paths) ThreadDir(threadID string) string {
	return filepath.Join(p.ThreadsDir(), sanitizeThreadID(threadID))
}

func (p Paths) ThreadStatePath(threadID string) string {
	return filepath.Join(p.ThreadDir(threadID), "thread_state.json")
}

// WorkspaceDir returns a fresh per-run workspace directory under a thread,
// keyed by the scheduled task id so concurrent runs against different
// threads (or re-runs of the same thread over time) never collide.
func (p Paths) WorkspaceDir(threadID, taskID string) string {
	return filepath.Join(p.ThreadDir(threadID), "runs", taskID)
}

func sanitizeThreadID(threadID string) string {
	if threadID == "" {
		return "default"
	}
	safe := make([]byte, 0, len(threadID))
	for i := 0; i < len(threadID); i++ {
		c := threadID[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			safe = append(safe, c)
		default:
			safe = append(safe, '_')
		}
	}
	return string(safe)
}

// Ensure creates every durable directory an employee needs before their
// first task runs.
func (p Paths) Ensure() error {
	for _, dir := range []string{
		filepath.Dir(p.TasksDBPath()),
		filepath.Dir(p.MemoPath()),
		p.SkillsDir(),
		p.ThreadsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("userstore: ensure %s: %w", dir, err)
		}
	}
	return nil
}
