package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
)

// Runtime is the state of one live runtime container.
type Runtime struct {
	Name        string
	Version     string
	Image       string
	Hostname    string
	Secret      string
	Status      Status
	Uptime      time.Duration // build/startup duration, set when the runtime becomes ready
	Listening   bool
	Initialised bool
	Created     time.Time
	Updated     time.Time

	BuildStarted time.Time // when the build command began recording its log
}

// StatusText renders the status the way API consumers expect it ("pending", "Up 1.23s").
func (r Runtime) StatusText() string {
	if r.Status == StatusReady {
		return fmt.Sprintf("Up %.2fs", r.Uptime.Seconds())
	}
	return string(r.Status)
}

func (r Runtime) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Version     string  `json:"version"`
		Created     float64 `json:"created"`
		Updated     float64 `json:"updated"`
		Name        string  `json:"name"`
		Hostname    string  `json:"hostname"`
		Status      string  `json:"status"`
		Key         string  `json:"key"`
		Listening   int     `json:"listening"`
		Image       string  `json:"image"`
		Initialised int     `json:"initialised"`
	}{
		Version:     r.Version,
		Created:     unixSeconds(r.Created),
		Updated:     unixSeconds(r.Updated),
		Name:        r.Name,
		Hostname:    r.Hostname,
		Status:      r.StatusText(),
		Key:         r.Secret,
		Listening:   boolInt(r.Listening),
		Image:       r.Image,
		Initialised: boolInt(r.Initialised),
	})
}

// Registry is a fixed-capacity, concurrency-safe table of runtimes keyed by name.
//
// Set replaces the whole record. Callers that change one field must Get,
// copy, mutate and Set; concurrent mutators of the same key race with
// last-writer-wins. Set still refuses to move Updated backwards or to
// reset Listening/Initialised.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]Runtime
	capacity int
}

func New(capacity int) *Registry {
	if capacity <= 0 {
		panic(fmt.Sprintf("registry: invalid capacity %d", capacity))
	}
	return &Registry{
		entries:  make(map[string]Runtime, capacity),
		capacity: capacity,
	}
}

func (r *Registry) Set(name string, rt Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.entries[name]
	if !ok {
		r.ensureRoom()
	} else {
		rt = keepMonotonic(prev, rt)
	}
	rt.Name = name
	r.entries[name] = rt
}

// Insert stores rt only if name is absent. It returns the existing record and
// false when another caller got there first.
func (r *Registry) Insert(name string, rt Runtime) (Runtime, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[name]; ok {
		return existing, false
	}
	r.ensureRoom()
	rt.Name = name
	r.entries[name] = rt
	return rt, true
}

// Update applies fn to the stored record under the lock. It returns false,
// without calling fn, when name is absent, so a deleted runtime is never
// brought back.
func (r *Registry) Update(name string, fn func(*Runtime)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.entries[name]
	if !ok {
		return false
	}
	fn(&rt)
	rt.Name = name
	r.entries[name] = rt
	return true
}

func (r *Registry) Get(name string) (Runtime, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.entries[name]
	return rt, ok
}

func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

func (r *Registry) Delete(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return false
	}
	delete(r.entries, name)
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns a snapshot of all runtimes in no particular order.
func (r *Registry) List() []Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Runtime, 0, len(r.entries))
	for _, rt := range r.entries {
		out = append(out, rt)
	}
	return out
}

// Range calls fn for each runtime of a name-ordered snapshot until fn returns
// false. fn may call back into the registry.
func (r *Registry) Range(fn func(name string, rt Runtime) bool) {
	snapshot := r.List()
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Name < snapshot[j].Name })
	for _, rt := range snapshot {
		if !fn(rt.Name, rt) {
			return
		}
	}
}

// ensureRoom must be called with mu held.
func (r *Registry) ensureRoom() {
	if len(r.entries) >= r.capacity {
		panic(fmt.Sprintf("registry: capacity of %d runtimes exceeded", r.capacity))
	}
}

func keepMonotonic(prev, next Runtime) Runtime {
	if next.Updated.Before(prev.Updated) {
		next.Updated = prev.Updated
	}
	next.Listening = next.Listening || prev.Listening
	next.Initialised = next.Initialised || prev.Initialised
	return next
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMicro()) / 1e6
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
