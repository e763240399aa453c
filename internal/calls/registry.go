package calls

import (
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dense-identity/callctl/internal/callerr"
	"github.com/dense-identity/callctl/internal/engine"
)

// Tombstone defaults.
const (
	DefaultTombstones   = 256
	DefaultTombstoneTTL = 5 * time.Minute
)

// Registry owns every live Call. It is only touched from the worker, so it
// has no locks.
type Registry struct {
	byID     map[string]*Call
	byHandle map[engine.CallHandle]*Call

	// removed remembers the public id of recently destroyed calls.
	removed *expirable.LRU[engine.CallHandle, string]
}

// NewRegistry creates a registry that remembers up to tombstones removed
// calls for ttl.
func NewRegistry(tombstones int, ttl time.Duration) *Registry {
	if tombstones <= 0 {
		tombstones = DefaultTombstones
	}
	if ttl <= 0 {
		ttl = DefaultTombstoneTTL
	}
	return &Registry{
		byID:     make(map[string]*Call),
		byHandle: make(map[engine.CallHandle]*Call),
		removed:  expirable.NewLRU[engine.CallHandle, string](tombstones, nil, ttl),
	}
}

// Register adds c. A second call under the same id is refused.
func (r *Registry) Register(c *Call) error {
	if _, ok := r.byID[c.ID]; ok {
		return callerr.DuplicateCall(c.ID)
	}
	r.byID[c.ID] = c
	if c.Handle != "" {
		r.byHandle[c.Handle] = c
		r.removed.Remove(c.Handle)
	}
	return nil
}

// Lookup finds a call by its public id.
func (r *Registry) Lookup(id string) (*Call, error) {
	c, ok := r.byID[id]
	if !ok {
		return nil, callerr.CallNotFound(id)
	}
	return c, nil
}

// LookupHandle finds a call by its engine handle.
func (r *Registry) LookupHandle(h engine.CallHandle) (*Call, bool) {
	c, ok := r.byHandle[h]
	return c, ok
}

// Removed returns the public id of a call destroyed recently under h.
func (r *Registry) Removed(h engine.CallHandle) (string, bool) {
	return r.removed.Get(h)
}

// removeOnTerminal destroys c. Only the state machine calls it, once the
// terminal notification has been delivered.
func (r *Registry) removeOnTerminal(c *Call) bool {
	cur, ok := r.byID[c.ID]
	if !ok || cur != c {
		return false
	}
	delete(r.byID, c.ID)
	if c.Handle != "" {
		delete(r.byHandle, c.Handle)
		r.removed.Add(c.Handle, c.ID)
	}
	return true
}

// Len returns the number of live calls.
func (r *Registry) Len() int {
	return len(r.byID)
}

// Snapshot copies every live call, oldest first.
func (r *Registry) Snapshot() []Summary {
	out := make([]Summary, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c.summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
