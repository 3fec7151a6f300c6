package relay

import (
	"sort"
	"sync"
	"time"
)

// Call is one attempt the relay is routing for. A call is ringing until a
// callee answers, then answered until someone hangs up.
type Call struct {
	ID             string
	ConversationID string
	InitiatorID    string
	Kind           string
	Callees        []string
	AnsweredBy     string
	CreatedAt      time.Time
	AnsweredAt     time.Time

	rejected map[string]bool
}

// Answered reports whether a callee took the call.
func (c *Call) Answered() bool { return c.AnsweredBy != "" }

// Involves reports whether userID may exchange signaling on the call. Once
// answered only the initiator and the answering callee are involved.
func (c *Call) Involves(userID string) bool {
	if userID == c.InitiatorID {
		return true
	}
	if c.Answered() {
		return userID == c.AnsweredBy
	}
	return c.IsCallee(userID)
}

// IsCallee reports whether userID was rung.
func (c *Call) IsCallee(userID string) bool {
	for _, id := range c.Callees {
		if id == userID {
			return true
		}
	}
	return false
}

// Peer returns the other side of an answered call.
func (c *Call) Peer(userID string) string {
	if userID == c.InitiatorID {
		return c.AnsweredBy
	}
	return c.InitiatorID
}

// Duration is the answered time up to now.
func (c *Call) Duration(now time.Time) time.Duration {
	if !c.Answered() {
		return 0
	}
	return now.Sub(c.AnsweredAt)
}

func (c *Call) clone() Call {
	cp := *c
	cp.Callees = append([]string(nil), c.Callees...)
	cp.rejected = nil
	return cp
}

// Calls is the table of in-flight calls keyed by call id.
type Calls struct {
	mu    sync.RWMutex
	calls map[string]*Call
}

func NewCalls() *Calls {
	return &Calls{calls: make(map[string]*Call)}
}

// Begin adds a ringing call.
func (t *Calls) Begin(c Call) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.calls[c.ID]; ok {
		return ErrCallExists
	}
	c.rejected = make(map[string]bool)
	c.Callees = append([]string(nil), c.Callees...)
	t.calls[c.ID] = &c
	return nil
}

// Get returns a copy of the call.
func (t *Calls) Get(id string) (Call, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.calls[id]
	if !ok {
		return Call{}, false
	}
	return c.clone(), true
}

// Answer records that userID took the call. Only the first callee wins;
// the same callee answering again is a no-op.
func (t *Calls) Answer(id, userID string, at time.Time) (Call, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[id]
	if !ok {
		return Call{}, ErrCallNotFound
	}
	if !c.IsCallee(userID) {
		return Call{}, ErrNotCallee
	}
	if c.Answered() && c.AnsweredBy != userID {
		return Call{}, ErrAnswered
	}
	if !c.Answered() {
		c.AnsweredBy = userID
		c.AnsweredAt = at
	}
	return c.clone(), nil
}

// Reject records a callee declining. It reports whether every callee has now
// declined, which is when the caller should hear about it.
func (t *Calls) Reject(id, userID string) (Call, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[id]
	if !ok {
		return Call{}, false, ErrCallNotFound
	}
	if !c.IsCallee(userID) {
		return Call{}, false, ErrNotCallee
	}
	if c.Answered() {
		return c.clone(), false, ErrAnswered
	}
	c.rejected[userID] = true
	return c.clone(), len(c.rejected) == len(c.Callees), nil
}

// Remove deletes the call and returns its last state.
func (t *Calls) Remove(id string) (Call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[id]
	if !ok {
		return Call{}, false
	}
	delete(t.calls, id)
	return c.clone(), true
}

// Expire removes ringing calls created before cutoff and returns them.
func (t *Calls) Expire(cutoff time.Time) []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Call
	for id, c := range t.calls {
		if !c.Answered() && c.CreatedAt.Before(cutoff) {
			out = append(out, c.clone())
			delete(t.calls, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of in-flight calls.
func (t *Calls) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.calls)
}

// List returns all in-flight calls, oldest first.
func (t *Calls) List() []Call {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Call, 0, len(t.calls))
	for _, c := range t.calls {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
