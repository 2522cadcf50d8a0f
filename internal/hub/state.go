package hub

import (
	"sync"

	"semaphore/offline/internal/model"
)

// entry holds one session and its marks. mu serializes marks for the session.
// A retired entry has been replaced or removed and must not take marks.
type entry struct {
	mu      sync.Mutex
	session model.Session
	marks   []model.AttendanceMark
	marked  map[string]struct{}
	retired bool
}

func (e *entry) retire() {
	e.mu.Lock()
	e.retired = true
	e.mu.Unlock()
}

func newEntry(s model.Session) *entry {
	return &entry{session: s, marked: make(map[string]struct{})}
}

func (e *entry) record() model.SessionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	marks := make([]model.AttendanceMark, len(e.marks))
	copy(marks, e.marks)
	return model.SessionRecord{Session: e.session, Attendance: marks}
}

// State is the hub's in-memory session table. It lives exactly as long as the
// hub that owns it.
type State struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
}

func NewState() *State {
	return &State{entries: make(map[string]*entry)}
}

// put stores s, replacing any session with the same id and its marks.
func (st *State) put(s model.Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if old, exists := st.entries[s.ID]; exists {
		old.retire()
	} else {
		st.order = append(st.order, s.ID)
	}
	st.entries[s.ID] = newEntry(s)
}

func (st *State) get(id string) (*entry, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	e, ok := st.entries[id]
	return e, ok
}

// snapshot returns the entries in creation order.
func (st *State) snapshot() []*entry {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*entry, 0, len(st.order))
	for _, id := range st.order {
		out = append(out, st.entries[id])
	}
	return out
}

// remove purges ids and returns how many sessions remain.
func (st *State) remove(ids []string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if e, ok := st.entries[id]; ok {
			e.retire()
			drop[id] = struct{}{}
			delete(st.entries, id)
		}
	}
	if len(drop) > 0 {
		kept := st.order[:0]
		for _, id := range st.order {
			if _, gone := drop[id]; !gone {
				kept = append(kept, id)
			}
		}
		st.order = kept
	}
	return len(st.entries)
}
