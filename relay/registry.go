package relay

import (
	"sync"

	"github.com/google/uuid"
)

// Registry tracks live connections. Every accepted connection gets a
// provisional record keyed by a connection-scoped uuid; a register
// message promotes the record into the client_id index. At most one live
// connection per client_id: a later registration displaces the earlier
// connection instead of duplicating the entry.
//
// The lock covers only map mutation and snapshots, never a network send.
type Registry struct {
	mu      sync.Mutex
	records map[string]*clientRecord // provisional key -> record
	index   map[string]string        // client_id -> provisional key
}

type clientRecord struct {
	key      string
	clientID string
	stream   *Stream
}

func NewRegistry() *Registry {
	return &Registry{
		records: make(map[string]*clientRecord),
		index:   make(map[string]string),
	}
}

// Attach creates a provisional record and returns its key.
func (r *Registry) Attach(st *Stream) string {
	key := uuid.NewString()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[key] = &clientRecord{key: key, stream: st}
	return key
}

// Identify promotes the record under key into the client_id index.
// Returns the displaced stream when another connection held the same
// client_id; the caller must close it outside the registry lock.
func (r *Registry) Identify(key, clientID string) (displaced *Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return nil // connection already detached
	}
	if oldKey, ok := r.index[clientID]; ok && oldKey != key {
		if old := r.records[oldKey]; old != nil {
			displaced = old.stream
		}
		delete(r.records, oldKey)
	}
	if rec.clientID != "" && rec.clientID != clientID {
		// re-registration under a new id releases the old one
		if r.index[rec.clientID] == key {
			delete(r.index, rec.clientID)
		}
	}
	rec.clientID = clientID
	r.index[clientID] = key
	return displaced
}

// Detach removes the record and, when promoted, its client_id index
// entry. Safe to call for keys already displaced by Identify.
func (r *Registry) Detach(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return
	}
	delete(r.records, key)
	if rec.clientID != "" && r.index[rec.clientID] == key {
		delete(r.index, rec.clientID)
	}
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// ClientID reports the registered identity of a connection, "" while
// provisional.
func (r *Registry) ClientID(key string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[key]; ok {
		return rec.clientID
	}
	return ""
}

// Broadcast sends m to every live connection. Unreachable targets are
// pruned (closed and detached), not retried. Sends happen on a snapshot,
// outside the lock, so a slow peer never blocks (de)registration.
func (r *Registry) Broadcast(m *Message) (sent, pruned int) {
	r.mu.Lock()
	snapshot := make([]*clientRecord, 0, len(r.records))
	for _, rec := range r.records {
		snapshot = append(snapshot, rec)
	}
	r.mu.Unlock()

	var dead []*clientRecord
	for _, rec := range snapshot {
		if err := rec.stream.Send(m); err != nil {
			dead = append(dead, rec)
			continue
		}
		sent++
	}
	for _, rec := range dead {
		r.Detach(rec.key)
		_ = rec.stream.Close()
		pruned++
	}
	return sent, pruned
}

// CloseAll closes every live connection; their handlers detach on exit.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	snapshot := make([]*Stream, 0, len(r.records))
	for _, rec := range r.records {
		snapshot = append(snapshot, rec.stream)
	}
	r.mu.Unlock()
	for _, st := range snapshot {
		_ = st.Close()
	}
}
