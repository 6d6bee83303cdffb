package registry

import (
	"sort"
	"sync"
	"time"
)

// ClientRecord is the state tracked for one connected phone
type ClientRecord struct {
	ClientID    string    `json:"clientId"`
	DeviceModel string    `json:"deviceModel"`
	Engine      string    `json:"engine"`
	ConnectedAt time.Time `json:"connectedAt"`

	LastHeartbeat time.Time `json:"lastHeartbeat"`

	// CurrentSession is set between PTT_START and the matching FINAL
	CurrentSession *string `json:"currentSession,omitempty"`

	// LastPartialText is only ever set while CurrentSession is set
	LastPartialText *string `json:"lastPartialText,omitempty"`

	// Generation identifies this particular registration. A later Register
	// for the same client id always gets a larger value.
	Generation uint64 `json:"generation"`
}

// clone returns a copy that shares no pointers with r
func (r *ClientRecord) clone() ClientRecord {
	c := *r
	if r.CurrentSession != nil {
		s := *r.CurrentSession
		c.CurrentSession = &s
	}
	if r.LastPartialText != nil {
		s := *r.LastPartialText
		c.LastPartialText = &s
	}
	return c
}

// Clock returns the current time
type Clock func() time.Time

// Option configures a Registry
type Option func(*Registry)

// WithClock overrides the time source
func WithClock(clock Clock) Option {
	return func(r *Registry) {
		r.now = clock
	}
}

// Registry is the table of connected clients keyed by client id.
// Every method holds the same mutex for its whole duration; no method hands
// out references into the table.
type Registry struct {
	mu         sync.Mutex
	clients    map[string]*ClientRecord
	generation uint64
	now        Clock
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		clients: make(map[string]*ClientRecord),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register inserts a fresh record for clientID, replacing any previous one.
// Session state from the replaced record is discarded.
func (r *Registry) Register(clientID, deviceModel, engine string) ClientRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.generation++
	rec := &ClientRecord{
		ClientID:      clientID,
		DeviceModel:   deviceModel,
		Engine:        engine,
		ConnectedAt:   now,
		LastHeartbeat: now,
		Generation:    r.generation,
	}
	r.clients[clientID] = rec
	return rec.clone()
}

// Unregister removes and returns the record for clientID
func (r *Registry) Unregister(clientID string) (ClientRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.clients[clientID]
	if !ok {
		return ClientRecord{}, false
	}
	delete(r.clients, clientID)
	return rec.clone(), true
}

// UnregisterGeneration removes the record for clientID only if it is still
// the registration identified by generation. A connection whose client id was
// taken over by a newer connection therefore cannot remove the newer record.
func (r *Registry) UnregisterGeneration(clientID string, generation uint64) (ClientRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.clients[clientID]
	if !ok || rec.Generation != generation {
		return ClientRecord{}, false
	}
	delete(r.clients, clientID)
	return rec.clone(), true
}

// Heartbeat refreshes the liveness timestamp. It reports whether the client exists.
func (r *Registry) Heartbeat(clientID string) bool {
	return r.update(clientID, func(rec *ClientRecord) {
		rec.LastHeartbeat = r.now()
	})
}

// SetSession sets or clears the active session id. Clearing the session also
// drops the partial text that belonged to it.
func (r *Registry) SetSession(clientID string, sessionID *string) bool {
	return r.update(clientID, func(rec *ClientRecord) {
		rec.CurrentSession = copyString(sessionID)
		if sessionID == nil {
			rec.LastPartialText = nil
		}
	})
}

// SetPartialText sets or clears the last partial transcript. Partial text is
// only kept while a session is active; setting it on an idle client leaves the
// record untouched but still reports that the client exists.
func (r *Registry) SetPartialText(clientID string, text *string) bool {
	return r.update(clientID, func(rec *ClientRecord) {
		if text != nil && rec.CurrentSession == nil {
			return
		}
		rec.LastPartialText = copyString(text)
	})
}

// StartSession opens a session and clears any stale partial text in one step
func (r *Registry) StartSession(clientID, sessionID string) bool {
	return r.update(clientID, func(rec *ClientRecord) {
		rec.CurrentSession = &sessionID
		rec.LastPartialText = nil
	})
}

// EndSession clears the session and the partial text in one step
func (r *Registry) EndSession(clientID string) bool {
	return r.update(clientID, func(rec *ClientRecord) {
		rec.CurrentSession = nil
		rec.LastPartialText = nil
	})
}

func (r *Registry) update(clientID string, fn func(*ClientRecord)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.clients[clientID]
	if !ok {
		return false
	}
	fn(rec)
	return true
}

// Get returns a snapshot of the record for clientID
func (r *Registry) Get(clientID string) (ClientRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.clients[clientID]
	if !ok {
		return ClientRecord{}, false
	}
	return rec.clone(), true
}

// TimedOutClients returns the ids whose last heartbeat is more than timeout
// before now. It does not modify the registry.
func (r *Registry) TimedOutClients(now time.Time, timeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, rec := range r.clients {
		if now.Sub(rec.LastHeartbeat) > timeout {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// EvictTimedOut removes and returns every timed out record. The check and the
// removal happen under one lock so a heartbeat that lands in between cannot be
// lost.
func (r *Registry) EvictTimedOut(now time.Time, timeout time.Duration) []ClientRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []ClientRecord
	for id, rec := range r.clients {
		if now.Sub(rec.LastHeartbeat) > timeout {
			evicted = append(evicted, rec.clone())
			delete(r.clients, id)
		}
	}
	sort.Slice(evicted, func(i, j int) bool {
		return evicted[i].ClientID < evicted[j].ClientID
	})
	return evicted
}

// ConnectedCount returns the number of registered clients
func (r *Registry) ConnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// AllClientIDs returns the registered client ids in sorted order
func (r *Registry) AllClientIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns copies of all records ordered by client id
func (r *Registry) Snapshot() []ClientRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]ClientRecord, 0, len(r.clients))
	for _, rec := range r.clients {
		records = append(records, rec.clone())
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ClientID < records[j].ClientID
	})
	return records
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
