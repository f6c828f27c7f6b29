package collab

import (
	"sync"
	"time"
)

// Options tune room behavior. Zero values fall back to sensible defaults.
type Options struct {
	// FlushInterval bounds how often a dirty room writes merged content back
	// to storage.
	FlushInterval time.Duration
	// IdleTTL is how long a peerless room lingers before eviction.
	IdleTTL time.Duration
	// PresenceTTL is how long a silent connection stays in the roster.
	PresenceTTL time.Duration
	Flush       FlushFunc
}

func (o Options) withDefaults() Options {
	if o.FlushInterval <= 0 {
		o.FlushInterval = 300 * time.Millisecond
	}
	if o.IdleTTL <= 0 {
		o.IdleTTL = time.Minute
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 30 * time.Second
	}
	return o
}

// LoadFunc provides a document's current content when its room is created.
type LoadFunc func(documentID string) ([]byte, error)

// Registry is the process-wide map from document id to its single live room.
type Registry struct {
	opts Options
	done chan struct{}

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewRegistry creates a registry and starts its idle eviction sweep.
func NewRegistry(opts Options) *Registry {
	g := &Registry{
		opts:  opts.withDefaults(),
		done:  make(chan struct{}),
		rooms: make(map[string]*Room),
	}
	go g.sweep()
	return g
}

// GetOrCreate returns the room for a document, creating it from the loaded
// content if none exists. Creation is atomic across concurrent joiners: the
// registry lock is held through the load, so two peers racing on a new
// document id always end up in the same room.
func (g *Registry) GetOrCreate(documentID string, load LoadFunc) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if room, ok := g.rooms[documentID]; ok && !room.Closed() {
		return room, nil
	}

	content, err := load(documentID)
	if err != nil {
		return nil, err
	}
	room, err := newRoom(documentID, content, g.opts, g.remove)
	if err != nil {
		return nil, err
	}
	g.rooms[documentID] = room
	return room, nil
}

// Get returns the live room for a document, if any.
func (g *Registry) Get(documentID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[documentID]
	if !ok || room.Closed() {
		return nil, false
	}
	return room, true
}

// ForceClose flushes and closes a document's room, if one is open.
func (g *Registry) ForceClose(documentID, reason string) {
	if room, ok := g.Get(documentID); ok {
		room.ForceClose(reason)
	}
}

// DisconnectUser drops a user's connections to a document's room, if open.
func (g *Registry) DisconnectUser(documentID, userID, reason string) {
	if room, ok := g.Get(documentID); ok {
		room.DisconnectUser(userID, reason)
	}
}

// Close shuts down every room and stops the sweep.
func (g *Registry) Close() {
	close(g.done)
	for _, room := range g.snapshot() {
		room.ForceClose("shutdown")
	}
}

// remove is the onClosed callback handed to each room.
func (g *Registry) remove(documentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.rooms, documentID)
}

func (g *Registry) sweep() {
	interval := g.opts.IdleTTL / 2
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			for _, room := range g.snapshot() {
				room.CloseIfIdle(g.opts.IdleTTL)
			}
		}
	}
}

func (g *Registry) snapshot() []*Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}
