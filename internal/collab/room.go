// Package collab implements per-document collaborative editing rooms. A room
// is an actor owning one merge replica: joins, edit operations, presence and
// persistence for a document are serialized on its goroutine, while different
// rooms run fully in parallel.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"arbor/api/internal/crdt"
)

// Event types carried in envelopes to and from peers.
const (
	EventInit       = "init"
	EventOp         = "op"
	EventPresence   = "presence"
	EventPeerJoined = "peer_joined"
	EventPeerLeft   = "peer_left"
	EventRejected   = "rejected"
	EventClosed     = "closed"
)

var ErrRoomClosed = errors.New("room closed")

// Envelope is the wire frame exchanged with peers. Exactly one payload field
// is set, keyed by Type.
type Envelope struct {
	Type     string          `json:"type"`
	Op       *crdt.Operation `json:"op,omitempty"`
	Presence *PeerInfo       `json:"presence,omitempty"`
	Peer     *PeerInfo       `json:"peer,omitempty"`
	Content  json.RawMessage `json:"content,omitempty"`
	Roster   []PeerInfo      `json:"roster,omitempty"`
	Clock    uint64          `json:"clock,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// State is the room lifecycle phase.
type State int

const (
	StateEmpty State = iota
	StateActive
	StateIdle
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FlushFunc persists merged content for a document.
type FlushFunc func(ctx context.Context, documentID string, content []byte) error

// Peer is one connection into a room. The send channel is drained by the
// connection's write pump; a peer that stops draining gets dropped rather
// than blocking the room.
type Peer struct {
	ConnID   string
	UserID   string
	Name     string
	Avatar   string
	CanWrite bool
	send     chan []byte
}

func NewPeer(userID, name, avatar string, canWrite bool) *Peer {
	return &Peer{
		ConnID:   uuid.NewString(),
		UserID:   userID,
		Name:     name,
		Avatar:   avatar,
		CanWrite: canWrite,
		send:     make(chan []byte, 256),
	}
}

// Outbox is the stream of envelopes for this peer's connection.
func (p *Peer) Outbox() <-chan []byte {
	return p.send
}

type Room struct {
	DocumentID string

	commands chan func()
	done     chan struct{}

	// Everything below is owned by the run goroutine.
	replica       *crdt.Replica
	peers         map[string]*Peer
	roster        *roster
	state         State
	dirty         bool
	idleSince     time.Time
	flush         FlushFunc
	flushInterval time.Duration
	presenceTTL   time.Duration
	onClosed      func(documentID string)
}

func newRoom(documentID string, content []byte, opts Options, onClosed func(string)) (*Room, error) {
	replica, err := crdt.Load(content)
	if err != nil {
		return nil, err
	}
	r := &Room{
		DocumentID:    documentID,
		commands:      make(chan func(), 64),
		done:          make(chan struct{}),
		replica:       replica,
		peers:         make(map[string]*Peer),
		roster:        newRoster(),
		state:         StateEmpty,
		flush:         opts.Flush,
		flushInterval: opts.FlushInterval,
		presenceTTL:   opts.PresenceTTL,
		onClosed:      onClosed,
	}
	go r.run()
	return r, nil
}

func (r *Room) run() {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case fn := <-r.commands:
			fn()
		case <-ticker.C:
			r.tick()
		}
		if r.state == StateClosed {
			close(r.done)
			return
		}
	}
}

// do posts a command to the room goroutine. Returns false once the room has
// closed; callers treat that as ErrRoomClosed.
func (r *Room) do(fn func()) bool {
	select {
	case r.commands <- fn:
		return true
	case <-r.done:
		return false
	}
}

// Join attaches a peer to the room. The peer receives an init envelope with
// the current merged content and roster; everyone else sees a peer_joined.
func (r *Room) Join(p *Peer) error {
	errc := make(chan error, 1)
	if !r.do(func() { errc <- r.join(p) }) {
		return ErrRoomClosed
	}
	select {
	case err := <-errc:
		return err
	case <-r.done:
		return ErrRoomClosed
	}
}

// Leave detaches a peer. Safe to call for a peer already dropped.
func (r *Room) Leave(connID string) {
	r.do(func() { r.leave(connID) })
}

// SubmitOperation merges one edit from a peer. Fire-and-forget: malformed or
// unauthorized operations are rejected back to the originator only.
func (r *Room) SubmitOperation(connID string, op crdt.Operation) {
	r.do(func() { r.submit(connID, op) })
}

// UpdatePresence records a cursor update and rebroadcasts it. Best-effort and
// never persisted.
func (r *Room) UpdatePresence(connID string, cursor json.RawMessage) {
	r.do(func() { r.presenceUpdate(connID, cursor) })
}

// Heartbeat refreshes a peer's liveness without a presence payload.
func (r *Room) Heartbeat(connID string) {
	r.do(func() { r.roster.touchSeen(connID, time.Now()) })
}

// ForceClose flushes and closes the room, disconnecting every peer. Blocks
// until the room goroutine has terminated.
func (r *Room) ForceClose(reason string) {
	if !r.do(func() { r.closeRoom(reason) }) {
		return
	}
	<-r.done
}

// CloseIfIdle closes the room if it has been peerless longer than ttl.
func (r *Room) CloseIfIdle(ttl time.Duration) {
	r.do(func() {
		if r.state == StateIdle && time.Since(r.idleSince) >= ttl {
			r.closeRoom("idle")
		}
	})
}

// DisconnectUser drops every connection belonging to a user, after the user
// loses access to the document.
func (r *Room) DisconnectUser(userID, reason string) {
	r.do(func() {
		for connID, p := range r.peers {
			if p.UserID != userID {
				continue
			}
			r.sendTo(p, Envelope{Type: EventClosed, Reason: reason})
			r.leave(connID)
		}
	})
}

// Closed reports whether the room has reached its terminal state.
func (r *Room) Closed() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// State reports the current lifecycle phase.
func (r *Room) State() State {
	statec := make(chan State, 1)
	if !r.do(func() { statec <- r.state }) {
		return StateClosed
	}
	select {
	case s := <-statec:
		return s
	case <-r.done:
		return StateClosed
	}
}

// PeerCount reports the number of attached connections.
func (r *Room) PeerCount() int {
	countc := make(chan int, 1)
	if !r.do(func() { countc <- len(r.peers) }) {
		return 0
	}
	select {
	case n := <-countc:
		return n
	case <-r.done:
		return 0
	}
}

func (r *Room) join(p *Peer) error {
	if r.state == StateClosed {
		return ErrRoomClosed
	}
	now := time.Now()
	r.peers[p.ConnID] = p
	info := PeerInfo{ConnID: p.ConnID, UserID: p.UserID, Name: p.Name, Avatar: p.Avatar}
	r.roster.set(info, now)
	r.state = StateActive

	r.sendTo(p, Envelope{
		Type:    EventInit,
		Content: r.replica.Snapshot(),
		Roster:  r.roster.list(),
		Clock:   r.replica.Clock(),
	})
	r.broadcast(Envelope{Type: EventPeerJoined, Peer: &info}, p.ConnID)
	return nil
}

func (r *Room) leave(connID string) {
	p, ok := r.peers[connID]
	if !ok {
		return
	}
	delete(r.peers, connID)
	r.roster.remove(connID)
	close(p.send)

	info := PeerInfo{ConnID: connID, UserID: p.UserID, Name: p.Name}
	r.broadcast(Envelope{Type: EventPeerLeft, Peer: &info}, "")

	if len(r.peers) == 0 && r.state == StateActive {
		r.state = StateIdle
		r.idleSince = time.Now()
		if r.dirty {
			r.flushNow()
		}
	}
}

func (r *Room) submit(connID string, op crdt.Operation) {
	p, ok := r.peers[connID]
	if !ok || r.state == StateClosed {
		return
	}
	if !p.CanWrite {
		r.sendTo(p, Envelope{Type: EventRejected, Reason: "read-only session"})
		return
	}

	// The actor is the authenticated user, never whatever the client claims.
	op.Actor = p.UserID

	applied, err := r.replica.Apply(op)
	if err != nil {
		log.Printf("collab: room %s dropped malformed operation from %s: %v", r.DocumentID, p.UserID, err)
		r.sendTo(p, Envelope{Type: EventRejected, Reason: "malformed operation"})
		return
	}
	if !applied {
		// Redelivered or superseded; nothing new to broadcast.
		return
	}
	r.dirty = true
	r.broadcast(Envelope{Type: EventOp, Op: &op}, connID)
}

func (r *Room) presenceUpdate(connID string, cursor json.RawMessage) {
	if _, ok := r.peers[connID]; !ok {
		return
	}
	info := r.roster.touch(connID, cursor, time.Now())
	if info == nil {
		return
	}
	r.broadcast(Envelope{Type: EventPresence, Presence: info}, connID)
}

func (r *Room) tick() {
	now := time.Now()
	for _, connID := range r.roster.stale(r.presenceTTL, now) {
		log.Printf("collab: room %s dropping silent peer %s", r.DocumentID, connID)
		r.leave(connID)
	}
	if r.dirty {
		r.flushNow()
	}
}

// flushNow persists the merged snapshot. A failed flush keeps the room dirty
// so the next tick retries.
func (r *Room) flushNow() {
	if r.flush == nil {
		r.dirty = false
		return
	}
	content := r.replica.Snapshot()
	if err := r.flush(context.Background(), r.DocumentID, content); err != nil {
		log.Printf("collab: room %s flush failed: %v", r.DocumentID, err)
		return
	}
	r.dirty = false
}

func (r *Room) closeRoom(reason string) {
	if r.state == StateClosed {
		return
	}
	if r.dirty {
		r.flushNow()
	}
	env := Envelope{Type: EventClosed, Reason: reason}
	for _, p := range r.peers {
		r.sendTo(p, env)
		close(p.send)
	}
	r.peers = make(map[string]*Peer)
	r.roster = newRoster()
	r.state = StateClosed
	if r.onClosed != nil {
		r.onClosed(r.DocumentID)
	}
}

func (r *Room) broadcast(env Envelope, excludeConnID string) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	var dropped []string
	for connID, p := range r.peers {
		if connID == excludeConnID {
			continue
		}
		select {
		case p.send <- payload:
		default:
			dropped = append(dropped, connID)
		}
	}
	for _, connID := range dropped {
		log.Printf("collab: room %s dropping slow peer %s", r.DocumentID, connID)
		r.leave(connID)
	}
}

// sendTo delivers one envelope to one peer, dropping it if the peer's outbox
// is full.
func (r *Room) sendTo(p *Peer, env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case p.send <- payload:
	default:
	}
}
