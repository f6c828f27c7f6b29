package collab

import (
	"encoding/json"
	"time"
)

// PeerInfo is the public identity of a connected peer, shared in rosters and
// presence broadcasts.
type PeerInfo struct {
	ConnID string          `json:"connId"`
	UserID string          `json:"userId"`
	Name   string          `json:"name"`
	Avatar string          `json:"avatar,omitempty"`
	Cursor json.RawMessage `json:"cursor,omitempty"`
}

// roster tracks per-connection presence. Nothing here is persisted; a
// reconnecting client rebuilds its view from the next init event. All access
// happens on the room goroutine, so no locking.
type roster struct {
	entries map[string]*presenceEntry
}

type presenceEntry struct {
	info     PeerInfo
	lastSeen time.Time
}

func newRoster() *roster {
	return &roster{entries: make(map[string]*presenceEntry)}
}

func (r *roster) set(info PeerInfo, now time.Time) {
	r.entries[info.ConnID] = &presenceEntry{info: info, lastSeen: now}
}

// touch records a presence update and returns the refreshed info, or nil for
// an unknown connection.
func (r *roster) touch(connID string, cursor json.RawMessage, now time.Time) *PeerInfo {
	entry, ok := r.entries[connID]
	if !ok {
		return nil
	}
	if cursor != nil {
		entry.info.Cursor = cursor
	}
	entry.lastSeen = now
	info := entry.info
	return &info
}

// touchSeen refreshes liveness without changing the cursor.
func (r *roster) touchSeen(connID string, now time.Time) {
	if entry, ok := r.entries[connID]; ok {
		entry.lastSeen = now
	}
}

func (r *roster) remove(connID string) {
	delete(r.entries, connID)
}

// stale returns connections whose heartbeat is older than ttl.
func (r *roster) stale(ttl time.Duration, now time.Time) []string {
	var ids []string
	for connID, entry := range r.entries {
		if now.Sub(entry.lastSeen) > ttl {
			ids = append(ids, connID)
		}
	}
	return ids
}

func (r *roster) list() []PeerInfo {
	infos := make([]PeerInfo, 0, len(r.entries))
	for _, entry := range r.entries {
		infos = append(infos, entry.info)
	}
	return infos
}
