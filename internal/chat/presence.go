package chat

import (
	"sort"
	"time"
)

// Presence is the last known online state of one user in a room.
type Presence struct {
	UserID     string    `json:"userId"`
	Online     bool      `json:"online"`
	LastActive time.Time `json:"lastActive"`
}

type presenceMap map[string]*Presence

func (p presenceMap) online(userID string, now time.Time) {
	p[userID] = &Presence{UserID: userID, Online: true, LastActive: now}
}

func (p presenceMap) offline(userID string, now time.Time) {
	rec, ok := p[userID]
	if !ok {
		rec = &Presence{UserID: userID}
		p[userID] = rec
	}
	rec.Online = false
	rec.LastActive = now
}

func (p presenceMap) touch(userID string, now time.Time) {
	if rec, ok := p[userID]; ok {
		rec.LastActive = now
	}
}

// snapshot returns copies sorted by user id.
func (p presenceMap) snapshot() []Presence {
	out := make([]Presence, 0, len(p))
	for _, rec := range p {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
