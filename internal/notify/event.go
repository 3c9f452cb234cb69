package notify

import (
	"time"

	"github.com/arohanajit/clustermap/internal/storage"
)

// EventKind classifies a map change
type EventKind string

const (
	EventAdded   EventKind = "ADDED"
	EventUpdated EventKind = "UPDATED"
	EventRemoved EventKind = "REMOVED"
)

// ChangeEvent describes one committed map mutation.
// OldValue is set for Updated and Removed, NewValue for Added and Updated.
type ChangeEvent struct {
	Kind     EventKind `json:"kind"`
	Map      string    `json:"map"`
	Key      string    `json:"key"`
	OldValue string    `json:"old_value,omitempty"`
	NewValue string    `json:"new_value,omitempty"`
	Origin   string    `json:"origin"`
	Version  uint64    `json:"version"`
	Time     time.Time `json:"time"`
}

// FromEntry builds the event an entry's mutation represents
func FromEntry(mapName string, e storage.Entry) ChangeEvent {
	ev := ChangeEvent{
		Map:     mapName,
		Key:     e.Key,
		Origin:  e.Origin,
		Version: e.Version,
		Time:    e.UpdatedAt,
	}

	switch {
	case e.Deleted:
		ev.Kind = EventRemoved
		ev.OldValue = e.OldValue
	case e.HadOld:
		ev.Kind = EventUpdated
		ev.OldValue = e.OldValue
		ev.NewValue = e.Value
	default:
		ev.Kind = EventAdded
		ev.NewValue = e.Value
	}
	return ev
}

// ParseKind parses an event kind name, case-sensitively as it is printed
func ParseKind(s string) (EventKind, bool) {
	switch k := EventKind(s); k {
	case EventAdded, EventUpdated, EventRemoved:
		return k, true
	}
	return "", false
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	Map   string
	Key   string
	Kinds []EventKind
}

// Match reports whether ev passes the filter
func (f Filter) Match(ev ChangeEvent) bool {
	if f.Map != "" && f.Map != ev.Map {
		return false
	}
	if f.Key != "" && f.Key != ev.Key {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == ev.Kind {
			return true
		}
	}
	return false
}
