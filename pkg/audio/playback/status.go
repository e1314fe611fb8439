package playback

import "time"

// Status is the lifecycle state of a queue item.
//
//	pending → generating → (ready | error) → playing → played
//
// StatusError and StatusPlayed are terminal.
type Status int

const (
	// StatusPending is an item whose synthesis has not started yet.
	StatusPending Status = iota
	// StatusGenerating is an item whose synthesis is in flight (possibly
	// between retries).
	StatusGenerating
	// StatusReady is an item with a playable handle that has not started.
	StatusReady
	// StatusError is an item that failed synthesis, timed out waiting for
	// synthesis, or failed during playback. The driver skips it.
	StatusError
	// StatusPlaying is the item the driver is currently playing (or holding
	// paused while interrupted).
	StatusPlaying
	// StatusPlayed is an item that reached its natural end of stream.
	StatusPlayed
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusGenerating:
		return "generating"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	case StatusPlaying:
		return "playing"
	case StatusPlayed:
		return "played"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusPlayed
}

// settled reports whether synthesis has finished, successfully or not.
func (s Status) settled() bool {
	return s != StatusPending && s != StatusGenerating
}

// ItemInfo is a read-only view of a queue item for diagnostics.
type ItemInfo struct {
	Index    int           `json:"index"`
	Text     string        `json:"text,omitempty"`
	Status   string        `json:"status"`
	Attempts int           `json:"attempts,omitempty"`
	Model    string        `json:"model,omitempty"`
	Position time.Duration `json:"position"`
	Error    string        `json:"error,omitempty"`
}
