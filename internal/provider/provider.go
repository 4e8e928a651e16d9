// Package provider defines the contract between the sync orchestrator and the
// per-service calendar adapters, and the helpers the adapters share.
package provider

import (
	"context"
	"encoding/json"
	"time"

	"calplan/internal/model"
)

// Cursor is an opaque, provider-defined sync position. Only the adapter that
// issued it interprets it. The empty cursor requests a full sync.
type Cursor string

// RotateFunc persists rotated credential material. Adapters call it as soon as
// a refresh produced new credentials.
type RotateFunc func(ctx context.Context, credentials string) error

type Request struct {
	Calendar model.Calendar
	Cursor   Cursor
	Rotate   RotateFunc
}

// Event is the provider-neutral event shape every adapter emits. Start and End
// are absolute instants.
type Event struct {
	ExternalID  string
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool

	// Deleted marks a delete directive. Only ExternalID is meaningful then.
	Deleted bool

	Raw json.RawMessage
}

type Result struct {
	Events     []Event
	NextCursor Cursor

	// Snapshot is set by providers that return the complete current state of
	// the calendar on every fetch and never signal deletions.
	Snapshot bool
}

// Adapter fetches events for one calendar.
type Adapter interface {
	Fetch(ctx context.Context, req Request) (Result, error)
}

// Window bounds a full sync relative to a reference instant.
type Window struct {
	PastDays   int
	FutureDays int
}

const (
	DefaultPastDays   = 30
	DefaultFutureDays = 90
)

// Range returns the absolute full-sync range around now.
func (w Window) Range(now time.Time) (time.Time, time.Time) {
	past, future := w.PastDays, w.FutureDays
	if past <= 0 {
		past = DefaultPastDays
	}
	if future <= 0 {
		future = DefaultFutureDays
	}
	const day = 24 * time.Hour
	return now.Add(-time.Duration(past) * day), now.Add(time.Duration(future) * day)
}

const untitled = "(No title)"

// Title substitutes a placeholder for empty provider titles.
func Title(s string) string {
	if s == "" {
		return untitled
	}
	return s
}
