// Package types defines the domain model shared by viewrefresh components.
package types

import (
	"fmt"
	"strconv"
	"time"
)

// ViewID identifies a persisted data view.
type ViewID int64

// String returns the decimal form of the id.
func (id ViewID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// View is a data view whose query result is cached in the store.
// The refresh core only reads the staleness fields and writes back
// LastRefreshedAt and PersistedResult.
type View struct {
	ID         ViewID `json:"id"`
	Name       string `json:"name"`
	Definition string `json:"definition"` // recomputation input, e.g. SQL text or URL

	RefreshIntervalMinutes *int       `json:"refresh_interval_minutes,omitempty"`
	LastRefreshedAt        *time.Time `json:"last_refreshed_at,omitempty"`
	PersistedResult        []byte     `json:"persisted_result,omitempty"`
}

// RefreshInterval returns the configured interval, or zero when the view is
// not persisted on a schedule.
func (v *View) RefreshInterval() time.Duration {
	if v.RefreshIntervalMinutes == nil {
		return 0
	}
	return time.Duration(*v.RefreshIntervalMinutes) * time.Minute
}

// IsEligible reports whether the persisted result is stale at now.
// Views without an interval are never eligible.
func (v *View) IsEligible(now time.Time) bool {
	if v.RefreshIntervalMinutes == nil {
		return false
	}
	if v.LastRefreshedAt == nil {
		return true
	}
	return !now.Before(v.LastRefreshedAt.Add(v.RefreshInterval()))
}

// Clone returns a deep copy so callers can mutate it without touching the
// original.
func (v *View) Clone() *View {
	c := *v
	if v.RefreshIntervalMinutes != nil {
		n := *v.RefreshIntervalMinutes
		c.RefreshIntervalMinutes = &n
	}
	if v.LastRefreshedAt != nil {
		t := *v.LastRefreshedAt
		c.LastRefreshedAt = &t
	}
	if v.PersistedResult != nil {
		c.PersistedResult = append([]byte(nil), v.PersistedResult...)
	}
	return &c
}

// Minutes is a helper for building RefreshIntervalMinutes values.
func Minutes(n int) *int {
	return &n
}

// RefreshFailure records one view that could not be refreshed in a run.
type RefreshFailure struct {
	ViewID  ViewID `json:"view_id"`
	Message string `json:"message"`
}

// RunReport summarises a single refresh run.
type RunReport struct {
	RunID      string           `json:"run_id"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Refreshed  int              `json:"refreshed"`
	Skipped    int              `json:"skipped"` // eligible views gone from the store at read time
	Failures   []RefreshFailure `json:"failures"`
}

// Status renders the human readable status line, e.g. "Updated 7 dataviews".
// Failures are deliberately absent; they go to the error sink.
func (r RunReport) Status() string {
	noun := "dataviews"
	if r.Refreshed == 1 {
		noun = "dataview"
	}
	return fmt.Sprintf("Updated %d %s", r.Refreshed, noun)
}

// Duration returns how long the run took.
func (r RunReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// SnapshotData is the on-disk layout of the file store.
type SnapshotData struct {
	Views     map[ViewID]*View `json:"views"`
	SchemaVer int              `json:"schema_ver"`
}
