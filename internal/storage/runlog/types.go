package runlog

import (
	"strings"
	"time"

	"github.com/ChuLiYu/viewrefresh/pkg/types"
)

// Record is one finished run as stored in the log.
type Record struct {
	Seq        uint64 `json:"seq"`         // monotonically increasing per file
	RunID      string `json:"run_id"`      // xid of the run
	StartedAt  int64  `json:"started_at"`  // Unix milliseconds
	FinishedAt int64  `json:"finished_at"` // Unix milliseconds
	Refreshed  int    `json:"refreshed"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
	Status     string `json:"status"` // "Updated N dataviews"
	Checksum   uint32 `json:"checksum"`

	// Failures are kept for the status command; they are not covered by the
	// checksum. At most MaxFailures are stored, Failed holds the full count.
	Failures []types.RefreshFailure `json:"failures,omitempty"`
}

// Started returns StartedAt as a time.
func (r Record) Started() time.Time {
	return time.UnixMilli(r.StartedAt)
}

// Finished returns FinishedAt as a time.
func (r Record) Finished() time.Time {
	return time.UnixMilli(r.FinishedAt)
}

// Handler processes replayed records. Returning an error stops the replay.
type Handler func(rec Record) error

const (
	// MaxFailures bounds the failures stored per record.
	MaxFailures = 100

	// MaxMessageLen bounds each stored failure message, in bytes.
	MaxMessageLen = 1024
)

func recordFrom(seq uint64, report types.RunReport) Record {
	rec := Record{
		Seq:        seq,
		RunID:      report.RunID,
		StartedAt:  report.StartedAt.UnixMilli(),
		FinishedAt: report.FinishedAt.UnixMilli(),
		Refreshed:  report.Refreshed,
		Skipped:    report.Skipped,
		Failed:     len(report.Failures),
		Status:     report.Status(),
		Failures:   capFailures(report.Failures),
	}
	rec.Checksum = CalculateChecksum(rec)
	return rec
}

func capFailures(in []types.RefreshFailure) []types.RefreshFailure {
	if len(in) == 0 {
		return nil
	}
	if len(in) > MaxFailures {
		in = in[:MaxFailures]
	}
	out := make([]types.RefreshFailure, len(in))
	for i, f := range in {
		if len(f.Message) > MaxMessageLen {
			f.Message = strings.ToValidUTF8(f.Message[:MaxMessageLen], "") + "..."
		}
		out[i] = f
	}
	return out
}
