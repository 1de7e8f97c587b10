// Package job defines the Job Record and Process Item types that make up
// the durable state of a unit of work, and the serialization rules that
// turn a record into its canonical Redis representation.
package job

import (
	"encoding/json"
	"time"
)

// State is one of the values a Job Record or Process Item can occupy.
type State string

const (
	StateNew        State = "NEW"
	StateDelayed    State = "DELAYED"
	StateQueued     State = "QUEUED"
	StateProcessing State = "PROCESSING"
	StateRetry      State = "RETRY"
	StateGhost      State = "GHOST"
	StateSuccess    State = "SUCCESS"
	StateFail       State = "FAIL"
)

// Terminal reports whether s is a terminal state: no further transitions,
// no re-enqueue.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFail
}

// Run is one dispatch attempt against a Job Record.
type Run struct {
	Count        int           `json:"count"`
	StartTime    time.Time     `json:"startTime"`
	ProcessTime  time.Duration `json:"processTime"`
	State        State         `json:"state"`
	ErrorMessage string        `json:"errorMessage,omitempty"`
}

// Record is the in-memory representation of a single job and its full
// history of process attempts.
//
// Fields unknown to an older reader are tolerated by json.Unmarshal; the
// top-level State field is advisory only — callers that load a Record
// from Redis must apply the hash's separate state field as authoritative
// (see pkg/store).
type Record struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Data any    `json:"data"`

	State State `json:"state"`

	CreateTime time.Time  `json:"createTime"`
	UpdateTime time.Time  `json:"updateTime"`
	FinishTime *time.Time `json:"finishTime,omitempty"`

	Retry         bool          `json:"retry"`
	RetryTimes    int           `json:"retryTimes"`
	RetryInterval time.Duration `json:"retryInterval"`

	GhostRetry    bool          `json:"ghostRetry"`
	GhostTimes    int           `json:"ghostTimes"`
	GhostInterval time.Duration `json:"ghostInterval"`

	ProcessTimeout time.Duration `json:"processTimeout"`
	ScheduledFor   *time.Time    `json:"scheduledFor,omitempty"`

	Runs []Run `json:"runs"`

	Complete bool `json:"complete"`
	Success  bool `json:"success"`

	TotalProcessTime time.Duration `json:"totalProcessTime"`
}

// Defaults fills in the documented defaults (spec.md §3.1) for a Record
// that hasn't set them explicitly.
func (r *Record) Defaults() {
	if r.RetryTimes == 0 {
		r.RetryTimes = 3
	}
	if r.GhostTimes == 0 {
		r.GhostTimes = 1
	}
}

// IsScheduled reports whether the record should begin life in DELAYED
// rather than being immediately runnable.
func (r *Record) IsScheduled(now time.Time) bool {
	return r.ScheduledFor != nil && r.ScheduledFor.After(now)
}

// PublicView is the read-only projection handed to consumer callbacks —
// no internal bookkeeping fields (spec.md §6.2).
type PublicView struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	State      State     `json:"state"`
	CreateTime time.Time `json:"createTime"`
	Attempt    int       `json:"attempt"`
}

// View projects a Record to its PublicView. Attempt is the 1-based count
// of the current (last) Run, or 0 if no run has started yet.
func (r *Record) View() PublicView {
	return PublicView{
		ID:         r.ID,
		Name:       r.Name,
		State:      r.State,
		CreateTime: r.CreateTime,
		Attempt:    len(r.Runs),
	}
}

// Marshal serializes the Record to its canonical itemData form.
func (r *Record) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Unmarshal populates r from a previously-marshaled itemData payload.
// Unknown fields are ignored by encoding/json's default behavior.
func Unmarshal(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// GhostCount returns the number of Runs whose state is GHOST.
func (r *Record) GhostCount() int {
	n := 0
	for _, run := range r.Runs {
		if run.State == StateGhost {
			n++
		}
	}
	return n
}

// LastRun returns a pointer to the most recent Run, or nil if none exist.
func (r *Record) LastRun() *Run {
	if len(r.Runs) == 0 {
		return nil
	}
	return &r.Runs[len(r.Runs)-1]
}
