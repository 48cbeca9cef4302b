package events

import "time"

// Event enumerates high-level topics inside the engine.
type Event string

const (
	EventHealthChange      Event = "firewall.health"
	EventShutdown          Event = "firewall.shutdown"
	EventJobEnqueued       Event = "job.enqueued"
	EventJobCompleted      Event = "job.completed"
	EventJobFailed         Event = "job.failed"
	EventJobDeadLettered   Event = "job.dead_lettered"
	EventBalanceUpdated    Event = "balance.updated"
	EventSecurityAlert     Event = "alert.security"
	EventPartialCompletion Event = "alert.partial_completion"
)

// HealthChange is published on every breaker mutation.
type HealthChange struct {
	Kind    string // incident kind, or "heal"
	Delta   int
	HP      int
	MaxHP   int
	Alive   bool
	Message string
	At      time.Time
}

// JobOutcome is published when a delivery attempt finishes.
type JobOutcome struct {
	JobID    string
	Type     string
	Handle   string
	Attempt  int
	Err      string
	Code     string
	Duration time.Duration
}

// BalanceUpdate is published after a refreshed balance is persisted.
type BalanceUpdate struct {
	Handle      string
	SolLamports uint64
	TierBalance uint64
}

// Alert carries operator-only detail. It never reaches user-facing egress.
type Alert struct {
	Source  string
	Handle  string
	JobID   string
	Message string
	At      time.Time
}
