package monitor

import (
	"fmt"
	"time"

	"nexus-core/internal/events"
)

// alertFor decides whether an event is operator-worthy and renders it.
// Operator alerts carry full detail; user egress never sees them.
func alertFor(e events.Event, payload any) (source, text string, ok bool) {
	switch p := payload.(type) {
	case events.Alert:
		src := p.Source
		if src == "" {
			src = string(e)
		}
		return src, stamp(p.At, fmt.Sprintf("[%s] %s%s", src, subject(p.Handle, p.JobID), p.Message)), true

	case events.JobOutcome:
		if e != events.EventJobDeadLettered {
			return "", "", false
		}
		return "dead_letter", stamp(time.Time{}, fmt.Sprintf("[dead_letter] %s job %s for %s after attempt %d: %s (%s)",
			p.Type, p.JobID, p.Handle, p.Attempt, p.Err, p.Code)), true

	case events.HealthChange:
		if e == events.EventShutdown {
			return "shutdown", stamp(p.At, fmt.Sprintf("[shutdown] firewall at %d/%d HP after %s: %s", p.HP, p.MaxHP, p.Kind, p.Message)), true
		}
		if e == events.EventHealthChange && p.Kind == "critical" && p.Alive {
			return "critical", stamp(p.At, fmt.Sprintf("[critical] %d/%d HP: %s", p.HP, p.MaxHP, p.Message)), true
		}
	}
	return "", "", false
}

func subject(handle, jobID string) string {
	switch {
	case handle != "" && jobID != "":
		return fmt.Sprintf("%s job %s: ", handle, jobID)
	case handle != "":
		return handle + ": "
	}
	return ""
}

func stamp(at time.Time, msg string) string {
	if at.IsZero() {
		at = time.Now()
	}
	return "[" + at.UTC().Format(time.RFC3339) + "] " + msg
}
