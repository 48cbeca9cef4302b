// Package firewall is the engine's circuit breaker. It keeps a decaying health
// score fed by classified incidents, heals slowly during quiet periods and
// terminates the process when health reaches zero.
package firewall

import (
	"context"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"nexus-core/internal/events"
	"nexus-core/pkg/config"
)

// Kind classifies an incident. Each kind has a configurable HP cost.
type Kind string

const (
	KindError      Kind = "error"
	KindRPCFailure Kind = "rpcFailure"
	KindSpam       Kind = "spam"
	KindCritical   Kind = "critical"
)

const barLength = 20

// Reporter is what failing components depend on.
type Reporter interface {
	Report(kind Kind, msg string)
}

// HealthState is a point-in-time copy of breaker state.
type HealthState struct {
	HP             int       `json:"hp"`
	MaxHP          int       `json:"max_hp"`
	LastIncidentAt time.Time `json:"last_incident_at"`
	Alive          bool      `json:"alive"`
}

// Firewall owns the process-wide HealthState. All mutations hold mu.
type Firewall struct {
	mu           sync.Mutex
	cfg          config.Firewall
	hp           int
	lastIncident time.Time
	shutdown     bool

	bus  *events.Bus
	now  func() time.Time
	exit func(code int)
}

// New creates a breaker at full health. bus may be nil.
func New(cfg config.Firewall, bus *events.Bus) *Firewall {
	if cfg.MaxHP <= 0 {
		cfg.MaxHP = 20
	}
	if cfg.HealRate <= 0 {
		cfg.HealRate = 1
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.Weights == nil {
		cfg.Weights = config.DefaultFirewallWeights()
	}
	f := &Firewall{
		cfg:  cfg,
		hp:   cfg.MaxHP,
		bus:  bus,
		now:  time.Now,
		exit: os.Exit,
	}
	f.lastIncident = f.now()
	return f
}

// SetExitFunc replaces os.Exit; the app uses it to flush state before exiting.
func (f *Firewall) SetExitFunc(fn func(code int)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exit = fn
}

// Weight returns the HP cost of kind. Unknown kinds cost 1.
func (f *Firewall) Weight(kind Kind) int {
	if w, ok := f.cfg.Weights[string(kind)]; ok {
		return w
	}
	return 1
}

// Report decays health by kind's weight and records the incident.
func (f *Firewall) Report(kind Kind, msg string) {
	decay := f.Weight(kind)

	f.mu.Lock()
	f.hp = max(0, f.hp-decay)
	f.lastIncident = f.now()
	change := f.changeLocked(string(kind), -decay, msg)
	trip := f.hp == 0 && f.cfg.AutoExit && !f.shutdown
	if trip {
		f.shutdown = true
	}
	exit := f.exit
	bar := f.barLocked()
	f.mu.Unlock()

	log.Printf("⚠️  [firewall] %s -%dHP %s %s", strings.ToUpper(string(kind)), decay, bar, msg)
	f.bus.Publish(events.EventHealthChange, change)

	if change.HP == 0 {
		f.bus.Publish(events.EventSecurityAlert, events.Alert{
			Source:  "firewall",
			Message: "health exhausted after " + string(kind) + ": " + msg,
			At:      change.At,
		})
	}
	if trip {
		log.Printf("💥 [firewall] bubble popped, shutting down to protect keys")
		f.bus.Publish(events.EventShutdown, change)
		exit(1)
	}
}

// IsAlive reports hp > 0.
func (f *Firewall) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hp > 0
}

// Snapshot returns a copy of the current state.
func (f *Firewall) Snapshot() HealthState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return HealthState{HP: f.hp, MaxHP: f.cfg.MaxHP, LastIncidentAt: f.lastIncident, Alive: f.hp > 0}
}

// Start runs the heal ticker until ctx is done.
func (f *Firewall) Start(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.CheckInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.heal()
			}
		}
	}()
}

// heal restores HealRate HP once the breaker has been quiet for longer than
// HealInterval. A dead breaker never heals.
func (f *Firewall) heal() bool {
	f.mu.Lock()
	if f.hp == 0 || f.hp >= f.cfg.MaxHP || f.now().Sub(f.lastIncident) <= f.cfg.HealInterval {
		f.mu.Unlock()
		return false
	}
	before := f.hp
	f.hp = min(f.cfg.MaxHP, f.hp+f.cfg.HealRate)
	change := f.changeLocked("heal", f.hp-before, "")
	bar := f.barLocked()
	f.mu.Unlock()

	log.Printf("🟢 [firewall] heals +%dHP %s", change.Delta, bar)
	f.bus.Publish(events.EventHealthChange, change)
	return true
}

// StatusBar renders e.g. "[████████████░░░░░░░░] 12/20 HP".
func (f *Firewall) StatusBar() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.barLocked()
}

func (f *Firewall) barLocked() string {
	filled := int(math.Round(float64(f.hp) / float64(f.cfg.MaxHP) * barLength))
	return "[" + strings.Repeat("█", filled) + strings.Repeat("░", barLength-filled) + "] " +
		strconv.Itoa(f.hp) + "/" + strconv.Itoa(f.cfg.MaxHP) + " HP"
}

func (f *Firewall) changeLocked(kind string, delta int, msg string) events.HealthChange {
	return events.HealthChange{
		Kind:    kind,
		Delta:   delta,
		HP:      f.hp,
		MaxHP:   f.cfg.MaxHP,
		Alive:   f.hp > 0,
		Message: msg,
		At:      f.now(),
	}
}
