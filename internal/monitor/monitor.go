// Package monitor turns bus events into Prometheus metrics and operator
// alerts.
package monitor

import (
	"context"
	"log"
	"sync"
	"time"

	"nexus-core/internal/events"
)

// Monitor watches events and emits metrics and alerts.
type Monitor struct {
	Bus     *events.Bus
	Metrics *Metrics
	Sinks   []AlertSink

	wg sync.WaitGroup
}

var watched = []events.Event{
	events.EventJobCompleted,
	events.EventJobFailed,
	events.EventJobDeadLettered,
	events.EventHealthChange,
	events.EventShutdown,
	events.EventSecurityAlert,
	events.EventPartialCompletion,
	events.EventBalanceUpdated,
}

type envelope struct {
	event   events.Event
	payload any
}

// Start subscribes to every watched topic and processes events on one
// goroutine until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Metrics == nil {
		log.Println("monitor not fully configured; skipping")
		return
	}
	merged := make(chan envelope, 256)
	var unsubs []func()
	for _, e := range watched {
		ch, unsub := m.Bus.Subscribe(e, 64)
		unsubs = append(unsubs, unsub)
		m.wg.Add(1)
		go func(e events.Event, ch <-chan any) {
			defer m.wg.Done()
			for payload := range ch {
				select {
				case merged <- envelope{e, payload}:
				case <-ctx.Done():
					return
				}
			}
		}(e, ch)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			for _, u := range unsubs {
				u()
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case env := <-merged:
				m.handle(ctx, env.event, env.payload)
			}
		}
	}()
}

// Wait blocks until the monitor goroutines have exited.
func (m *Monitor) Wait() { m.wg.Wait() }

func (m *Monitor) handle(ctx context.Context, e events.Event, payload any) {
	switch p := payload.(type) {
	case events.JobOutcome:
		switch e {
		case events.EventJobCompleted:
			m.Metrics.ObserveJob(p, StatusCompleted)
		case events.EventJobFailed:
			m.Metrics.ObserveJob(p, StatusFailed)
		case events.EventJobDeadLettered:
			m.Metrics.ObserveJob(p, StatusDead)
		}
	case events.HealthChange:
		m.Metrics.SetHP(p.HP)
	case events.BalanceUpdate:
		m.Metrics.IncBalanceUpdate()
	}
	if e == events.EventPartialCompletion {
		m.Metrics.IncPartial()
	}

	source, text, ok := alertFor(e, payload)
	if !ok {
		return
	}
	m.Metrics.IncAlert(source)
	m.alert(ctx, text)
}

func (m *Monitor) alert(ctx context.Context, text string) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	for _, s := range m.Sinks {
		if err := s.Send(sendCtx, text); err != nil {
			log.Printf("⚠️ [monitor] alert sink: %v", err)
		}
	}
}
