package worker

import (
	"context"
	"fmt"

	"nexus-core/internal/firewall"
	"nexus-core/internal/jobs"
	"nexus-core/pkg/i18n"
)

type Responder interface {
	Reply(ctx context.Context, text string) (string, error)
}

// AIHandler answers a prompt with the agent model and sends the reply.
type AIHandler struct {
	model    Responder
	notifier Notifier
	breaker  firewall.Reporter
}

func NewAIHandler(model Responder, notifier Notifier, breaker firewall.Reporter) *AIHandler {
	return &AIHandler{model: model, notifier: notifier, breaker: breaker}
}

func (h *AIHandler) Handle(ctx context.Context, job *jobs.Job) error {
	p, err := job.AI()
	if err != nil {
		return err
	}
	reply, err := h.model.Reply(ctx, p.Text)
	if err != nil {
		if h.breaker != nil {
			h.breaker.Report(firewall.KindError, fmt.Sprintf("ai %s: %v", job.ID, err))
		}
		if finalAttempt(job, err) {
			h.notifier.Notify(ctx, job.Handle, i18n.M().AIFailed)
		}
		return err
	}
	h.notifier.Notify(ctx, job.Handle, reply)
	return nil
}
