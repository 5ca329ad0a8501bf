package consumer

import (
	"context"
	"errors"
	"log"

	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/domain"
	"github.com/Rimpei-Qdai/strava-stas-web-app/internal/fetch"
)

// Runner is the orchestrator surface the handler needs.
type Runner interface {
	Run(ctx context.Context, p domain.Principal) error
}

// FetchHandler runs queued fetch requests to completion through the
// unbounded orchestrator.
type FetchHandler struct {
	runner Runner
	logger *log.Logger
}

// NewFetchHandler constructs a FetchHandler.
func NewFetchHandler(runner Runner, logger *log.Logger) *FetchHandler {
	if logger == nil {
		logger = log.New(log.Writer(), "[worker] ", log.LstdFlags)
	}
	return &FetchHandler{runner: runner, logger: logger}
}

// Handle executes one request. A missing credential is permanent (the token
// was deleted after the request was queued): the request is dropped rather
// than redelivered. The failed-run case returns nil too, because the
// orchestrator has already recorded the terminal error status; only errors
// worth a redelivery propagate.
func (h *FetchHandler) Handle(ctx context.Context, req fetch.Request) error {
	err := h.runner.Run(ctx, req.Principal())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fetch.ErrNoCredential):
		h.logger.Printf("dropping request %s: credential gone for %s", req.CorrelationID, req.Principal().Key())
		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Shutdown mid-run: leave uncommitted so another worker picks it up.
		return err
	default:
		h.logger.Printf("run failed for %s (correlation=%s): %v", req.Principal().Key(), req.CorrelationID, err)
		return nil
	}
}
