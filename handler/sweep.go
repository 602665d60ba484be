package handler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"whatsapp-bridge/internal/usecase"
)

// SweepEvent is the scheduled job payload. Agent overrides the protected identity.
type SweepEvent struct {
	Agent string `json:"agent"`
}

type Sweeper interface {
	Sweep(ctx context.Context, in usecase.SweepInput) (usecase.SweepReport, error)
}

// SweepHandler runs the retention sweep from a scheduler.
type SweepHandler struct {
	sweeper Sweeper
	logger  *slog.Logger
}

func NewSweepHandler(s Sweeper, logger *slog.Logger) (*SweepHandler, error) {
	if s == nil {
		return nil, errors.New("handler: sweeper must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepHandler{sweeper: s, logger: logger}, nil
}

func (h *SweepHandler) Handle(ctx context.Context, ev SweepEvent) (usecase.SweepReport, error) {
	start := time.Now()
	report, err := h.sweeper.Sweep(ctx, usecase.SweepInput{Agent: ev.Agent})
	if err != nil {
		h.logger.Error("retention sweep interrupted", "err", err, "elapsed", time.Since(start))
		return report, err
	}
	h.logger.Info("retention sweep finished",
		"users_scanned", report.UsersScanned,
		"conversations_deleted", report.ConversationsDeleted,
		"users_deleted", report.UsersDeleted,
		"failures", report.Failures,
		"elapsed", time.Since(start),
	)
	return report, nil
}
