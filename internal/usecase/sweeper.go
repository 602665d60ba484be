package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"whatsapp-bridge/internal/domain"
)

const (
	DefaultRetentionDays    = 7
	DefaultSweepConcurrency = 4

	meterName = "whatsapp-bridge/sweeper"
)

// UserAPI is the carrier users surface used by Sweeper.
type UserAPI interface {
	ListUsers(ctx context.Context) ([]domain.User, error)
	ListUserConversations(ctx context.Context, userSID string) ([]domain.UserConversation, error)
	DeleteUserConversation(ctx context.Context, userSID, conversationSID string) error
	DeleteUser(ctx context.Context, userSID string) error
}

type SweeperConfig struct {
	RetentionDays int
	Concurrency   int
	// EvaluateFirst includes each user's first listed conversation in the age check.
	// By default it is always kept.
	EvaluateFirst bool
	// DefaultAgent is protected when a sweep is started without an agent identity.
	DefaultAgent  string
	MeterProvider metric.MeterProvider
}

type SweepInput struct {
	Agent string
}

type SweepReport struct {
	UsersScanned         int
	ConversationsDeleted int
	UsersDeleted         int
	Failures             int
}

type sweepCounters struct {
	scanned  metric.Int64Counter
	convs    metric.Int64Counter
	users    metric.Int64Counter
	failures metric.Int64Counter
}

// Sweeper deletes stale conversations and the users left without any.
//
// A user is deleted only after a successful re-list shows no remaining
// conversations. A user whose re-list fails is kept rather than deleted: the
// failure is counted and the next pass retries the user.
type Sweeper struct {
	api      UserAPI
	cfg      SweeperConfig
	logger   *slog.Logger
	counters sweepCounters
	now      func() time.Time
}

func NewSweeper(api UserAPI, cfg SweeperConfig, logger *slog.Logger) (*Sweeper, error) {
	if api == nil {
		return nil, errors.New("usecase: user api must not be nil")
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultSweepConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	mp := cfg.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	counters, err := newSweepCounters(mp.Meter(meterName))
	if err != nil {
		return nil, err
	}
	return &Sweeper{api: api, cfg: cfg, logger: logger, counters: counters, now: time.Now}, nil
}

func newSweepCounters(m metric.Meter) (sweepCounters, error) {
	var c sweepCounters
	var err error
	if c.scanned, err = m.Int64Counter("sweeper.users.scanned"); err != nil {
		return c, err
	}
	if c.convs, err = m.Int64Counter("sweeper.conversations.deleted"); err != nil {
		return c, err
	}
	if c.users, err = m.Int64Counter("sweeper.users.deleted"); err != nil {
		return c, err
	}
	if c.failures, err = m.Int64Counter("sweeper.failures"); err != nil {
		return c, err
	}
	return c, nil
}

// tally is shared by the per-user goroutines of one sweep.
type tally struct {
	scanned  atomic.Int64
	convs    atomic.Int64
	users    atomic.Int64
	failures atomic.Int64
}

func (t *tally) report() SweepReport {
	return SweepReport{
		UsersScanned:         int(t.scanned.Load()),
		ConversationsDeleted: int(t.convs.Load()),
		UsersDeleted:         int(t.users.Load()),
		Failures:             int(t.failures.Load()),
	}
}

// Sweep runs one retention pass. Per-item failures are logged and counted;
// the returned error is only set when ctx ends the pass early.
func (s *Sweeper) Sweep(ctx context.Context, in SweepInput) (SweepReport, error) {
	agent := in.Agent
	if agent == "" {
		agent = s.cfg.DefaultAgent
	}
	var t tally
	defer func() { s.record(ctx, t.report()) }()

	users, err := s.api.ListUsers(ctx)
	if err != nil {
		s.logger.Error("error cleaning up users", carrierAttrs(err)...)
		t.failures.Add(1)
		return t.report(), nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, user := range users {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			s.sweepUser(gctx, user, agent, &t)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return t.report(), err
	}
	if err := ctx.Err(); err != nil {
		return t.report(), err
	}

	report := t.report()
	s.logger.Info("retention sweep finished",
		"users_scanned", report.UsersScanned,
		"conversations_deleted", report.ConversationsDeleted,
		"users_deleted", report.UsersDeleted,
		"failures", report.Failures,
	)
	return report, nil
}

func (s *Sweeper) sweepUser(ctx context.Context, user domain.User, agent string, t *tally) {
	t.scanned.Add(1)
	log := s.logger.With("user_sid", user.SID, "identity", user.Identity)

	convs, err := s.api.ListUserConversations(ctx, user.SID)
	if err != nil {
		log.Error("unable to fetch conversations of user", carrierAttrs(err)...)
		t.failures.Add(1)
	} else {
		s.pruneConversations(ctx, log, user, convs, t)
	}
	if ctx.Err() != nil {
		return
	}

	remaining, err := s.api.ListUserConversations(ctx, user.SID)
	if err != nil {
		log.Error("unable to re-list conversations of user, keeping user", carrierAttrs(err)...)
		t.failures.Add(1)
		return
	}
	if len(remaining) > 0 || user.Identity == agent {
		return
	}
	if err := s.api.DeleteUser(ctx, user.SID); err != nil {
		log.Error("unable to remove user", carrierAttrs(err)...)
		t.failures.Add(1)
		return
	}
	t.users.Add(1)
	log.Info("removed user without conversations")
}

func (s *Sweeper) pruneConversations(ctx context.Context, log *slog.Logger, user domain.User, convs []domain.UserConversation, t *tally) {
	now := s.now()
	for i, conv := range convs {
		if ctx.Err() != nil {
			return
		}
		if i == 0 && !s.cfg.EvaluateFirst {
			continue
		}
		if ageInDays(now, conv.LastActivity()) <= s.cfg.RetentionDays {
			continue
		}
		if err := s.api.DeleteUserConversation(ctx, user.SID, conv.ConversationSID); err != nil {
			log.Error("unable to remove conversation", carrierAttrs(err, "conversation_sid", conv.ConversationSID)...)
			t.failures.Add(1)
			continue
		}
		t.convs.Add(1)
	}
}

func (s *Sweeper) record(ctx context.Context, r SweepReport) {
	ctx = context.WithoutCancel(ctx)
	s.counters.scanned.Add(ctx, int64(r.UsersScanned))
	s.counters.convs.Add(ctx, int64(r.ConversationsDeleted))
	s.counters.users.Add(ctx, int64(r.UsersDeleted))
	s.counters.failures.Add(ctx, int64(r.Failures))
}

// ageInDays is the number of whole days between last and now.
func ageInDays(now, last time.Time) int {
	return int(now.Sub(last) / (24 * time.Hour))
}
