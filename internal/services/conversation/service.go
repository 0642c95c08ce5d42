package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/NordCoder/Herald/internal/domain"
	"github.com/NordCoder/Herald/internal/domain/channel"
	"github.com/NordCoder/Herald/internal/domain/conversation"
	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/obs"
)

type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Enqueuer interface {
	InTx(ctx context.Context, n *notification.Notification) error
}

type Config struct {
	SessionTTL time.Duration `mapstructure:"session_ttl"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type Service struct {
	sessions conversation.Repo
	enqueuer Enqueuer
	tx       Transactor
	machine  *Machine
	clock    notification.Clock
	log      *zap.Logger
	cfg      Config
}

func NewService(sessions conversation.Repo, enq Enqueuer, tx Transactor, m *Machine, clock notification.Clock, log *zap.Logger, cfg Config) *Service {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if m == nil {
		m = NewMachine()
	}
	return &Service{
		sessions: sessions,
		enqueuer: enq,
		tx:       tx,
		machine:  m,
		clock:    clock,
		log:      log.With(zap.String("component", "conversation")),
		cfg:      cfg,
	}
}

// Handle applies one inbound event to the sender's session. A concurrent
// update of the same session is retried up to MaxRetries times before
// domain.ErrConflict is returned.
func (s *Service) Handle(ctx context.Context, userID int64, ct channel.Type, ev conversation.Event) (Result, error) {
	ctx, span := otel.Tracer("conversation").Start(ctx, "conversation.handle")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("user.id", userID),
		attribute.String("channel.type", string(ct)),
		attribute.String("event.kind", string(ev.Kind)),
	)

	key := conversation.Key{UserID: userID, Channel: ct}
	var (
		res Result
		err error
	)
	for attempt := range s.cfg.MaxRetries {
		res, err = s.handleOnce(ctx, key, ev)
		if !errors.Is(err, domain.ErrConflict) {
			break
		}
		obs.WithTrace(ctx, s.log).Debug("session conflict, retrying",
			zap.Int64("user_id", userID), zap.Int("attempt", attempt+1))
	}
	if err != nil {
		span.RecordError(err)
		return Result{}, err
	}
	span.SetAttributes(attribute.String("state", res.State), attribute.Bool("handled", res.Handled))
	if !res.Handled {
		obs.WithTrace(ctx, s.log).Debug("unhandled event",
			zap.Int64("user_id", userID), zap.String("diagnostic", res.Diagnostic))
	}
	return res, nil
}

func (s *Service) handleOnce(ctx context.Context, key conversation.Key, ev conversation.Event) (Result, error) {
	var res Result
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		ss, err := s.sessions.Get(ctx, key)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			ss = &conversation.Session{Key: key, State: StateIdle}
		case err != nil:
			return fmt.Errorf("load session: %w", err)
		}

		now := s.clock.Now()
		reset := ss.Version > 0 && now.Sub(ss.UpdatedAt) > s.cfg.SessionTTL
		if reset {
			ss.State, ss.Context = StateIdle, nil
		}

		res = s.machine.Transition(ss.State, ss.Context, ev, now)
		ss.State = res.State
		ss.Context = res.Context
		ss.Diagnostic = res.Diagnostic
		// Unhandled input keeps the session's activity clock where it was.
		if res.Handled || reset || ss.Version == 0 {
			ss.UpdatedAt = now
		}
		if err := s.sessions.Save(ctx, ss); err != nil {
			return err
		}

		for _, out := range res.Notifications {
			if err := s.enqueuer.InTx(ctx, materialise(key, out, now)); err != nil {
				return fmt.Errorf("enqueue reply: %w", err)
			}
		}
		return nil
	})
	return res, err
}

// materialise addresses an outgoing message to the sender. User text goes
// through vars so it is never parsed as a template.
func materialise(key conversation.Key, out Outgoing, now time.Time) *notification.Notification {
	n := &notification.Notification{
		Targets:   []notification.Target{notification.UserTarget(key.UserID)},
		Channels:  []channel.Type{key.Channel},
		Category:  out.Category,
		Priority:  out.Priority,
		Body:      "{{.body}}",
		Vars:      map[string]any{"body": out.Body},
		NotBefore: now,
		Source:    notification.SourceConversation,
	}
	if out.Title != "" {
		n.Title = "{{.title}}"
		n.Vars["title"] = out.Title
	}
	return n
}
