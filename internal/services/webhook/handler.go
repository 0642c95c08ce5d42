// Package webhook is the inbound boundary for bot-originated events.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"

	"github.com/NordCoder/Herald/internal/domain"
	"github.com/NordCoder/Herald/internal/domain/channel"
	"github.com/NordCoder/Herald/internal/domain/conversation"
	"github.com/NordCoder/Herald/internal/domain/user"
	"github.com/NordCoder/Herald/internal/obs"
	convsvc "github.com/NordCoder/Herald/internal/services/conversation"
	"github.com/NordCoder/Herald/internal/services/ratelimit"
	sig "github.com/NordCoder/Herald/internal/transport/webhook"
)

const HeaderTelegramSecret = "X-Telegram-Bot-Api-Secret-Token"

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "herald_webhook_requests_total",
	Help: "Inbound webhook requests by source and result.",
}, []string{"source", "result"})

type Conversations interface {
	Handle(ctx context.Context, userID int64, ct channel.Type, ev conversation.Event) (convsvc.Result, error)
}

type Admitter interface {
	Admit(ctx context.Context, key ratelimit.Key) (ratelimit.Decision, error)
}

type Users interface {
	GetByContact(ctx context.Context, t channel.Type, address string) (*user.User, error)
}

type Config struct {
	TelegramSecret string        `mapstructure:"telegram_secret"`
	EventsSecret   string        `mapstructure:"events_secret"`
	MaxAge         time.Duration `mapstructure:"max_age"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes"`
}

type Handler struct {
	cfg     Config
	users   Users
	limiter Admitter
	conv    Conversations
	now     func() time.Time
	log     *zap.Logger
}

// New builds the handler. limiter may be nil to admit everything.
func New(cfg Config, users Users, limiter Admitter, conv Conversations, now func() time.Time, log *zap.Logger) *Handler {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Handler{
		cfg:     cfg,
		users:   users,
		limiter: limiter,
		conv:    conv,
		now:     now,
		log:     log.With(zap.String("component", "webhook")),
	}
}

// inbound is an authenticated event with its sender resolved to an address.
type inbound struct {
	source  string
	channel channel.Type
	address string
	event   conversation.Event
}

// GenericEvent is the body of POST /webhook/events.
type GenericEvent struct {
	Sender  string `json:"sender"`
	Channel string `json:"channel,omitempty"`
	Kind    string `json:"kind"`
	Text    string `json:"text,omitempty"`
	Data    string `json:"data,omitempty"`
}

func (h *Handler) Telegram(w http.ResponseWriter, r *http.Request) {
	body, ok := h.read(w, r, "telegram")
	if !ok {
		return
	}
	got := r.Header.Get(HeaderTelegramSecret)
	if h.cfg.TelegramSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.cfg.TelegramSecret)) != 1 {
		h.reject(w, "telegram", http.StatusUnauthorized, "unauthorized")
		return
	}

	var upd tele.Update
	if err := json.Unmarshal(body, &upd); err != nil {
		h.reject(w, "telegram", http.StatusBadRequest, "malformed update")
		return
	}
	in, err := fromTelegram(&upd, h.now())
	if errors.Is(err, errUnsupportedUpdate) {
		h.log.Debug("telegram update skipped", zap.Int("update_id", upd.ID))
		requestsTotal.WithLabelValues("telegram", "ignored").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		h.reject(w, "telegram", http.StatusBadRequest, err.Error())
		return
	}
	h.handle(w, r, in)
}

func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	body, ok := h.read(w, r, "events")
	if !ok {
		return
	}
	err := sig.Verify([]byte(h.cfg.EventsSecret),
		r.Header.Get(sig.HeaderTimestamp), r.Header.Get(sig.HeaderSignature),
		body, h.now(), h.cfg.MaxAge)
	if h.cfg.EventsSecret == "" || err != nil {
		h.reject(w, "events", http.StatusUnauthorized, "unauthorized")
		return
	}

	var ev GenericEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		h.reject(w, "events", http.StatusBadRequest, "malformed event")
		return
	}
	in, err := fromGeneric(ev, h.now())
	if err != nil {
		h.reject(w, "events", http.StatusBadRequest, err.Error())
		return
	}
	h.handle(w, r, in)
}

func (h *Handler) read(w http.ResponseWriter, r *http.Request, source string) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		h.reject(w, source, http.StatusBadRequest, "unreadable body")
		return nil, false
	}
	return body, true
}

func (h *Handler) handle(w http.ResponseWriter, r *http.Request, in inbound) {
	ctx := r.Context()
	log := obs.WithTrace(ctx, h.log).With(
		zap.String("source", in.source),
		zap.String("channel_type", string(in.channel)),
		zap.String("sender", in.address),
	)

	if h.limiter != nil {
		d, err := h.limiter.Admit(ctx, ratelimit.Key{Scope: ratelimit.ScopeWebhook, Actor: string(in.channel) + ":" + in.address})
		if err != nil {
			log.Error("rate limiter unavailable", zap.Error(err))
			h.reject(w, in.source, http.StatusServiceUnavailable, "rate limiter unavailable")
			return
		}
		if !d.Allowed {
			secs := int(d.RetryAfter(h.now()) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			h.reject(w, in.source, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	u, err := h.users.GetByContact(ctx, in.channel, in.address)
	switch {
	case errors.Is(err, domain.ErrNotFound) || (err == nil && !u.Active):
		log.Debug("unknown sender")
		requestsTotal.WithLabelValues(in.source, "ignored").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	case err != nil:
		log.Error("sender lookup failed", zap.Error(err))
		h.reject(w, in.source, http.StatusInternalServerError, "internal error")
		return
	}

	res, err := h.conv.Handle(ctx, u.ID, in.channel, in.event)
	if err != nil {
		log.Error("conversation failed", zap.Int64("user_id", u.ID), zap.Error(err))
		h.reject(w, in.source, http.StatusInternalServerError, "internal error")
		return
	}
	log.Debug("event handled",
		zap.Int64("user_id", u.ID),
		zap.String("state", res.State),
		zap.Bool("handled", res.Handled),
	)
	requestsTotal.WithLabelValues(in.source, "ok").Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) reject(w http.ResponseWriter, source string, code int, msg string) {
	requestsTotal.WithLabelValues(source, strconv.Itoa(code)).Inc()
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

var (
	errNoSender = errors.New("update has no sender")
	errNoEvent  = errors.New("update carries no supported event")

	errUnsupportedUpdate = errors.New("unsupported telegram update kind")
)

func fromTelegram(upd *tele.Update, now time.Time) (inbound, error) {
	in := inbound{source: "telegram", channel: channel.TypeChat}
	switch {
	case upd.Message != nil:
		if upd.Message.Sender == nil {
			return inbound{}, errNoSender
		}
		in.address = strconv.FormatInt(upd.Message.Sender.ID, 10)
		in.event = parseText(upd.Message.Text, now)
	case upd.Callback != nil:
		if upd.Callback.Sender == nil {
			return inbound{}, errNoSender
		}
		in.address = strconv.FormatInt(upd.Callback.Sender.ID, 10)
		in.event = conversation.Event{
			Kind: conversation.EventCallback,
			Data: strings.TrimPrefix(upd.Callback.Data, "\f"),
			At:   now,
		}
	default:
		return inbound{}, errUnsupportedUpdate
	}
	return in, nil
}

func fromGeneric(ev GenericEvent, now time.Time) (inbound, error) {
	if strings.TrimSpace(ev.Sender) == "" {
		return inbound{}, errNoSender
	}
	ct := channel.TypeWebhook
	if ev.Channel != "" {
		ct = channel.Type(ev.Channel)
		if !ct.Valid() {
			return inbound{}, errors.New("unknown channel type")
		}
	}
	in := inbound{source: "events", channel: ct, address: ev.Sender}
	switch conversation.EventKind(ev.Kind) {
	case conversation.EventMessage, conversation.EventCommand:
		in.event = parseText(ev.Text, now)
	case conversation.EventCallback:
		in.event = conversation.Event{Kind: conversation.EventCallback, Data: ev.Data, At: now}
	default:
		return inbound{}, errNoEvent
	}
	return in, nil
}

// parseText turns "/cmd rest" into a command and anything else into a message.
func parseText(text string, now time.Time) conversation.Event {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "/") {
		cmd, rest, _ := strings.Cut(trimmed, " ")
		return conversation.Event{Kind: conversation.EventCommand, Command: cmd, Text: strings.TrimSpace(rest), At: now}
	}
	return conversation.Event{Kind: conversation.EventMessage, Text: text, At: now}
}
