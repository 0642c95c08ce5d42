// Package telegram delivers chat notifications through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"github.com/NordCoder/Herald/internal/domain/channel"
)

type Config struct {
	Token      string        `mapstructure:"token"`
	APIURL     string        `mapstructure:"api_url"`
	RatePerSec int           `mapstructure:"rate_per_sec"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

var (
	_ channel.Transport = (*Transport)(nil)
	_ channel.Validator = (*Transport)(nil)
)

type bot struct {
	api     *tele.Bot
	limiter *rate.Limiter
}

// Transport keeps one bot per token. A channel may carry its own token in
// config.token, otherwise the process-wide token is used.
type Transport struct {
	cfg    Config
	client *http.Client

	mu   sync.Mutex
	bots map[string]*bot
}

func New(cfg Config, client *http.Client) *Transport {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Transport{cfg: cfg, client: client, bots: make(map[string]*bot)}
}

func (t *Transport) Type() channel.Type { return channel.TypeChat }

func (t *Transport) Validate(ch *channel.Channel) error {
	if t.token(ch) == "" {
		return errors.New("chat channel needs config.token or a default bot token")
	}
	return nil
}

func (t *Transport) token(ch *channel.Channel) string {
	if ch != nil {
		if tok := ch.Config.String("token"); tok != "" {
			return tok
		}
	}
	return t.cfg.Token
}

func (t *Transport) bot(token string) (*bot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if b, ok := t.bots[token]; ok {
		return b, nil
	}
	api, err := tele.NewBot(tele.Settings{
		URL:     t.cfg.APIURL,
		Token:   token,
		Client:  t.client,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	b := &bot{api: api, limiter: rate.NewLimiter(rate.Limit(t.cfg.RatePerSec), t.cfg.RatePerSec)}
	t.bots[token] = b
	return b, nil
}

func (t *Transport) Send(ctx context.Context, rcpt channel.Recipient, content channel.Content, ch *channel.Channel) (channel.Result, error) {
	if rcpt.Address == "" {
		return channel.Result{}, channel.Permanent("no_address", channel.ErrNoAddress)
	}
	chatID, err := strconv.ParseInt(rcpt.Address, 10, 64)
	if err != nil {
		return channel.Result{}, channel.Permanent("bad_chat_id", fmt.Errorf("chat id %q: %w", rcpt.Address, err))
	}
	if err := t.Validate(ch); err != nil {
		return channel.Result{}, channel.Permanent("config", err)
	}

	b, err := t.bot(t.token(ch))
	if err != nil {
		return channel.Result{}, channel.Permanent("bot_init", err)
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return channel.Result{}, channel.Retryable("paced", err)
	}

	text := content.Body
	if content.Subject != "" {
		text = content.Subject + "\n\n" + content.Body
	}
	opts := &tele.SendOptions{}
	if content.Format == channel.FormatHTML {
		opts.ParseMode = tele.ModeHTML
	}

	msg, err := b.api.Send(&tele.Chat{ID: chatID}, text, opts)
	if err != nil {
		return channel.Result{}, classify(err)
	}
	return channel.Result{ProviderMessageID: strconv.Itoa(msg.ID)}, nil
}

var unknownCode = regexp.MustCompile(`\((\d{3})\)$`)

// classify treats flood control, 429 and 5xx as transient; every other API
// rejection (bad chat, blocked bot, kicked) as permanent.
func classify(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return channel.Retryable("flood", err)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return byCode(apiErr.Code, err)
	}
	if m := unknownCode.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return byCode(code, err)
	}
	return channel.Retryable("network", err)
}

func byCode(code int, err error) error {
	label := "telegram_" + strconv.Itoa(code)
	if code == http.StatusTooManyRequests || code >= 500 {
		return channel.Retryable(label, err)
	}
	return channel.Permanent(label, err)
}
