// Package email holds the email transports: plain SMTP and the Postmark API.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/NordCoder/Herald/internal/domain/channel"
)

type SMTPConfig struct {
	Addr       string        `mapstructure:"addr"`
	User       string        `mapstructure:"user"`
	Password   string        `mapstructure:"password"`
	From       string        `mapstructure:"from"`
	UseTLS     bool          `mapstructure:"use_tls"`
	Timeout    time.Duration `mapstructure:"timeout"`
	SubjPrefix string        `mapstructure:"subject_prefix"`
}

var _ channel.Transport = (*SMTP)(nil)

type SMTP struct {
	cfg  SMTPConfig
	auth smtp.Auth
	log  *zap.Logger
}

func NewSMTP(cfg SMTPConfig, log *zap.Logger) *SMTP {
	var auth smtp.Auth
	if cfg.User != "" || cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.User, cfg.Password, host(cfg.Addr))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SMTP{cfg: cfg, auth: auth, log: log.With(zap.String("component", "transport.smtp"))}
}

func (m *SMTP) Type() channel.Type { return channel.TypeEmail }

// Send delivers one message. A channel may override the sender with config.from.
func (m *SMTP) Send(ctx context.Context, rcpt channel.Recipient, content channel.Content, ch *channel.Channel) (channel.Result, error) {
	if rcpt.Address == "" {
		return channel.Result{}, channel.Permanent("no_address", channel.ErrNoAddress)
	}
	from := m.cfg.From
	if ch != nil && ch.Config.String("from") != "" {
		from = ch.Config.String("from")
	}
	subj := strings.TrimSpace(m.cfg.SubjPrefix + " " + content.Subject)
	msg := buildMessage(from, rcpt.Address, subj, content)

	start := time.Now()
	log := m.log.With(
		zap.String("smtp_addr", m.cfg.Addr),
		zap.Bool("tls", m.cfg.UseTLS),
		zap.Int64("user_id", rcpt.UserID),
	)

	if err := m.deliver(ctx, from, rcpt.Address, msg); err != nil {
		log.Warn("smtp send failed", zap.Error(err))
		return channel.Result{}, classifySMTP(err)
	}
	log.Debug("email sent", zap.Duration("elapsed", time.Since(start)))
	return channel.Result{}, nil
}

func (m *SMTP) deliver(ctx context.Context, from, to string, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	dialer := net.Dialer{Timeout: m.cfg.Timeout}
	var (
		conn net.Conn
		err  error
	)
	if m.cfg.UseTLS {
		td := tls.Dialer{NetDialer: &dialer, Config: &tls.Config{ServerName: host(m.cfg.Addr)}}
		conn, err = td.DialContext(ctx, "tcp", m.cfg.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", m.cfg.Addr)
	}
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	c, err := smtp.NewClient(conn, host(m.cfg.Addr))
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer func() { _ = c.Close() }()

	if !m.cfg.UseTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: host(m.cfg.Addr)}); err != nil {
				return err
			}
		}
	}
	if m.auth != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(m.auth); err != nil {
				return err
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func buildMessage(from, to, subject string, content channel.Content) []byte {
	ctype := "text/plain; charset=utf-8"
	if content.Format == channel.FormatHTML {
		ctype = "text/html; charset=utf-8"
	}
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: " + ctype + "\r\n")
	b.WriteString("\r\n")
	b.WriteString(content.Body)
	b.WriteString("\r\n")
	return []byte(b.String())
}

// classifySMTP maps 5xx replies to permanent failures. Everything else,
// including dial and timeout errors, may be retried.
func classifySMTP(err error) error {
	var tp *textproto.Error
	if errors.As(err, &tp) {
		if tp.Code >= 500 {
			return channel.Permanent("smtp_"+strconv.Itoa(tp.Code), err)
		}
		return channel.Retryable("smtp_"+strconv.Itoa(tp.Code), err)
	}
	if errors.Is(err, io.EOF) {
		return channel.Retryable("smtp_eof", err)
	}
	return channel.Retryable("network", err)
}

func host(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return h
	}
	return addr
}
