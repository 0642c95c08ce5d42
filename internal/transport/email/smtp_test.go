package email

import (
	"errors"
	"io"
	"net/textproto"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NordCoder/Herald/internal/domain/channel"
)

func TestBuildMessage_ContentType(t *testing.T) {
	html := string(buildMessage("f@x", "t@x", "S", channel.Content{Body: "<b>hi</b>", Format: channel.FormatHTML}))
	assert.Contains(t, html, "Content-Type: text/html; charset=utf-8\r\n")
	assert.True(t, strings.HasSuffix(html, "\r\n\r\n<b>hi</b>\r\n"))

	plain := string(buildMessage("f@x", "t@x", "S", channel.Content{Body: "hi"}))
	assert.Contains(t, plain, "Content-Type: text/plain; charset=utf-8\r\n")
	assert.Contains(t, plain, "Subject: S\r\n")
}

func TestClassifySMTP(t *testing.T) {
	assert.False(t, channel.IsRetryable(classifySMTP(&textproto.Error{Code: 550, Msg: "mailbox unavailable"})))
	assert.True(t, channel.IsRetryable(classifySMTP(&textproto.Error{Code: 421, Msg: "try later"})))
	assert.True(t, channel.IsRetryable(classifySMTP(io.EOF)))
	assert.True(t, channel.IsRetryable(classifySMTP(errors.New("dial tcp: refused"))))
}

func TestHost(t *testing.T) {
	assert.Equal(t, "smtp.example.com", host("smtp.example.com:587"))
	assert.Equal(t, "smtp.example.com", host("smtp.example.com"))
}
