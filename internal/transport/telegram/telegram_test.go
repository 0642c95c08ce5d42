package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NordCoder/Herald/internal/domain/channel"
)

type apiStub struct {
	mu    sync.Mutex
	paths []string
	form  []map[string]any
	reply string
}

func (s *apiStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths = append(s.paths, r.URL.Path)

	params := map[string]any{}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		_ = json.NewDecoder(r.Body).Decode(&params)
	}
	s.form = append(s.form, params)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(s.reply))
}

func newStub(t *testing.T, reply string) (*apiStub, *Transport) {
	t.Helper()
	stub := &apiStub{reply: reply}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	return stub, New(Config{Token: "T0K", APIURL: srv.URL, RatePerSec: 100}, srv.Client())
}

func TestSend_OK(t *testing.T) {
	stub, tr := newStub(t, `{"ok":true,"result":{"message_id":42,"date":0,"chat":{"id":100,"type":"private"}}}`)

	res, err := tr.Send(context.Background(),
		channel.Recipient{UserID: 1, Address: "100"},
		channel.Content{Subject: "Title", Body: "<b>hi</b>", Format: channel.FormatHTML},
		&channel.Channel{Type: channel.TypeChat})

	require.NoError(t, err)
	assert.Equal(t, "42", res.ProviderMessageID)
	require.Len(t, stub.paths, 1)
	assert.Equal(t, "/botT0K/sendMessage", stub.paths[0])
	assert.Equal(t, "100", fmt.Sprint(stub.form[0]["chat_id"]))
	assert.Equal(t, "Title\n\n<b>hi</b>", stub.form[0]["text"])
	assert.Equal(t, "HTML", stub.form[0]["parse_mode"])
}

func TestSend_ChannelTokenOverride(t *testing.T) {
	stub, tr := newStub(t, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":5,"type":"private"}}}`)

	_, err := tr.Send(context.Background(),
		channel.Recipient{Address: "5"},
		channel.Content{Body: "x"},
		&channel.Channel{Config: channel.Config{"token": "OTHER"}})

	require.NoError(t, err)
	assert.Equal(t, "/botOTHER/sendMessage", stub.paths[0])
}

func TestSend_Classification(t *testing.T) {
	cases := []struct {
		name      string
		reply     string
		retryable bool
	}{
		{"flood", `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 3","parameters":{"retry_after":3}}`, true},
		{"blocked", `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`, false},
		{"chat not found", `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`, false},
		{"server error", `{"ok":false,"error_code":502,"description":"Bad Gateway"}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, tr := newStub(t, tc.reply)
			_, err := tr.Send(context.Background(), channel.Recipient{Address: "9"}, channel.Content{Body: "x"}, nil)
			require.Error(t, err)
			assert.Equal(t, tc.retryable, channel.IsRetryable(err), err.Error())
		})
	}
}

func TestSend_BadAddressIsPermanent(t *testing.T) {
	_, tr := newStub(t, `{"ok":true}`)

	_, err := tr.Send(context.Background(), channel.Recipient{Address: "@handle"}, channel.Content{Body: "x"}, nil)
	require.Error(t, err)
	assert.False(t, channel.IsRetryable(err))

	_, err = tr.Send(context.Background(), channel.Recipient{}, channel.Content{Body: "x"}, nil)
	require.ErrorIs(t, err, channel.ErrNoAddress)
}

func TestValidate(t *testing.T) {
	tr := New(Config{}, nil)
	require.Error(t, tr.Validate(&channel.Channel{}))
	require.NoError(t, tr.Validate(&channel.Channel{Config: channel.Config{"token": "x"}}))
}
