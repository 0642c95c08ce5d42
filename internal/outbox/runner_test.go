package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NordCoder/Herald/internal/domain/outbox"
	"github.com/NordCoder/Herald/internal/obs/retry"
	"github.com/NordCoder/Herald/internal/repository/memory"
)

type fakeEvents struct {
	mu   sync.Mutex
	ids  []int64
	fail error
}

func (f *fakeEvents) PublishNotificationReady(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.ids = append(f.ids, id)
	return nil
}

func noRetry() retry.Policy {
	return retry.Policy{Name: "test", Attempts: 1}
}

func enqueueReady(t *testing.T, repo outbox.Repository, id int64) {
	t.Helper()
	data, err := json.Marshal(ReadyPayload{NotificationID: id, EnqueuedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, repo.Enqueue(context.Background(), ReadyKey(id), outbox.KindNotificationReady, data))
}

func TestRunner_TickPublishesAndMarksSuccess(t *testing.T) {
	store := memory.New()
	repo := store.Outbox()
	enqueueReady(t, repo, 7)
	enqueueReady(t, repo, 8)
	enqueueReady(t, repo, 7)

	pub := &fakeEvents{}
	r := NewOutboxRunner(zap.NewNop(), repo, MakeGlobalOutboxHandler(pub, noRetry()), Config{BatchSize: 10})

	assert.Equal(t, 2, r.Tick(context.Background()))
	assert.Equal(t, []int64{7, 8}, pub.ids)
	assert.Zero(t, repo.Pending())

	assert.Zero(t, r.Tick(context.Background()))
}

func TestRunner_FailedPublishStaysPending(t *testing.T) {
	store := memory.New()
	repo := store.Outbox()
	enqueueReady(t, repo, 1)

	pub := &fakeEvents{fail: errors.New("broker down")}
	r := NewOutboxRunner(zap.NewNop(), repo, MakeGlobalOutboxHandler(pub, noRetry()), Config{BatchSize: 10})

	assert.Zero(t, r.Tick(context.Background()))
	assert.Equal(t, 1, repo.Pending())
}

func TestGlobalHandler_UnknownKind(t *testing.T) {
	h := MakeGlobalOutboxHandler(&fakeEvents{}, noRetry())
	_, err := h(outbox.Kind(99))
	require.Error(t, err)
}

func TestGlobalHandler_BadPayload(t *testing.T) {
	h, err := MakeGlobalOutboxHandler(&fakeEvents{}, noRetry())(outbox.KindNotificationReady)
	require.NoError(t, err)
	require.Error(t, h(context.Background(), []byte("{")))
}
