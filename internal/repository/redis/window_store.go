package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/NordCoder/Herald/internal/services/ratelimit"
)

var _ ratelimit.WindowStore = (*WindowStore)(nil)

// KEYS[1] window key; ARGV now_ms, window_ms, limit, member.
// Returns {allowed, count, oldest_ms}.
var recordScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
    redis.call('ZADD', key, now, ARGV[4])
    count = count + 1
    allowed = 1
end
if count > 0 then
    redis.call('PEXPIRE', key, window)
end

local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
    oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

type WindowStore struct {
	rdb redis.Scripter
}

func NewWindowStore(rdb redis.Scripter) *WindowStore { return &WindowStore{rdb: rdb} }

func (s *WindowStore) Record(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (ratelimit.WindowState, error) {
	nowMs := now.UnixMilli()
	member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString())

	res, err := recordScript.Run(ctx, s.rdb, []string{key}, nowMs, window.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return ratelimit.WindowState{}, fmt.Errorf("window script: %w", err)
	}
	if len(res) != 3 {
		return ratelimit.WindowState{}, fmt.Errorf("window script: unexpected reply %v", res)
	}
	return ratelimit.WindowState{
		Allowed: res[0] == 1,
		Count:   int(res[1]),
		Oldest:  time.UnixMilli(res[2]).UTC(),
	}, nil
}
