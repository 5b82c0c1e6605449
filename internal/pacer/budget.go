package pacer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const budgetKeyPrefix = "outreach:budget:"

// reserveScript keeps one sorted set per window, scored by send time in ms.
// It returns 0 when a slot was taken, otherwise the ms until one frees up.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local hourLimit = tonumber(ARGV[2])
local dayLimit = tonumber(ARGV[3])
local member = ARGV[4]
local hourMs = 3600000
local dayMs = 86400000

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - hourMs)
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', now - dayMs)

if hourLimit > 0 and redis.call('ZCARD', KEYS[1]) >= hourLimit then
	local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
	return tonumber(oldest[2]) + hourMs - now
end
if dayLimit > 0 and redis.call('ZCARD', KEYS[2]) >= dayLimit then
	local oldest = redis.call('ZRANGE', KEYS[2], 0, 0, 'WITHSCORES')
	return tonumber(oldest[2]) + dayMs - now
end

redis.call('ZADD', KEYS[1], now, member)
redis.call('PEXPIRE', KEYS[1], hourMs)
redis.call('ZADD', KEYS[2], now, member)
redis.call('PEXPIRE', KEYS[2], dayMs)
return 0
`)

// Budget enforces rolling hourly and daily send limits per account across
// every worker process sharing the same Redis.
type Budget struct {
	client redis.Scripter
	hourly int
	daily  int
}

// NewBudget returns nil when client is nil, which Reserve treats as unlimited.
func NewBudget(client redis.Scripter, hourly, daily int) *Budget {
	if client == nil {
		return nil
	}
	return &Budget{client: client, hourly: hourly, daily: daily}
}

// Reserve takes one send slot for the account. A positive duration means no
// slot is free and the caller should try again after it.
func (b *Budget) Reserve(ctx context.Context, accountID int64, now time.Time) (time.Duration, error) {
	if b == nil || (b.hourly <= 0 && b.daily <= 0) {
		return 0, nil
	}

	keys := []string{
		fmt.Sprintf("%s%d:hour", budgetKeyPrefix, accountID),
		fmt.Sprintf("%s%d:day", budgetKeyPrefix, accountID),
	}
	member := fmt.Sprintf("%d:%s", now.UnixMilli(), uuid.NewString())

	wait, err := reserveScript.Run(ctx, b.client, keys, now.UnixMilli(), b.hourly, b.daily, member).Int64()
	if err != nil {
		return 0, fmt.Errorf("reserve send budget: %w", err)
	}
	if wait <= 0 {
		return 0, nil
	}
	return time.Duration(wait) * time.Millisecond, nil
}
