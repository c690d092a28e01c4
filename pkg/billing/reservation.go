package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/veilchat/veilchat/pkg/model"
)

// ErrReserved means the requested hold would push a counter past its limit.
// The funds nominally exist but are claimed by concurrent streams.
var ErrReserved = errors.New("billing: reservation limit exceeded")

// Hold is one counter a reservation increments. Limit is the ceiling the
// counter may not exceed after the increment: effective balance for payer
// holds, remaining budget for member and conversation holds.
type Hold struct {
	Key    string
	Amount decimal.Decimal
	Limit  decimal.Decimal
}

// ReservationStore holds speculative debits while a stream runs. Reserve is
// all-or-nothing across all holds; Release decrements each counter by the
// amount previously reserved.
type ReservationStore interface {
	Reserve(ctx context.Context, holds []Hold, ttl time.Duration) error
	Release(ctx context.Context, holds []Hold) error
}

// Reservation key namespaces. Group-budget sends hold all three at once.
func PayerKey(accountID string) string { return "reserve:payer:" + accountID }
func MemberKey(conversationID, memberID string) string {
	return "reserve:member:" + conversationID + ":" + memberID
}
func ConversationKey(conversationID string) string {
	return "reserve:conv:" + conversationID
}

// Counters are stored as integers at MoneyPrecision fractional digits so
// the Lua side does pure integer arithmetic. Amounts round up and limits
// round down, so a rounding error can only over-reserve, never over-spend.
func amountUnits(d decimal.Decimal) int64 { return d.Shift(model.MoneyPrecision).Ceil().IntPart() }
func limitUnits(d decimal.Decimal) int64  { return d.Shift(model.MoneyPrecision).Floor().IntPart() }

// reserveScript checks every counter before touching any, so a partial
// failure never leaves a stray increment behind.
var reserveScript = redis.NewScript(`
local n = #KEYS
for i = 1, n do
  local cur = tonumber(redis.call('GET', KEYS[i]) or '0')
  if cur + tonumber(ARGV[2*i-1]) > tonumber(ARGV[2*i]) then
    return i
  end
end
for i = 1, n do
  redis.call('INCRBY', KEYS[i], ARGV[2*i-1])
  redis.call('PEXPIRE', KEYS[i], ARGV[2*n+1])
end
return 0
`)

var releaseScript = redis.NewScript(`
for i = 1, #KEYS do
  local v = redis.call('DECRBY', KEYS[i], ARGV[i])
  if v < 0 then
    redis.call('SET', KEYS[i], '0', 'KEEPTTL')
  end
end
return 0
`)

// RedisReservations is the production ReservationStore. Keys carry a short
// TTL so a crashed handler cannot pin funds forever.
type RedisReservations struct {
	rdb redis.Scripter
}

func NewRedisReservations(rdb redis.Scripter) *RedisReservations {
	return &RedisReservations{rdb: rdb}
}

func (r *RedisReservations) Reserve(ctx context.Context, holds []Hold, ttl time.Duration) error {
	if len(holds) == 0 {
		return nil
	}
	keys := make([]string, len(holds))
	args := make([]interface{}, 0, 2*len(holds)+1)
	for i, h := range holds {
		keys[i] = h.Key
		args = append(args, amountUnits(h.Amount), limitUnits(h.Limit))
	}
	args = append(args, ttl.Milliseconds())

	n, err := reserveScript.Run(ctx, r.rdb, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("billing: reserve script: %w", err)
	}
	if n != 0 {
		return ErrReserved
	}
	return nil
}

func (r *RedisReservations) Release(ctx context.Context, holds []Hold) error {
	if len(holds) == 0 {
		return nil
	}
	keys := make([]string, len(holds))
	args := make([]interface{}, len(holds))
	for i, h := range holds {
		keys[i] = h.Key
		args[i] = amountUnits(h.Amount)
	}
	if err := releaseScript.Run(ctx, r.rdb, keys, args...).Err(); err != nil {
		return fmt.Errorf("billing: release script: %w", err)
	}
	return nil
}

// MemoryReservations mirrors the Redis semantics in process memory. Used in
// dev mode and tests.
type MemoryReservations struct {
	mu       sync.Mutex
	counters map[string]*memCounter
	now      func() time.Time
}

type memCounter struct {
	units   int64
	expires time.Time
}

func NewMemoryReservations() *MemoryReservations {
	return &MemoryReservations{counters: make(map[string]*memCounter), now: time.Now}
}

func (m *MemoryReservations) get(key string) *memCounter {
	c, ok := m.counters[key]
	if !ok || m.now().After(c.expires) {
		c = &memCounter{}
		m.counters[key] = c
	}
	return c
}

func (m *MemoryReservations) Reserve(_ context.Context, holds []Hold, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range holds {
		if m.get(h.Key).units+amountUnits(h.Amount) > limitUnits(h.Limit) {
			return ErrReserved
		}
	}
	deadline := m.now().Add(ttl)
	for _, h := range holds {
		c := m.get(h.Key)
		c.units += amountUnits(h.Amount)
		c.expires = deadline
	}
	return nil
}

func (m *MemoryReservations) Release(_ context.Context, holds []Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range holds {
		c := m.get(h.Key)
		c.units -= amountUnits(h.Amount)
		if c.units < 0 {
			c.units = 0
		}
	}
	return nil
}

// Held reports the current reserved total for a key, for tests.
func (m *MemoryReservations) Held(key string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return decimal.New(m.get(key).units, -model.MoneyPrecision)
}
