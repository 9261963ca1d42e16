package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseLost is returned by Refresh when another owner took the account.
var ErrLeaseLost = errors.New("account lease lost")

// Lease guards account ownership across orchestrator processes. The pool takes
// the lease before dialing an account and gives it back on shutdown or ban.
type Lease interface {
	Acquire(ctx context.Context, accountID string) (bool, error)
	Refresh(ctx context.Context, accountID string) error
	Release(ctx context.Context, accountID string) error
}

// MemoryLease is a process-local lease table. Views created with As share
// the table and behave like separate processes sharing a Redis.
type MemoryLease struct {
	t     *leaseTable
	owner string
}

type leaseTable struct {
	mu     sync.Mutex
	owners map[string]string
}

func NewMemoryLease() *MemoryLease {
	return &MemoryLease{t: &leaseTable{owners: map[string]string{}}, owner: uuid.NewString()}
}

// As returns a view of the same table under a different owner id.
func (m *MemoryLease) As(owner string) *MemoryLease {
	return &MemoryLease{t: m.t, owner: owner}
}

func (m *MemoryLease) Acquire(_ context.Context, accountID string) (bool, error) {
	m.t.mu.Lock()
	defer m.t.mu.Unlock()
	if cur, ok := m.t.owners[accountID]; ok && cur != m.owner {
		return false, nil
	}
	m.t.owners[accountID] = m.owner
	return true, nil
}

func (m *MemoryLease) Refresh(_ context.Context, accountID string) error {
	m.t.mu.Lock()
	defer m.t.mu.Unlock()
	if m.t.owners[accountID] != m.owner {
		return ErrLeaseLost
	}
	return nil
}

func (m *MemoryLease) Release(_ context.Context, accountID string) error {
	m.t.mu.Lock()
	defer m.t.mu.Unlock()
	if m.t.owners[accountID] == m.owner {
		delete(m.t.owners, accountID)
	}
	return nil
}

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLease stores ownership as key -> owner id with a TTL. Release and
// Refresh only touch keys this owner still holds.
type RedisLease struct {
	rdb    redis.UniversalClient
	owner  string
	ttl    time.Duration
	prefix string
}

func NewRedisLease(rdb redis.UniversalClient, ttl time.Duration, prefix string) *RedisLease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if prefix == "" {
		prefix = "outreach:lease:"
	}
	return &RedisLease{rdb: rdb, owner: uuid.NewString(), ttl: ttl, prefix: prefix}
}

func (l *RedisLease) Owner() string { return l.owner }

func (l *RedisLease) key(accountID string) string { return l.prefix + accountID }

func (l *RedisLease) Acquire(ctx context.Context, accountID string) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key(accountID), l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease acquire %s: %w", accountID, err)
	}
	if ok {
		return true, nil
	}
	// Re-acquiring our own lease counts as success.
	if err := l.Refresh(ctx, accountID); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (l *RedisLease) Refresh(ctx context.Context, accountID string) error {
	n, err := refreshScript.Run(ctx, l.rdb, []string{l.key(accountID)}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lease refresh %s: %w", accountID, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (l *RedisLease) Release(ctx context.Context, accountID string) error {
	if _, err := releaseScript.Run(ctx, l.rdb, []string{l.key(accountID)}, l.owner).Int(); err != nil {
		return fmt.Errorf("lease release %s: %w", accountID, err)
	}
	return nil
}
