package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const keyPrefix = "ingestor:lock:"

// Deletes the key only if it still holds our token, so an expired lock re-acquired by someone else survives.
const compareAndDeleteScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
else
	return 0
end
`

// Extends the expiry only if the key still holds our token.
const compareAndExpireScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
else
	return 0
end
`

// RedisLock is a NamedLock backed by redis keys with an expiry.
// The key is refreshed every ttl/3 while held, so a live holder keeps the lock for as long as it runs,
// and a holder that dies without releasing blocks other instances for at most ttl.
type RedisLock struct {
	db  redis.UniversalClient
	ttl time.Duration

	mu   sync.Mutex
	held map[int64]*heldLock
}

type heldLock struct {
	token string
	stop  chan struct{}
}

func NewRedisLock(db redis.UniversalClient, ttl time.Duration) *RedisLock {
	return &RedisLock{db: db, ttl: ttl, held: make(map[int64]*heldLock)}
}

func (l *RedisLock) TryAcquire(_ context.Context, id int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[id]; ok {
		return false, nil
	}
	token := uuid.New().String()
	acquired, err := l.db.SetNX(lockKey(id), token, l.ttl).Result()
	if err != nil {
		return false, errors.WithStack(err)
	}
	if acquired {
		h := &heldLock{token: token, stop: make(chan struct{})}
		l.held[id] = h
		if interval := l.ttl / 3; interval > 0 {
			go l.renew(id, h, interval)
		}
	}
	return acquired, nil
}

// renew pushes the expiry of a held lock out to ttl every interval until it is released.
// It gives up once the key no longer holds our token.
func (l *RedisLock) renew(id int64, h *heldLock, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			extended, err := l.db.Eval(compareAndExpireScript, []string{lockKey(id)}, h.token, l.ttl.Milliseconds()).Int64()
			if err != nil {
				log.WithError(err).Warnf("could not extend redis lock %d", id)
				continue
			}
			if extended == 0 {
				log.Warnf("redis lock %d expired while held; exclusion is lost until it is released", id)
				return
			}
		}
	}
}

func (l *RedisLock) Release(_ context.Context, id int64) error {
	l.mu.Lock()
	h, ok := l.held[id]
	delete(l.held, id)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	close(h.stop)
	if err := l.db.Eval(compareAndDeleteScript, []string{lockKey(id)}, h.token).Err(); err != nil {
		return errors.Wrapf(err, "releasing redis lock %d", id)
	}
	return nil
}

func lockKey(id int64) string {
	return fmt.Sprintf("%s%d", keyPrefix, id)
}
