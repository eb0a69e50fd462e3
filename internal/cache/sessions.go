package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"moff.io/wallet-gateway/internal/session"
	"moff.io/wallet-gateway/pkg/errors"
	"moff.io/wallet-gateway/pkg/log"
)

const (
	DefaultKeyPrefix = "wallet-gateway:"
	maxUpdateRetries = 5
)

// sweepScript removes every indexed session older than the cutoff in one step
// so a concurrent Save either lands before (and is swept) or after (and stays).
var sweepScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for _, id in ipairs(ids) do
	redis.call('DEL', ARGV[2] .. id)
	redis.call('ZREM', KEYS[1], id)
end
return #ids
`)

// SessionStore keeps one json value per user plus a sorted set of user ids
// scored by last activity.
type SessionStore struct {
	cli    *redis.Client
	prefix string
	now    func() time.Time
}

func NewSessionStore(cli *redis.Client, prefix string) *SessionStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &SessionStore{cli: cli, prefix: prefix, now: time.Now}
}

func (s *SessionStore) recordPrefix() string {
	return s.prefix + "session:"
}

func (s *SessionStore) key(userID string) string {
	return s.recordPrefix() + userID
}

func (s *SessionStore) indexKey() string {
	return s.prefix + "sessions"
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (s *SessionStore) write(ctx context.Context, pipe redis.Pipeliner, sess *session.Session) error {
	dat, err := json.Marshal(sess)
	if err != nil {
		return errors.Wrapf(err, "marshal session %v", sess.UserID)
	}
	pipe.Set(ctx, s.key(sess.UserID), dat, 0)
	pipe.ZAdd(ctx, s.indexKey(), &redis.Z{Score: score(sess.LastActivity), Member: sess.UserID})
	return nil
}

func (s *SessionStore) Save(ctx context.Context, sess *session.Session) error {
	_, err := s.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return s.write(ctx, pipe, sess)
	})
	return errors.Wrapf(err, "save session %v", sess.UserID)
}

func (s *SessionStore) Get(ctx context.Context, userID string) (*session.Session, error) {
	dat, err := s.cli.Get(ctx, s.key(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get session %v", userID)
	}
	return decode(dat)
}

func decode(dat []byte) (*session.Session, error) {
	var sess session.Session
	if err := json.Unmarshal(dat, &sess); err != nil {
		return nil, errors.Wrap(err, "unmarshal session")
	}
	return &sess, nil
}

func (s *SessionStore) List(ctx context.Context, opts session.ListOptions) (*session.ListResult, error) {
	ids, err := s.cli.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "range session index")
	}
	if len(ids) == 0 {
		return session.Page(nil, opts), nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.key(id))
	}
	values, err := s.cli.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "get sessions")
	}
	all := make([]*session.Session, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// removed between the index read and MGET
			continue
		}
		sess, err := decode([]byte(str))
		if err != nil {
			log.Warnf("redis session store - skip %v: %v", keys[i], err)
			continue
		}
		all = append(all, sess)
	}
	return session.Page(all, opts), nil
}

// Update is an optimistic read-modify-write guarded by WATCH.
func (s *SessionStore) Update(ctx context.Context, userID string, u session.Update) error {
	key := s.key(userID)
	txf := func(tx *redis.Tx) error {
		dat, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return session.ErrNotFound
		}
		if err != nil {
			return err
		}
		sess, err := decode(dat)
		if err != nil {
			return err
		}
		u.Apply(sess, s.now())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.write(ctx, pipe, sess)
		})
		return err
	}
	for i := 0; i < maxUpdateRetries; i++ {
		err := s.cli.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		if errors.Is(err, session.ErrNotFound) {
			return err
		}
		return errors.Wrapf(err, "update session %v", userID)
	}
	return errors.Errorf("update session %v: too much contention", userID)
}

func (s *SessionStore) Delete(ctx context.Context, userID string) error {
	_, err := s.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(userID))
		pipe.ZRem(ctx, s.indexKey(), userID)
		return nil
	})
	return errors.Wrapf(err, "delete session %v", userID)
}

func (s *SessionStore) SweepExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := strconv.FormatInt(s.now().Add(-maxAge).UnixMilli(), 10)
	n, err := sweepScript.Run(ctx, s.cli, []string{s.indexKey()}, cutoff, s.recordPrefix()).Int()
	if err != nil {
		return 0, errors.Wrap(err, "sweep expired sessions")
	}
	return n, nil
}

func (s *SessionStore) Health(ctx context.Context) session.Health {
	start := time.Now()
	h := session.Health{}
	if err := s.cli.Ping(ctx).Err(); err != nil {
		h.Error = err.Error()
		h.ResponseTime = time.Since(start)
		return h
	}
	n, err := s.cli.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		h.Error = err.Error()
	} else {
		h.Connected = true
		h.RecordCount = int(n)
	}
	h.ResponseTime = time.Since(start)
	return h
}

func (s *SessionStore) Close() error {
	return s.cli.Close()
}

var _ session.Store = (*SessionStore)(nil)
