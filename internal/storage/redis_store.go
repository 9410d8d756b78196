package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisOptions selects the Redis server backing a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore implements Store on Redis. Update runs under WATCH on every
// key the transaction reads and commits with MULTI/EXEC, so a
// concurrent write to anything read aborts and retries it.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) View(ctx context.Context, fn func(Reader) error) error {
	return fn(redisReader{ctx: ctx, cmd: s.client})
}

func (s *RedisStore) Update(ctx context.Context, fn func(Txn) error) error {
	for attempt := 0; attempt < MaxTxnRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			t := &redisTxn{
				ctx:     ctx,
				tx:      tx,
				values:  make(map[string][]byte),
				members: make(map[string]map[string]bool),
			}
			if err := fn(t); err != nil {
				return err
			}
			if len(t.ops) == 0 {
				return nil
			}
			_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				for _, op := range t.ops {
					op(p)
				}
				return nil
			})
			return err
		})
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w after %d attempts", ErrConflict, MaxTxnRetries)
}

func setKey(set string) string {
	return "set:" + set
}

type redisReader struct {
	ctx context.Context
	cmd redis.Cmdable
}

func (r redisReader) Get(key string, out any) error {
	data, err := r.cmd.Get(r.ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(data, out)
}

func (r redisReader) Members(set string) ([]string, error) {
	members, err := r.cmd.SMembers(r.ctx, setKey(set)).Result()
	if err != nil {
		return nil, err
	}
	return sorted(members), nil
}

// redisTxn buffers writes until commit and overlays them on reads.
type redisTxn struct {
	ctx context.Context
	tx  *redis.Tx
	ops []func(redis.Pipeliner)

	// values holds pending writes; a nil slice marks a pending delete.
	values map[string][]byte
	// members holds pending set changes; false marks a removal.
	members map[string]map[string]bool
}

func (t *redisTxn) Get(key string, out any) error {
	if data, ok := t.values[key]; ok {
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, out)
	}
	if err := t.tx.Watch(t.ctx, key).Err(); err != nil {
		return err
	}
	return redisReader{ctx: t.ctx, cmd: t.tx}.Get(key, out)
}

func (t *redisTxn) Members(set string) ([]string, error) {
	if err := t.tx.Watch(t.ctx, setKey(set)).Err(); err != nil {
		return nil, err
	}
	current, err := t.tx.SMembers(t.ctx, setKey(set)).Result()
	if err != nil {
		return nil, err
	}
	pending := t.members[set]
	if len(pending) == 0 {
		return sorted(current), nil
	}
	out := make([]string, 0, len(current)+len(pending))
	for _, m := range current {
		if present, ok := pending[m]; ok && !present {
			continue
		}
		out = append(out, m)
	}
	for m, present := range pending {
		if present && !contains(current, m) {
			out = append(out, m)
		}
	}
	return sorted(out), nil
}

func (t *redisTxn) Put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.values[key] = data
	t.ops = append(t.ops, func(p redis.Pipeliner) { p.Set(t.ctx, key, data, 0) })
	return nil
}

func (t *redisTxn) Delete(key string) error {
	t.values[key] = nil
	t.ops = append(t.ops, func(p redis.Pipeliner) { p.Del(t.ctx, key) })
	return nil
}

func (t *redisTxn) AddMember(set, member string) error {
	t.pending(set)[member] = true
	t.ops = append(t.ops, func(p redis.Pipeliner) { p.SAdd(t.ctx, setKey(set), member) })
	return nil
}

func (t *redisTxn) RemoveMember(set, member string) error {
	t.pending(set)[member] = false
	t.ops = append(t.ops, func(p redis.Pipeliner) { p.SRem(t.ctx, setKey(set), member) })
	return nil
}

func (t *redisTxn) pending(set string) map[string]bool {
	m, ok := t.members[set]
	if !ok {
		m = make(map[string]bool)
		t.members[set] = m
	}
	return m
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
