package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// VersionNamespace is the part of the key space under a Redis prefix that
// holds invalidation version counters. The Redis store never writes or
// flushes keys in it.
const VersionNamespace = "ver:"

// Redis is the networked backend. Entries live under prefix+key with a
// native TTL; each dependency collection has a set of the keys depending
// on it under prefix+"deps:"+collection.
type Redis struct {
	client redis.UniversalClient
	prefix string
	codec  *Codec
}

var _ Store = (*Redis)(nil)

// NewRedis wraps client. The Redis store owns client and codec and closes
// both.
func NewRedis(client redis.UniversalClient, prefix string, codec *Codec) *Redis {
	return &Redis{client: client, prefix: prefix, codec: codec}
}

func (r *Redis) Name() string { return "networked" }

func (r *Redis) entryKey(key string) string { return r.prefix + key }

func (r *Redis) depsKey(coll string) string { return r.prefix + "deps:" + coll }

func (r *Redis) Get(ctx context.Context, key string) (*Entry, bool, error) {
	data, err := r.client.Get(ctx, r.entryKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	e, err := r.codec.Unmarshal(data)
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, e *Entry) error {
	if strings.HasPrefix(key, VersionNamespace) {
		return fmt.Errorf("redis set %s: key is in the version namespace", key)
	}
	data, err := r.codec.Marshal(e)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.entryKey(key), data, e.TTL)
	for _, d := range e.Dependencies {
		pipe.SAdd(ctx, r.depsKey(d), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.entryKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// DeleteByCollection removes every key in the collection's dependency set
// and the set itself. Set members whose entry already expired are removed
// along with it.
func (r *Redis) DeleteByCollection(ctx context.Context, coll string) error {
	members, err := r.client.SMembers(ctx, r.depsKey(coll)).Result()
	if err != nil {
		return fmt.Errorf("redis smembers %s: %w", coll, err)
	}
	keys := make([]string, 0, len(members)+1)
	for _, m := range members {
		keys = append(keys, r.entryKey(m))
	}
	keys = append(keys, r.depsKey(coll))
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del %s dependents: %w", coll, err)
	}
	return nil
}

// Flush deletes every entry and dependency set under the prefix. Version
// counters under prefix+VersionNamespace survive: they must only grow.
func (r *Redis) Flush(ctx context.Context) error {
	versions := r.prefix + VersionNamespace
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 256).Iterator()
	var batch []string
	for iter.Next(ctx) {
		if strings.HasPrefix(iter.Val(), versions) {
			continue
		}
		batch = append(batch, iter.Val())
		if len(batch) == 256 {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis flush: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis flush: %w", err)
	}
	if len(batch) > 0 {
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis flush: %w", err)
		}
	}
	return nil
}

func (r *Redis) Close() error {
	return errors.Join(r.client.Close(), r.codec.Close())
}
