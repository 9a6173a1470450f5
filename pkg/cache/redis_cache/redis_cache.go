/*
 * Copyright (C) 2020-2025, pmkol
 *
 * This file is part of tsein.
 *
 * tsein is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * tsein is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package redis_cache

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang/snappy"
	"go.uber.org/zap"

	"github.com/pmkol/tsein/pkg/pool"
	"github.com/pmkol/tsein/pkg/utils"
)

const defaultKeyPrefix = "tsein:"

var nopLogger = zap.NewNop()

type RedisCacheOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisCache.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout specifies the timeout for read and write operations.
	// Default is 50ms.
	ClientTimeout time.Duration

	// KeyPrefix is prepended to every key. Default is "tsein:".
	KeyPrefix string

	// Logger is the *zap.Logger for this RedisCache.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisCacheOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	utils.SetDefaultNum(&opts.ClientTimeout, 50*time.Millisecond)
	if len(opts.KeyPrefix) == 0 {
		opts.KeyPrefix = defaultKeyPrefix
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// RedisCache is a cache.Backend on redis. Values are snappy compressed.
// After a redis error the client is disabled until a ping succeeds.
type RedisCache struct {
	opts           RedisCacheOpts
	clientDisabled atomic.Bool
}

func NewRedisCache(opts RedisCacheOpts) (*RedisCache, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisCache{
		opts: opts,
	}, nil
}

// NewFromURL connects to the redis server at url, e.g.
// "redis://:password@localhost:6379/0".
func NewFromURL(url string, timeout time.Duration, logger *zap.Logger) (*RedisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	opt.MaxRetries = -1
	c := redis.NewClient(opt)
	return NewRedisCache(RedisCacheOpts{
		Client:        c,
		ClientCloser:  c,
		ClientTimeout: timeout,
		Logger:        logger,
	})
}

func (r *RedisCache) disabled() bool {
	return r.clientDisabled.Load()
}

func (r *RedisCache) disableClient() {
	if r.clientDisabled.CompareAndSwap(false, true) {
		r.opts.Logger.Warn("redis temporarily disabled")
		go func() {
			const maxBackoff = time.Second * 30
			backoff := time.Millisecond * 100
			for {
				time.Sleep(backoff)
				ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
				err := r.opts.Client.Ping(ctx).Err()
				cancel()
				if err != nil {
					if backoff >= maxBackoff {
						backoff = maxBackoff
					} else {
						backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
					}
					r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
					continue
				}
				r.clientDisabled.Store(false)
				return
			}
		}()
	}
}

func (r *RedisCache) redisKey(key string) string {
	return r.opts.KeyPrefix + hex.EncodeToString([]byte(key))
}

func (r *RedisCache) Get(ctx context.Context, key string) (v []byte, storedTime, expireTime time.Time, ok bool) {
	if r.disabled() {
		return nil, time.Time{}, time.Time{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	b, err := r.opts.Client.Get(ctx, r.redisKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			r.opts.Logger.Warn("redis get", zap.Error(err))
			r.disableClient()
		}
		return nil, time.Time{}, time.Time{}, false
	}

	st, et, m, err := unpackRedisValue(b)
	if err != nil {
		r.opts.Logger.Warn("redis data unpack error", zap.Error(err))
		return nil, time.Time{}, time.Time{}, false
	}
	return m, st, et, true
}

// Store stores v into redis. The redis key expires with the value.
func (r *RedisCache) Store(ctx context.Context, key string, v []byte, storedTime, expireTime time.Time) {
	if r.disabled() {
		return
	}

	ttl := time.Until(expireTime)
	if ttl < time.Second {
		return
	}

	buf, data := packRedisData(storedTime, expireTime, v)
	defer buf.Release()
	ctx, cancel := context.WithTimeout(ctx, r.opts.ClientTimeout)
	defer cancel()
	if err := r.opts.Client.Set(ctx, r.redisKey(key), data, ttl.Truncate(time.Second)).Err(); err != nil {
		r.opts.Logger.Warn("redis set", zap.Error(err))
		r.disableClient()
	}
}

// Close closes the redis client.
func (r *RedisCache) Close() error {
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

// packRedisData packs storedTime, expireTime and the snappy compressed v
// into one buffer. data is only valid until buf is released.
func packRedisData(storedTime, expireTime time.Time, v []byte) (buf *pool.Buffer, data []byte) {
	buf = pool.GetBuf(16 + snappy.MaxEncodedLen(len(v)))
	b := buf.Bytes()
	binary.BigEndian.PutUint64(b[:8], uint64(storedTime.Unix()))
	binary.BigEndian.PutUint64(b[8:16], uint64(expireTime.Unix()))
	enc := snappy.Encode(b[16:], v)
	return buf, b[:16+len(enc)]
}

func unpackRedisValue(b []byte) (storedTime, expireTime time.Time, v []byte, err error) {
	if len(b) < 16 {
		return time.Time{}, time.Time{}, nil, errors.New("b is too short")
	}
	storedTime = time.Unix(int64(binary.BigEndian.Uint64(b[:8])), 0)
	expireTime = time.Unix(int64(binary.BigEndian.Uint64(b[8:16])), 0)
	v, err = snappy.Decode(nil, b[16:])
	if err != nil {
		return time.Time{}, time.Time{}, nil, err
	}
	return storedTime, expireTime, v, nil
}
