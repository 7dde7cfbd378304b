package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/zot/ctxstore/internal/config"
)

// RedisBackend talks to a Redis server. Connection handling, authentication,
// TLS and retry/backoff belong to the go-redis client.
type RedisBackend struct {
	config *config.Config
	client *redis.Client
}

// NewRedisBackend creates a client from the store configuration. No
// connection is made until the first command.
func NewRedisBackend(cfg *config.Config) *RedisBackend {
	sc := cfg.Store
	opts := &redis.Options{
		Addr:            sc.Addr(),
		Password:        sc.Password,
		DB:              sc.DB,
		MaxRetries:      sc.Retry.MaxRetries,
		MinRetryBackoff: sc.Retry.MinBackoff.Duration(),
		MaxRetryBackoff: sc.Retry.MaxBackoff.Duration(),
	}
	if sc.TLS {
		opts.TLSConfig = &tls.Config{
			ServerName:         sc.Host,
			InsecureSkipVerify: sc.TLSInsecure,
		}
	}
	return &RedisBackend{config: cfg, client: redis.NewClient(opts)}
}

// Log logs a message via the config.
func (r *RedisBackend) Log(level int, format string, args ...interface{}) {
	r.config.Log(level, format, args...)
}

// Ping checks that the server is reachable.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// MGet reads keys with one MGET.
func (r *RedisBackend) MGet(ctx context.Context, keys ...string) ([]Entry, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, len(values))
	for i, v := range values {
		if s, ok := v.(string); ok {
			entries[i] = Entry{Value: s, Found: true}
		}
	}
	return entries, nil
}

// Scan runs one SCAN round.
func (r *RedisBackend) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	return r.client.Scan(ctx, cursor, match, count).Result()
}

// ScriptLoad registers a script with SCRIPT LOAD.
func (r *RedisBackend) ScriptLoad(ctx context.Context, source string) (string, error) {
	return r.client.ScriptLoad(ctx, source).Result()
}

// Exec queues cmds between MULTI and EXEC.
func (r *RedisBackend) Exec(ctx context.Context, cmds []Command) ([]Reply, error) {
	queued := make([]redis.Cmder, 0, len(cmds))
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, cmd := range cmds {
			switch cmd.Kind {
			case CmdMSet:
				pairs := make([]interface{}, 0, 2*len(cmd.Keys))
				for i, key := range cmd.Keys {
					pairs = append(pairs, key, cmd.Args[i])
				}
				queued = append(queued, pipe.MSet(ctx, pairs...))
			case CmdDel:
				queued = append(queued, pipe.Del(ctx, cmd.Keys...))
			case CmdEvalSha:
				args := make([]interface{}, len(cmd.Args))
				for i, arg := range cmd.Args {
					args[i] = arg
				}
				queued = append(queued, pipe.EvalSha(ctx, cmd.Handle, cmd.Keys, args...))
			default:
				return fmt.Errorf("storage: unsupported command %s", cmd.Kind)
			}
			r.Log(3, "redis: queued %s %v", cmd.Kind, cmd.Keys)
		}
		return nil
	})

	replies := make([]Reply, len(queued))
	failed := false
	for i, c := range queued {
		replies[i] = Reply{Err: c.Err()}
		if c.Err() != nil {
			failed = true
			if redis.HasErrorPrefix(c.Err(), "NOSCRIPT") {
				replies[i].Err = fmt.Errorf("%w: %v", ErrNoScript, c.Err())
			}
			continue
		}
		switch v := c.(type) {
		case *redis.StatusCmd:
			replies[i].Value = v.Val()
		case *redis.IntCmd:
			replies[i].Value = v.Val()
		case *redis.Cmd:
			replies[i].Value = v.Val()
		}
	}

	// The transaction error mirrors the first failed command; anything else
	// (connection loss, EXECABORT before queueing) fails the whole call.
	if err != nil && (!failed || len(queued) != len(cmds)) {
		return nil, err
	}
	var redisErr redis.Error
	if err != nil && !errors.As(err, &redisErr) {
		return nil, err
	}
	return replies, nil
}

// Close closes the client.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
