// Package redis adapts a go-redis client to the sharedstore pipeline protocol.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/louisbranch/questgate/internal/platform/sharedstore"
	"github.com/louisbranch/questgate/internal/platform/timeouts"
)

// Store is a sharedstore.Pipeliner backed by Redis.
type Store struct {
	client goredis.UniversalClient
}

// Open parses a redis:// URL, connects and pings the server. An unreachable
// server is reported as sharedstore.ErrUnavailable.
func Open(ctx context.Context, url string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = timeouts.SharedStore
	opts.ReadTimeout = timeouts.SharedStore
	opts.WriteTimeout = timeouts.SharedStore
	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, timeouts.SharedStore)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: ping redis: %v", sharedstore.ErrUnavailable, err)
	}
	return New(client), nil
}

// New wraps an existing client.
func New(client goredis.UniversalClient) *Store {
	return &Store{client: client}
}

// Close releases the underlying client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Pipeline implements sharedstore.Pipeliner.
func (s *Store) Pipeline(ctx context.Context, cmds ...sharedstore.Command) ([]sharedstore.Reply, error) {
	if s == nil || s.client == nil {
		return nil, sharedstore.ErrUnavailable
	}
	pipe := s.client.Pipeline()
	queued := make([]goredis.Cmder, len(cmds))
	for i, cmd := range cmds {
		c, err := enqueue(ctx, pipe, cmd)
		if err != nil {
			pipe.Discard()
			return nil, err
		}
		queued[i] = c
	}

	// Exec reports the first failed command. A server reply error stays on
	// its command; anything else means the round trip did not happen and the
	// queued commands hold zero values.
	if _, err := pipe.Exec(ctx); err != nil && !isReplyError(err) {
		return nil, fmt.Errorf("%w: %v", sharedstore.ErrUnavailable, err)
	}

	replies := make([]sharedstore.Reply, len(queued))
	for i, c := range queued {
		reply, err := normalize(c)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", sharedstore.ErrUnavailable, err)
		}
		replies[i] = reply
	}
	return replies, nil
}

func enqueue(ctx context.Context, pipe goredis.Pipeliner, cmd sharedstore.Command) (goredis.Cmder, error) {
	switch cmd.Op {
	case sharedstore.OpGet:
		return pipe.Get(ctx, cmd.Key), nil
	case sharedstore.OpSet:
		if len(cmd.Values) != 1 {
			return nil, errors.New("SET requires one value")
		}
		if cmd.NX {
			return pipe.SetNX(ctx, cmd.Key, cmd.Values[0], ttlOrZero(cmd.TTL)), nil
		}
		return pipe.Set(ctx, cmd.Key, cmd.Values[0], ttlOrZero(cmd.TTL)), nil
	case sharedstore.OpDel:
		return pipe.Del(ctx, cmd.Key), nil
	case sharedstore.OpIncr:
		return pipe.Incr(ctx, cmd.Key), nil
	case sharedstore.OpIncrBy:
		return pipe.IncrBy(ctx, cmd.Key, cmd.Start), nil
	case sharedstore.OpExpire:
		return pipe.Expire(ctx, cmd.Key, cmd.TTL), nil
	case sharedstore.OpPTTL:
		return pipe.PTTL(ctx, cmd.Key), nil
	case sharedstore.OpSAdd:
		return pipe.SAdd(ctx, cmd.Key, toArgs(cmd.Values)...), nil
	case sharedstore.OpSRem:
		return pipe.SRem(ctx, cmd.Key, toArgs(cmd.Values)...), nil
	case sharedstore.OpSIsMember:
		if len(cmd.Values) != 1 {
			return nil, errors.New("SISMEMBER requires one member")
		}
		return pipe.SIsMember(ctx, cmd.Key, cmd.Values[0]), nil
	case sharedstore.OpSMembers:
		return pipe.SMembers(ctx, cmd.Key), nil
	case sharedstore.OpLPush:
		return pipe.LPush(ctx, cmd.Key, toArgs(cmd.Values)...), nil
	case sharedstore.OpLTrim:
		return pipe.LTrim(ctx, cmd.Key, cmd.Start, cmd.Stop), nil
	case sharedstore.OpLRange:
		return pipe.LRange(ctx, cmd.Key, cmd.Start, cmd.Stop), nil
	case sharedstore.OpHIncrBy:
		return pipe.HIncrBy(ctx, cmd.Key, cmd.Field, cmd.Start), nil
	case sharedstore.OpHGetAll:
		return pipe.HGetAll(ctx, cmd.Key), nil
	case sharedstore.OpScan:
		return pipe.Scan(ctx, cmd.Cursor, cmd.Match, cmd.Start), nil
	}
	return nil, fmt.Errorf("unsupported command %s", cmd.Op)
}

// normalize converts a typed reply. Server-side errors become Reply.Err; any
// other error is returned as a transport failure.
func normalize(c goredis.Cmder) (sharedstore.Reply, error) {
	err := c.Err()
	if err != nil && !errors.Is(err, goredis.Nil) {
		var serverErr goredis.Error
		if errors.As(err, &serverErr) {
			return sharedstore.Reply{Err: err}, nil
		}
		return sharedstore.Reply{}, err
	}

	switch cmd := c.(type) {
	case *goredis.StringCmd:
		if errors.Is(err, goredis.Nil) {
			return sharedstore.Reply{Nil: true}, nil
		}
		return sharedstore.Reply{Str: cmd.Val()}, nil
	case *goredis.StatusCmd:
		return sharedstore.Reply{Str: cmd.Val()}, nil
	case *goredis.IntCmd:
		return sharedstore.Reply{Int: cmd.Val()}, nil
	case *goredis.BoolCmd:
		if cmd.Val() {
			return sharedstore.Reply{Int: 1}, nil
		}
		return sharedstore.Reply{Int: 0}, nil
	case *goredis.DurationCmd:
		d := cmd.Val()
		// Missing key and no-expiry sentinels come back unscaled.
		if d == -1 || d == -2 {
			return sharedstore.Reply{Int: int64(d)}, nil
		}
		return sharedstore.Reply{Int: d.Milliseconds()}, nil
	case *goredis.StringSliceCmd:
		return sharedstore.Reply{List: cmd.Val()}, nil
	case *goredis.MapStringStringCmd:
		return sharedstore.Reply{Hash: cmd.Val()}, nil
	case *goredis.ScanCmd:
		keys, cursor := cmd.Val()
		return sharedstore.Reply{List: keys, Cursor: cursor}, nil
	}
	return sharedstore.Reply{}, fmt.Errorf("unexpected reply type %T", c)
}

func isReplyError(err error) bool {
	if errors.Is(err, goredis.Nil) {
		return true
	}
	var serverErr goredis.Error
	return errors.As(err, &serverErr)
}

func toArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func ttlOrZero(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}

var _ sharedstore.Pipeliner = (*Store)(nil)
