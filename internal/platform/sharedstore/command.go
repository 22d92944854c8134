// Package sharedstore defines the pipelined key-value protocol every
// cross-process component talks to: cache shared tier, rate counters, ledger,
// and reward state. Backends translate their native replies into Reply at this
// boundary so callers never inspect driver-specific shapes.
package sharedstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/louisbranch/questgate/internal/platform/timeouts"
)

// ErrUnavailable reports that no shared store is configured or reachable.
var ErrUnavailable = errors.New("shared store unavailable")

// Op names a pipeline command.
type Op string

const (
	OpGet       Op = "GET"
	OpSet       Op = "SET"
	OpDel       Op = "DEL"
	OpIncr      Op = "INCR"
	OpIncrBy    Op = "INCRBY"
	OpExpire    Op = "EXPIRE"
	OpPTTL      Op = "PTTL"
	OpSAdd      Op = "SADD"
	OpSRem      Op = "SREM"
	OpSIsMember Op = "SISMEMBER"
	OpSMembers  Op = "SMEMBERS"
	OpLPush     Op = "LPUSH"
	OpLTrim     Op = "LTRIM"
	OpLRange    Op = "LRANGE"
	OpHIncrBy   Op = "HINCRBY"
	OpHGetAll   Op = "HGETALL"
	OpScan      Op = "SCAN"
)

// Command is one pipelined operation. Which fields matter depends on Op; use
// the constructors below rather than filling it by hand.
type Command struct {
	Op     Op
	Key    string
	Field  string
	Values []string
	Start  int64 // LRANGE/LTRIM start, INCRBY/HINCRBY delta, SCAN count
	Stop   int64 // LRANGE/LTRIM stop
	TTL    time.Duration
	NX     bool
	Cursor uint64
	Match  string
}

func (c Command) String() string {
	parts := []string{string(c.Op)}
	if c.Key != "" {
		parts = append(parts, c.Key)
	}
	if c.Field != "" {
		parts = append(parts, c.Field)
	}
	parts = append(parts, c.Values...)
	return strings.Join(parts, " ")
}

func Get(key string) Command { return Command{Op: OpGet, Key: key} }

// Set writes value with an expiry; ttl <= 0 means no expiry.
func Set(key, value string, ttl time.Duration) Command {
	return Command{Op: OpSet, Key: key, Values: []string{value}, TTL: ttl}
}

// SetNX writes value only when key is absent. The reply Int is 1 when written.
func SetNX(key, value string, ttl time.Duration) Command {
	return Command{Op: OpSet, Key: key, Values: []string{value}, TTL: ttl, NX: true}
}

func Del(key string) Command { return Command{Op: OpDel, Key: key} }
func Incr(key string) Command { return Command{Op: OpIncr, Key: key} }
func IncrBy(key string, n int64) Command { return Command{Op: OpIncrBy, Key: key, Start: n} }
func PTTL(key string) Command { return Command{Op: OpPTTL, Key: key} }
func SMembers(key string) Command { return Command{Op: OpSMembers, Key: key} }
func HGetAll(key string) Command { return Command{Op: OpHGetAll, Key: key} }
func SIsMember(key, member string) Command { return Command{Op: OpSIsMember, Key: key, Values: []string{member}} }

func Expire(key string, ttl time.Duration) Command {
	return Command{Op: OpExpire, Key: key, TTL: ttl}
}

func SAdd(key string, members ...string) Command {
	return Command{Op: OpSAdd, Key: key, Values: members}
}

func SRem(key string, members ...string) Command {
	return Command{Op: OpSRem, Key: key, Values: members}
}

func LPush(key string, values ...string) Command {
	return Command{Op: OpLPush, Key: key, Values: values}
}

func LTrim(key string, start, stop int64) Command {
	return Command{Op: OpLTrim, Key: key, Start: start, Stop: stop}
}

func LRange(key string, start, stop int64) Command {
	return Command{Op: OpLRange, Key: key, Start: start, Stop: stop}
}

func HIncrBy(key, field string, n int64) Command {
	return Command{Op: OpHIncrBy, Key: key, Field: field, Start: n}
}

func Scan(cursor uint64, match string, count int64) Command {
	return Command{Op: OpScan, Cursor: cursor, Match: match, Start: count}
}

// Reply is the normalized result of one command.
type Reply struct {
	Nil    bool              // GET on a missing key
	Int    int64             // integer replies; PTTL in ms with -1/-2 sentinels
	Str    string            // bulk and status replies
	List   []string          // LRANGE, SMEMBERS, SCAN keys
	Hash   map[string]string // HGETALL
	Cursor uint64            // SCAN next cursor
	Err    error             // per-command failure (e.g. wrong type)
}

// Int64 parses Str as an integer, treating a nil reply as zero.
func (r Reply) Int64() (int64, error) {
	if r.Nil || r.Str == "" {
		return 0, nil
	}
	return strconv.ParseInt(r.Str, 10, 64)
}

// Pipeliner executes commands in order and returns one reply per command.
// A non-nil error means the store could not be reached; per-command failures
// are reported in Reply.Err.
type Pipeliner interface {
	Pipeline(ctx context.Context, cmds ...Command) ([]Reply, error)
}

// Do runs cmds against p with the shared-store timeout. A nil p yields
// ErrUnavailable so callers can take their local fallback path uniformly.
func Do(ctx context.Context, p Pipeliner, cmds ...Command) ([]Reply, error) {
	if p == nil {
		return nil, ErrUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, timeouts.SharedStore)
	defer cancel()
	replies, err := p.Pipeline(ctx, cmds...)
	if err != nil {
		return nil, err
	}
	if len(replies) != len(cmds) {
		return nil, fmt.Errorf("shared store returned %d replies for %d commands", len(replies), len(cmds))
	}
	for i, reply := range replies {
		if reply.Err != nil {
			return replies, fmt.Errorf("%s: %w", cmds[i].Op, reply.Err)
		}
	}
	return replies, nil
}
