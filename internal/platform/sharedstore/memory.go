package sharedstore

import (
	"context"
	"errors"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

// errWrongType mirrors the server error for an operation against a key
// holding another kind of value.
var errWrongType = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")

type valueKind int

const (
	kindString valueKind = iota
	kindSet
	kindList
	kindHash
)

type memValue struct {
	kind      valueKind
	str       string
	set       map[string]struct{}
	list      []string
	hash      map[string]string
	expiresAt time.Time
}

// Memory is an in-process Pipeliner with the same command semantics as the
// redis adapter. Each pipeline runs atomically under one lock. It backs tests
// and single-process deployments that still want the shared code paths.
type Memory struct {
	mu     sync.Mutex
	data   map[string]*memValue
	now    func() time.Time
	outage error
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]*memValue), now: time.Now}
}

// SetClock overrides the clock used for expiry.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetOutage makes every subsequent Pipeline call fail with err until it is
// cleared with nil.
func (m *Memory) SetOutage(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outage = err
}

// Pipeline implements Pipeliner.
func (m *Memory) Pipeline(ctx context.Context, cmds ...Command) ([]Reply, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outage != nil {
		return nil, m.outage
	}
	replies := make([]Reply, len(cmds))
	for i, cmd := range cmds {
		replies[i] = m.exec(cmd)
	}
	return replies, nil
}

func (m *Memory) lookup(key string) *memValue {
	v, ok := m.data[key]
	if !ok {
		return nil
	}
	if !v.expiresAt.IsZero() && !m.now().Before(v.expiresAt) {
		delete(m.data, key)
		return nil
	}
	return v
}

func (m *Memory) lookupKind(key string, kind valueKind, create bool) (*memValue, error) {
	v := m.lookup(key)
	if v == nil {
		if !create {
			return nil, nil
		}
		v = &memValue{kind: kind}
		switch kind {
		case kindSet:
			v.set = make(map[string]struct{})
		case kindHash:
			v.hash = make(map[string]string)
		}
		m.data[key] = v
		return v, nil
	}
	if v.kind != kind {
		return nil, errWrongType
	}
	return v, nil
}

func (m *Memory) exec(cmd Command) Reply {
	switch cmd.Op {
	case OpGet:
		v, err := m.lookupKind(cmd.Key, kindString, false)
		if err != nil {
			return Reply{Err: err}
		}
		if v == nil {
			return Reply{Nil: true}
		}
		return Reply{Str: v.str}

	case OpSet:
		if len(cmd.Values) != 1 {
			return Reply{Err: errors.New("SET requires one value")}
		}
		if cmd.NX && m.lookup(cmd.Key) != nil {
			return Reply{Int: 0}
		}
		v := &memValue{kind: kindString, str: cmd.Values[0]}
		if cmd.TTL > 0 {
			v.expiresAt = m.now().Add(cmd.TTL)
		}
		m.data[cmd.Key] = v
		if cmd.NX {
			return Reply{Int: 1}
		}
		return Reply{Str: "OK"}

	case OpDel:
		if m.lookup(cmd.Key) == nil {
			return Reply{Int: 0}
		}
		delete(m.data, cmd.Key)
		return Reply{Int: 1}

	case OpIncr, OpIncrBy:
		delta := int64(1)
		if cmd.Op == OpIncrBy {
			delta = cmd.Start
		}
		v, err := m.lookupKind(cmd.Key, kindString, true)
		if err != nil {
			return Reply{Err: err}
		}
		current := int64(0)
		if v.str != "" {
			current, err = strconv.ParseInt(v.str, 10, 64)
			if err != nil {
				return Reply{Err: errors.New("ERR value is not an integer or out of range")}
			}
		}
		current += delta
		v.str = strconv.FormatInt(current, 10)
		return Reply{Int: current}

	case OpExpire:
		v := m.lookup(cmd.Key)
		if v == nil {
			return Reply{Int: 0}
		}
		v.expiresAt = m.now().Add(cmd.TTL)
		return Reply{Int: 1}

	case OpPTTL:
		v := m.lookup(cmd.Key)
		if v == nil {
			return Reply{Int: -2}
		}
		if v.expiresAt.IsZero() {
			return Reply{Int: -1}
		}
		return Reply{Int: v.expiresAt.Sub(m.now()).Milliseconds()}

	case OpSAdd:
		v, err := m.lookupKind(cmd.Key, kindSet, true)
		if err != nil {
			return Reply{Err: err}
		}
		added := int64(0)
		for _, member := range cmd.Values {
			if _, ok := v.set[member]; !ok {
				v.set[member] = struct{}{}
				added++
			}
		}
		return Reply{Int: added}

	case OpSRem:
		v, err := m.lookupKind(cmd.Key, kindSet, false)
		if err != nil {
			return Reply{Err: err}
		}
		if v == nil {
			return Reply{Int: 0}
		}
		removed := int64(0)
		for _, member := range cmd.Values {
			if _, ok := v.set[member]; ok {
				delete(v.set, member)
				removed++
			}
		}
		if len(v.set) == 0 {
			delete(m.data, cmd.Key)
		}
		return Reply{Int: removed}

	case OpSIsMember:
		v, err := m.lookupKind(cmd.Key, kindSet, false)
		if err != nil {
			return Reply{Err: err}
		}
		if v == nil || len(cmd.Values) == 0 {
			return Reply{Int: 0}
		}
		if _, ok := v.set[cmd.Values[0]]; ok {
			return Reply{Int: 1}
		}
		return Reply{Int: 0}

	case OpSMembers:
		v, err := m.lookupKind(cmd.Key, kindSet, false)
		if err != nil {
			return Reply{Err: err}
		}
		members := []string{}
		if v != nil {
			for member := range v.set {
				members = append(members, member)
			}
			sort.Strings(members)
		}
		return Reply{List: members}

	case OpLPush:
		v, err := m.lookupKind(cmd.Key, kindList, true)
		if err != nil {
			return Reply{Err: err}
		}
		for _, value := range cmd.Values {
			v.list = append([]string{value}, v.list...)
		}
		return Reply{Int: int64(len(v.list))}

	case OpLTrim:
		v, err := m.lookupKind(cmd.Key, kindList, false)
		if err != nil {
			return Reply{Err: err}
		}
		if v != nil {
			start, stop := listBounds(len(v.list), cmd.Start, cmd.Stop)
			if start > stop {
				delete(m.data, cmd.Key)
			} else {
				v.list = append([]string(nil), v.list[start:stop+1]...)
			}
		}
		return Reply{Str: "OK"}

	case OpLRange:
		v, err := m.lookupKind(cmd.Key, kindList, false)
		if err != nil {
			return Reply{Err: err}
		}
		out := []string{}
		if v != nil {
			start, stop := listBounds(len(v.list), cmd.Start, cmd.Stop)
			if start <= stop {
				out = append(out, v.list[start:stop+1]...)
			}
		}
		return Reply{List: out}

	case OpHIncrBy:
		v, err := m.lookupKind(cmd.Key, kindHash, true)
		if err != nil {
			return Reply{Err: err}
		}
		current := int64(0)
		if raw, ok := v.hash[cmd.Field]; ok {
			current, _ = strconv.ParseInt(raw, 10, 64)
		}
		current += cmd.Start
		v.hash[cmd.Field] = strconv.FormatInt(current, 10)
		return Reply{Int: current}

	case OpHGetAll:
		v, err := m.lookupKind(cmd.Key, kindHash, false)
		if err != nil {
			return Reply{Err: err}
		}
		out := map[string]string{}
		if v != nil {
			for field, value := range v.hash {
				out[field] = value
			}
		}
		return Reply{Hash: out}

	case OpScan:
		return m.scan(cmd)
	}
	return Reply{Err: errors.New("unsupported command " + string(cmd.Op))}
}

// scan walks keys in sorted order; the cursor is an offset into that order.
func (m *Memory) scan(cmd Command) Reply {
	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		if m.lookup(key) != nil {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	count := int(cmd.Start)
	if count <= 0 {
		count = 10
	}
	start := int(cmd.Cursor)
	if start > len(keys) {
		start = len(keys)
	}
	end := start + count
	if end > len(keys) {
		end = len(keys)
	}

	matched := []string{}
	for _, key := range keys[start:end] {
		if cmd.Match != "" {
			if ok, _ := path.Match(cmd.Match, key); !ok {
				continue
			}
		}
		matched = append(matched, key)
	}
	next := uint64(end)
	if end >= len(keys) {
		next = 0
	}
	return Reply{List: matched, Cursor: next}
}

// listBounds resolves redis-style inclusive, possibly negative, indexes.
func listBounds(length int, start, stop int64) (int, int) {
	n := int64(length)
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return int(start), int(stop)
}

var _ Pipeliner = (*Memory)(nil)
