// Package storage implements the transports to the backing key-value store.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/zot/ctxstore/internal/config"
)

// ErrNoScript is reported for a script invocation whose handle the store no
// longer knows, e.g. after its script cache was flushed.
var ErrNoScript = errors.New("storage: NOSCRIPT no matching script")

// ErrClosed is returned by every operation on a closed backend.
var ErrClosed = errors.New("storage: backend closed")

// CommandKind identifies a store command queued in a transaction.
type CommandKind int

const (
	CmdMSet    CommandKind = iota // Keys[i] = Args[i]
	CmdDel                        // delete Keys
	CmdEvalSha                    // run script Handle with Keys and Args
)

func (k CommandKind) String() string {
	switch k {
	case CmdMSet:
		return "MSET"
	case CmdDel:
		return "DEL"
	case CmdEvalSha:
		return "EVALSHA"
	default:
		return fmt.Sprintf("CommandKind(%d)", int(k))
	}
}

// Command is one store command of a transaction.
type Command struct {
	Kind   CommandKind
	Keys   []string
	Args   []string
	Handle string
}

// Reply is the outcome of one command of a transaction.
type Reply struct {
	Value any
	Err   error
}

// Entry is one result of a bulk read.
type Entry struct {
	Value string
	Found bool
}

// Backend defines the interface for the backing store.
type Backend interface {
	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// MGet reads keys in one round trip, in order.
	MGet(ctx context.Context, keys ...string) ([]Entry, error)

	// Scan runs one round of a cursor scan. A returned cursor of 0 ends it.
	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)

	// ScriptLoad registers a script and returns its handle.
	ScriptLoad(ctx context.Context, source string) (string, error)

	// Exec runs cmds as one transaction. The error reports a failure of the
	// whole transaction; per-command failures are in the replies.
	Exec(ctx context.Context, cmds []Command) ([]Reply, error)

	// Close closes the connection.
	Close() error
}

// Open creates the backend selected by the store configuration.
func Open(cfg *config.Config) (Backend, error) {
	switch cfg.Store.Type {
	case "", "redis":
		return NewRedisBackend(cfg), nil
	case "memory":
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("storage: unknown store type %q", cfg.Store.Type)
	}
}
