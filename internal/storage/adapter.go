package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/syntrixbase/beacon/internal/logging"
)

// Fixed, namespaced key names shared by the engine components.
const (
	KeyVisitor         = "beacon.visitor"
	KeySession         = "beacon.session"
	KeySessionLastSeen = "beacon.session.last_seen"
	KeyReturning       = "beacon.returning"
	KeySessionSource   = "beacon.session.source"

	PrefixExecSession = "beacon.exec.session."
	PrefixExecEver    = "beacon.exec.ever."
	PrefixFunnel      = "beacon.funnel."
)

// FaultFunc observes a storage fault. It is the non-fatal warning side effect
// besides the log line, used by metrics and tests.
type FaultFunc func(op string, scope Scope, key string, err error)

// envelope wraps every stored value so that expiry travels with it.
type envelope struct {
	Value     string `json:"v"`
	ExpiresAt int64  `json:"exp,omitempty"` // unix millis, 0 = never
}

// Adapter wraps the durable and ephemeral backends. None of its methods
// return errors or panic: faults are logged, reported through FaultFunc and
// surfaced as false / absent.
type Adapter struct {
	durable   KV
	ephemeral KV
	clock     clock.Clock
	logger    *slog.Logger
	onFault   FaultFunc
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithClock sets the clock used for TTL evaluation.
func WithClock(c clock.Clock) Option {
	return func(a *Adapter) {
		a.clock = c
	}
}

// WithLogger sets the logger for fault warnings.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		a.logger = l
	}
}

// WithFaultHandler registers a callback for every fault.
func WithFaultHandler(fn FaultFunc) Option {
	return func(a *Adapter) {
		a.onFault = fn
	}
}

// NewAdapter creates an Adapter. Either backend may be nil, which models
// storage that is disabled in the host browser; every operation on that scope
// then fails softly.
func NewAdapter(durable, ephemeral KV, opts ...Option) *Adapter {
	a := &Adapter{
		durable:   durable,
		ephemeral: ephemeral,
		clock:     clock.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	// A disabled scope fails on every call; one warning per minute is enough.
	a.logger = slog.New(logging.NewRepeatFilter(a.logger.Handler(), time.Minute, a.clock)).
		With("component", "storage")
	return a
}

// Get returns the value stored under key. Absent, expired and corrupted
// entries all read as ("", false).
func (a *Adapter) Get(scope Scope, key string) (value string, ok bool) {
	defer a.recoverFault("get", scope, key, func() { value, ok = "", false })

	kv, err := a.backend(scope)
	if err != nil {
		a.fault("get", scope, key, err)
		return "", false
	}

	raw, err := kv.Get(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			a.fault("get", scope, key, err)
		}
		return "", false
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		a.fault("decode", scope, key, err)
		_ = kv.Delete(key)
		return "", false
	}
	if env.ExpiresAt > 0 && a.clock.Now().UnixMilli() >= env.ExpiresAt {
		_ = kv.Delete(key)
		return "", false
	}
	return env.Value, true
}

// Set stores value without expiry.
func (a *Adapter) Set(scope Scope, key, value string) bool {
	return a.SetWithTTL(scope, key, value, 0)
}

// SetWithTTL stores value; a positive ttl makes it expire.
func (a *Adapter) SetWithTTL(scope Scope, key, value string, ttl time.Duration) (ok bool) {
	defer a.recoverFault("set", scope, key, func() { ok = false })

	kv, err := a.backend(scope)
	if err != nil {
		a.fault("set", scope, key, err)
		return false
	}

	env := envelope{Value: value}
	if ttl > 0 {
		env.ExpiresAt = a.clock.Now().Add(ttl).UnixMilli()
	}
	raw, err := json.Marshal(env)
	if err != nil {
		a.fault("encode", scope, key, err)
		return false
	}
	if err := kv.Set(key, raw); err != nil {
		a.fault("set", scope, key, err)
		return false
	}
	return true
}

// Remove deletes key. Removing an absent key succeeds.
func (a *Adapter) Remove(scope Scope, key string) (ok bool) {
	defer a.recoverFault("remove", scope, key, func() { ok = false })

	kv, err := a.backend(scope)
	if err != nil {
		a.fault("remove", scope, key, err)
		return false
	}
	if err := kv.Delete(key); err != nil {
		a.fault("remove", scope, key, err)
		return false
	}
	return true
}

// GetJSON decodes the value under key into v. A value that is not valid JSON
// for v reads as absent.
func (a *Adapter) GetJSON(scope Scope, key string, v any) bool {
	raw, ok := a.Get(scope, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		a.fault("decode", scope, key, err)
		return false
	}
	return true
}

// SetJSON encodes v and stores it with the given ttl (0 = no expiry).
func (a *Adapter) SetJSON(scope Scope, key string, v any, ttl time.Duration) bool {
	raw, err := json.Marshal(v)
	if err != nil {
		a.fault("encode", scope, key, err)
		return false
	}
	return a.SetWithTTL(scope, key, string(raw), ttl)
}

// Scan visits every live key under prefix in key order until fn returns false.
func (a *Adapter) Scan(scope Scope, prefix string, fn func(key, value string) bool) {
	defer a.recoverFault("scan", scope, prefix, func() {})

	kv, err := a.backend(scope)
	if err != nil {
		a.fault("scan", scope, prefix, err)
		return
	}

	now := a.clock.Now().UnixMilli()
	err = kv.Scan(prefix, func(key string, raw []byte) bool {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			a.fault("decode", scope, key, err)
			return true
		}
		if env.ExpiresAt > 0 && now >= env.ExpiresAt {
			return true
		}
		return fn(key, env.Value)
	})
	if err != nil {
		a.fault("scan", scope, prefix, err)
	}
}

// Close closes both backends.
func (a *Adapter) Close() error {
	var firstErr error
	for _, kv := range []KV{a.durable, a.ephemeral} {
		if kv == nil {
			continue
		}
		if err := kv.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *Adapter) backend(scope Scope) (KV, error) {
	var kv KV
	switch scope {
	case Durable:
		kv = a.durable
	case Ephemeral:
		kv = a.ephemeral
	default:
		return nil, fmt.Errorf("unknown storage scope %d", scope)
	}
	if kv == nil {
		return nil, fmt.Errorf("%s storage is unavailable", scope)
	}
	return kv, nil
}

func (a *Adapter) fault(op string, scope Scope, key string, err error) {
	a.logger.Warn("Storage operation failed", "op", op, "scope", scope.String(), "key", key, "error", err)
	if a.onFault != nil {
		a.onFault(op, scope, key, err)
	}
}

func (a *Adapter) recoverFault(op string, scope Scope, key string, reset func()) {
	if r := recover(); r != nil {
		reset()
		a.fault(op, scope, key, fmt.Errorf("panic: %v", r))
	}
}
