// Package frequency caps how often a workflow may execute per visitor or
// per session.
package frequency

import (
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/syntrixbase/beacon/internal/identity"
	"github.com/syntrixbase/beacon/internal/metrics"
	"github.com/syntrixbase/beacon/internal/storage"
	"github.com/syntrixbase/beacon/internal/workflow"
	"github.com/zeebo/blake3"
)

// ExecutionRecord is the persisted fact that a workflow executed.
type ExecutionRecord struct {
	WorkflowID string    `json:"workflowId"`
	VisitorID  string    `json:"visitorId"`
	SessionID  string    `json:"sessionId"`
	FiredAt    time.Time `json:"firedAt"`
}

// Options configures a Governor.
type Options struct {
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics metrics.Metrics
}

// Governor decides whether a fired workflow may execute.
type Governor struct {
	store   *storage.Adapter
	clock   clock.Clock
	logger  *slog.Logger
	metrics metrics.Metrics

	// mu makes the check-then-record pair of TryAcquire atomic.
	mu sync.Mutex
}

// New creates a Governor persisting records through store.
func New(store *storage.Adapter, opts Options) *Governor {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Governor{
		store:   store,
		clock:   opts.Clock,
		logger:  opts.Logger.With("component", "frequency"),
		metrics: metrics.OrNoop(opts.Metrics),
	}
}

// RecordKey returns where the record for (workflowID, id) under policy lives.
// EveryTrigger has no record.
func RecordKey(workflowID string, policy workflow.FrequencyPolicy, id identity.Identity) (storage.Scope, string, bool) {
	switch policy {
	case workflow.OncePerSession:
		return storage.Ephemeral, storage.PrefixExecSession + hashKey(workflowID, id.SessionID), true
	case workflow.OnceEver:
		return storage.Durable, storage.PrefixExecEver + hashKey(workflowID, id.VisitorID), true
	default:
		return 0, "", false
	}
}

func hashKey(workflowID, owner string) string {
	sum := blake3.Sum256([]byte(workflowID + "\x00" + owner))
	return hex.EncodeToString(sum[:16])
}

// IsAllowed reports whether workflowID may execute for id. Unknown policies
// are denied.
func (g *Governor) IsAllowed(workflowID string, policy workflow.FrequencyPolicy, id identity.Identity) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.isAllowedLocked(workflowID, policy, id)
}

// Record persists the execution of workflowID for id. It reports whether a
// record was written; EveryTrigger never writes one.
func (g *Governor) Record(workflowID string, policy workflow.FrequencyPolicy, id identity.Identity) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.recordLocked(workflowID, policy, id)
}

// TryAcquire checks and records under one lock. It returns false when the
// policy denies the execution.
func (g *Governor) TryAcquire(workflowID string, policy workflow.FrequencyPolicy, id identity.Identity) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.isAllowedLocked(workflowID, policy, id) {
		g.metrics.IncFrequencyDenied(string(policy))
		return false
	}
	g.recordLocked(workflowID, policy, id)
	return true
}

// Lookup returns the stored record, if any.
func (g *Governor) Lookup(workflowID string, policy workflow.FrequencyPolicy, id identity.Identity) (ExecutionRecord, bool) {
	var rec ExecutionRecord
	scope, key, ok := RecordKey(workflowID, policy, id)
	if !ok {
		return rec, false
	}
	ok = g.store.GetJSON(scope, key, &rec)
	return rec, ok
}

func (g *Governor) isAllowedLocked(workflowID string, policy workflow.FrequencyPolicy, id identity.Identity) bool {
	if !policy.Valid() {
		g.logger.Warn("Unknown frequency policy", "workflow_id", workflowID, "policy", policy)
		return false
	}
	scope, key, ok := RecordKey(workflowID, policy, id)
	if !ok {
		return true
	}
	// Storage faults read as absent, so a broken store allows the execution.
	_, exists := g.store.Get(scope, key)
	return !exists
}

func (g *Governor) recordLocked(workflowID string, policy workflow.FrequencyPolicy, id identity.Identity) bool {
	scope, key, ok := RecordKey(workflowID, policy, id)
	if !ok {
		return false
	}
	rec := ExecutionRecord{
		WorkflowID: workflowID,
		VisitorID:  id.VisitorID,
		SessionID:  id.SessionID,
		FiredAt:    g.clock.Now(),
	}
	if !g.store.SetJSON(scope, key, rec, 0) {
		g.logger.Warn("Failed to persist execution record", "workflow_id", workflowID, "policy", policy)
		return false
	}
	return true
}
