// ABOUTME: Advisory file locks, write-conflict detection and merge strategies
// ABOUTME: Lock table and write/conflict log are guarded by separate mutexes

package conflict

import (
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-coordinator/internal/events"
)

// Event types published by the resolver, keyed by file path.
const (
	EventLockAcquired = "lock_acquired"
	EventLockReleased = "lock_released"
	EventConflict     = "conflict"
	EventFlagged      = "flagged"
	EventResolved     = "resolved"
)

const (
	DefaultLockTTL        = 30 * time.Second
	DefaultConflictWindow = 60 * time.Second
	DefaultWriteRetention = 5 * time.Minute
)

var (
	ErrConflictNotFound        = errors.New("conflict not found")
	ErrManualContentRequired   = errors.New("manual strategy requires content")
	ErrUnknownStrategy         = errors.New("unknown resolution strategy")
	ErrConflictAlreadyResolved = errors.New("conflict already resolved")
)

// Strategy selects how a conflict's writes are merged.
type Strategy string

const (
	StrategyLastWriteWins  Strategy = "last-write-wins"
	StrategyFirstWriteWins Strategy = "first-write-wins"
	StrategyAppend         Strategy = "append"
	StrategyManual         Strategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyLastWriteWins, StrategyFirstWriteWins, StrategyAppend, StrategyManual:
		return true
	}
	return false
}

// Status is the lifecycle state of a conflict.
type Status string

const (
	StatusDetected     Status = "detected"
	StatusResolved     Status = "resolved"
	StatusManualReview Status = "manual_review"
)

// FileLock is an advisory exclusive lock on a path.
type FileLock struct {
	FilePath  string    `json:"file_path"`
	LockedBy  string    `json:"locked_by"`
	LockedAt  time.Time `json:"locked_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Purpose   string    `json:"purpose,omitempty"`
}

// LockResult reports the outcome of AcquireLock.
type LockResult struct {
	Acquired bool      `json:"acquired"`
	Lock     *FileLock `json:"lock,omitempty"`
	HeldBy   string    `json:"held_by,omitempty"`
	// ExpiresAt is when the current holder's lock lapses.
	ExpiresAt time.Time `json:"expires_at"`
}

// WriteRequest describes a write to record.
type WriteRequest struct {
	FilePath string `json:"file_path"`
	AgentID  string `json:"agent_id"`
	RunID    string `json:"run_id"`
	Content  string `json:"content"`
}

// FileWrite is a recorded write.
type FileWrite struct {
	FilePath  string    `json:"file_path"`
	AgentID   string    `json:"agent_id"`
	RunID     string    `json:"run_id"`
	Content   string    `json:"content"`
	WrittenAt time.Time `json:"written_at"`
	Checksum  string    `json:"checksum"`
}

// Conflict bundles writes by different agents to one path within the window.
type Conflict struct {
	ConflictID      string      `json:"conflict_id"`
	FilePath        string      `json:"file_path"`
	Writes          []FileWrite `json:"writes"`
	Status          Status      `json:"status"`
	DetectedAt      time.Time   `json:"detected_at"`
	ResolvedBy      Strategy    `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time  `json:"resolved_at,omitempty"`
	ResolvedContent string      `json:"resolved_content,omitempty"`
	ReviewReason    string      `json:"review_reason,omitempty"`
}

func (c *Conflict) clone() *Conflict {
	out := *c
	out.Writes = append([]FileWrite(nil), c.Writes...)
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

// Options tune lock and conflict windows. Zero values use the defaults.
type Options struct {
	LockTTL        time.Duration
	ConflictWindow time.Duration
	WriteRetention time.Duration
}

// Resolver owns the lock table, write history and conflict log.
type Resolver struct {
	locksMu sync.Mutex
	locks   map[string]*FileLock

	writesMu  sync.Mutex
	writes    map[string][]FileWrite
	conflicts []*Conflict
	byID      map[string]*Conflict

	opts   Options
	events *events.Broadcaster
	logger *slog.Logger
	now    func() time.Time
}

// New creates a resolver. A nil broadcaster gets a private one; pass nil logger for default.
func New(opts Options, broadcaster *events.Broadcaster, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if broadcaster == nil {
		broadcaster = events.NewBroadcaster("conflict", events.DefaultMaxSubscribers, logger)
	}
	logger = logger.With("component", "conflict")
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.ConflictWindow <= 0 {
		opts.ConflictWindow = DefaultConflictWindow
	}
	if opts.WriteRetention <= 0 {
		opts.WriteRetention = DefaultWriteRetention
	}
	return &Resolver{
		locks:  make(map[string]*FileLock),
		writes: make(map[string][]FileWrite),
		byID:   make(map[string]*Conflict),
		opts:   opts,
		events: broadcaster,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Events returns the broadcaster carrying lock and conflict events.
func (r *Resolver) Events() *events.Broadcaster {
	return r.events
}

// AcquireLock takes or extends the lock on filePath. A zero ttl uses the default.
func (r *Resolver) AcquireLock(filePath, lockedBy string, ttl time.Duration, purpose string) LockResult {
	if ttl <= 0 {
		ttl = r.opts.LockTTL
	}

	r.locksMu.Lock()
	now := r.now()
	r.purgeExpiredLocked(now)

	if existing, ok := r.locks[filePath]; ok {
		if existing.LockedBy != lockedBy {
			result := LockResult{HeldBy: existing.LockedBy, ExpiresAt: existing.ExpiresAt}
			r.locksMu.Unlock()
			r.logger.Debug("lock held by another owner", "file_path", filePath, "requested_by", lockedBy, "held_by", existing.LockedBy)
			return result
		}
		existing.ExpiresAt = now.Add(ttl)
		if purpose != "" {
			existing.Purpose = purpose
		}
		lock := *existing
		r.locksMu.Unlock()
		return LockResult{Acquired: true, Lock: &lock, HeldBy: lockedBy, ExpiresAt: lock.ExpiresAt}
	}

	lock := &FileLock{
		FilePath:  filePath,
		LockedBy:  lockedBy,
		LockedAt:  now,
		ExpiresAt: now.Add(ttl),
		Purpose:   purpose,
	}
	r.locks[filePath] = lock
	snapshot := *lock
	r.locksMu.Unlock()

	r.logger.Debug("lock acquired", "file_path", filePath, "locked_by", lockedBy, "ttl", ttl)
	r.events.Publish(EventLockAcquired, filePath, snapshot)
	return LockResult{Acquired: true, Lock: &snapshot, HeldBy: lockedBy, ExpiresAt: snapshot.ExpiresAt}
}

// ReleaseLock releases filePath if releasedBy currently holds it.
func (r *Resolver) ReleaseLock(filePath, releasedBy string) bool {
	r.locksMu.Lock()
	r.purgeExpiredLocked(r.now())
	lock, ok := r.locks[filePath]
	if !ok || lock.LockedBy != releasedBy {
		r.locksMu.Unlock()
		return false
	}
	delete(r.locks, filePath)
	r.locksMu.Unlock()

	r.events.Publish(EventLockReleased, filePath, map[string]string{"file_path": filePath, "released_by": releasedBy})
	return true
}

// IsLocked returns the live lock on filePath, if any.
func (r *Resolver) IsLocked(filePath string) (*FileLock, bool) {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()

	r.purgeExpiredLocked(r.now())
	lock, ok := r.locks[filePath]
	if !ok {
		return nil, false
	}
	snapshot := *lock
	return &snapshot, true
}

// ListLocks returns every live lock ordered by path.
func (r *Resolver) ListLocks() []FileLock {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()

	r.purgeExpiredLocked(r.now())
	locks := make([]FileLock, 0, len(r.locks))
	for _, lock := range r.locks {
		locks = append(locks, *lock)
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].FilePath < locks[j].FilePath })
	return locks
}

// purgeExpiredLocked drops lapsed locks. Caller holds r.locksMu.
func (r *Resolver) purgeExpiredLocked(now time.Time) {
	for path, lock := range r.locks {
		if !now.Before(lock.ExpiresAt) {
			delete(r.locks, path)
		}
	}
}

// RecordWrite appends a write to the path history and returns the conflict
// it triggered, if any.
func (r *Resolver) RecordWrite(req WriteRequest) (*FileWrite, *Conflict) {
	r.writesMu.Lock()
	now := r.now()
	write := FileWrite{
		FilePath:  req.FilePath,
		AgentID:   req.AgentID,
		RunID:     req.RunID,
		Content:   req.Content,
		WrittenAt: now,
		Checksum:  Checksum(req.Content),
	}

	windowStart := now.Add(-r.opts.ConflictWindow)
	var implicated []FileWrite
	for _, prior := range r.writes[req.FilePath] {
		if prior.AgentID != req.AgentID && !prior.WrittenAt.Before(windowStart) {
			implicated = append(implicated, prior)
		}
	}
	r.writes[req.FilePath] = append(r.writes[req.FilePath], write)

	if len(implicated) == 0 {
		r.writesMu.Unlock()
		return &write, nil
	}

	conflict := &Conflict{
		ConflictID: uuid.New().String(),
		FilePath:   req.FilePath,
		Writes:     append(implicated, write),
		Status:     StatusDetected,
		DetectedAt: now,
	}
	r.conflicts = append(r.conflicts, conflict)
	r.byID[conflict.ConflictID] = conflict
	snapshot := conflict.clone()
	r.writesMu.Unlock()

	r.logger.Warn("write conflict detected",
		"conflict_id", snapshot.ConflictID,
		"file_path", req.FilePath,
		"agent_id", req.AgentID,
		"writes", len(snapshot.Writes),
	)
	r.events.Publish(EventConflict, req.FilePath, snapshot)
	return &write, snapshot.clone()
}

// ResolveConflict merges a conflict's writes with strategy. manualContent is
// required for StrategyManual and ignored otherwise.
func (r *Resolver) ResolveConflict(conflictID string, strategy Strategy, manualContent string) (*Conflict, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	r.writesMu.Lock()
	conflict, ok := r.byID[conflictID]
	if !ok {
		r.writesMu.Unlock()
		return nil, ErrConflictNotFound
	}
	if conflict.Status == StatusResolved {
		r.writesMu.Unlock()
		return nil, ErrConflictAlreadyResolved
	}

	content, err := merge(conflict.Writes, strategy, manualContent)
	if err != nil {
		r.writesMu.Unlock()
		return nil, err
	}

	now := r.now()
	conflict.Status = StatusResolved
	conflict.ResolvedBy = strategy
	conflict.ResolvedAt = &now
	conflict.ResolvedContent = content
	snapshot := conflict.clone()
	r.writesMu.Unlock()

	r.logger.Info("conflict resolved", "conflict_id", conflictID, "strategy", strategy)
	r.events.Publish(EventResolved, snapshot.FilePath, snapshot)
	return snapshot.clone(), nil
}

// FlagConflictForReview hands a detected conflict to a human. It can still
// be resolved afterwards.
func (r *Resolver) FlagConflictForReview(conflictID, reason string) (*Conflict, error) {
	r.writesMu.Lock()
	conflict, ok := r.byID[conflictID]
	if !ok {
		r.writesMu.Unlock()
		return nil, ErrConflictNotFound
	}
	if conflict.Status == StatusResolved {
		r.writesMu.Unlock()
		return nil, ErrConflictAlreadyResolved
	}
	conflict.Status = StatusManualReview
	conflict.ReviewReason = reason
	snapshot := conflict.clone()
	r.writesMu.Unlock()

	r.logger.Info("conflict flagged for review", "conflict_id", conflictID, "reason", reason)
	r.events.Publish(EventFlagged, snapshot.FilePath, snapshot)
	return snapshot.clone(), nil
}

// ListConflicts returns conflicts in detection order. An empty status lists all.
func (r *Resolver) ListConflicts(status Status) []*Conflict {
	r.writesMu.Lock()
	defer r.writesMu.Unlock()

	var out []*Conflict
	for _, c := range r.conflicts {
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, c.clone())
	}
	return out
}

// GetConflict returns one conflict by ID.
func (r *Resolver) GetConflict(conflictID string) (*Conflict, error) {
	r.writesMu.Lock()
	defer r.writesMu.Unlock()

	c, ok := r.byID[conflictID]
	if !ok {
		return nil, ErrConflictNotFound
	}
	return c.clone(), nil
}

// CleanupOldWrites drops write history older than the retention horizon and
// returns how many writes were removed. Conflicts keep their own copies.
func (r *Resolver) CleanupOldWrites() int {
	r.writesMu.Lock()
	defer r.writesMu.Unlock()

	cutoff := r.now().Add(-r.opts.WriteRetention)
	removed := 0
	for path, writes := range r.writes {
		kept := writes[:0]
		for _, w := range writes {
			if w.WrittenAt.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, w)
		}
		if len(kept) == 0 {
			delete(r.writes, path)
		} else {
			r.writes[path] = kept
		}
	}
	if removed > 0 {
		r.logger.Debug("cleaned up old writes", "removed", removed)
	}
	return removed
}

// WriteHistory returns the retained writes for a path, oldest first.
func (r *Resolver) WriteHistory(filePath string) []FileWrite {
	r.writesMu.Lock()
	defer r.writesMu.Unlock()
	return append([]FileWrite(nil), r.writes[filePath]...)
}

func merge(writes []FileWrite, strategy Strategy, manualContent string) (string, error) {
	ordered := append([]FileWrite(nil), writes...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].WrittenAt.Before(ordered[j].WrittenAt)
	})

	switch strategy {
	case StrategyLastWriteWins:
		return ordered[len(ordered)-1].Content, nil
	case StrategyFirstWriteWins:
		return ordered[0].Content, nil
	case StrategyAppend:
		parts := make([]string, len(ordered))
		for i, w := range ordered {
			parts[i] = fmt.Sprintf("--- %s (run %s) at %s ---\n%s", w.AgentID, w.RunID, w.WrittenAt.Format(time.RFC3339), w.Content)
		}
		return strings.Join(parts, "\n\n"), nil
	case StrategyManual:
		if manualContent == "" {
			return "", ErrManualContentRequired
		}
		return manualContent, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
}

// Checksum is a short FNV-1a fingerprint of content for display and bookkeeping.
func Checksum(content string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(content))
	return fmt.Sprintf("%08x", h.Sum32())
}
