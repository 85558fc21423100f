package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and single-process use.
// Data is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	closed bool

	events      map[EventKey]time.Time
	samples     []sample
	circuits    map[string]CircuitState
	items       map[string]*QueueItem
	deadLetters map[string]*memDeadLetter
	seq         int64
}

type sample struct {
	tenantID string
	bucket   string
	ts       time.Time
}

// memDeadLetter keeps the insertion sequence for stable ordering.
type memDeadLetter struct {
	DeadLetter
	seq int64
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:      make(map[EventKey]time.Time),
		circuits:    make(map[string]CircuitState),
		items:       make(map[string]*QueueItem),
		deadLetters: make(map[string]*memDeadLetter),
	}
}

// InsertEvent implements IdempotencyStore.
func (m *MemoryStore) InsertEvent(_ context.Context, key EventKey, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrStoreClosed
	}

	if _, exists := m.events[key]; exists {
		return false, nil
	}
	m.events[key] = now.UTC()
	return true, nil
}

// CountSamples implements RateLimitStore.
func (m *MemoryStore) CountSamples(_ context.Context, tenantID, bucket string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStoreClosed
	}

	count := 0
	for _, s := range m.samples {
		if s.tenantID == tenantID && s.bucket == bucket && !s.ts.Before(since) {
			count++
		}
	}
	return count, nil
}

// InsertSample implements RateLimitStore.
func (m *MemoryStore) InsertSample(_ context.Context, tenantID, bucket string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	m.samples = append(m.samples, sample{tenantID: tenantID, bucket: bucket, ts: ts.UTC()})
	return nil
}

// PruneSamples implements RateLimitStore.
func (m *MemoryStore) PruneSamples(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrStoreClosed
	}

	kept := m.samples[:0]
	var pruned int64
	for _, s := range m.samples {
		if s.ts.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, s)
	}
	m.samples = kept
	return pruned, nil
}

// LoadCircuit implements CircuitStore.
func (m *MemoryStore) LoadCircuit(_ context.Context, service string) (CircuitState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return CircuitState{}, false, ErrStoreClosed
	}

	st, ok := m.circuits[service]
	if !ok {
		return CircuitState{}, false, nil
	}
	return cloneCircuit(st), true, nil
}

// OpenToHalfOpen implements CircuitStore.
func (m *MemoryStore) OpenToHalfOpen(_ context.Context, service string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrStoreClosed
	}

	st, ok := m.circuits[service]
	if !ok || st.State != CircuitOpen || now.Before(st.OpenUntil()) {
		return false, nil
	}
	st.State = CircuitHalfOpen
	st.HalfOpenCount = 0
	m.circuits[service] = st
	return true, nil
}

// ReserveTrial implements CircuitStore.
func (m *MemoryStore) ReserveTrial(_ context.Context, service string, max int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrStoreClosed
	}

	st, ok := m.circuits[service]
	if !ok || st.State != CircuitHalfOpen || st.HalfOpenCount >= max {
		return false, nil
	}
	st.HalfOpenCount++
	m.circuits[service] = st
	return true, nil
}

// RecordSuccess implements CircuitStore.
func (m *MemoryStore) RecordSuccess(_ context.Context, service string, cooldown time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	m.circuits[service] = CircuitState{
		Service:  service,
		State:    CircuitClosed,
		Cooldown: cooldown,
	}
	return nil
}

// RecordFailure implements CircuitStore.
func (m *MemoryStore) RecordFailure(_ context.Context, service string, threshold int, cooldown time.Duration, now time.Time) (CircuitState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return CircuitState{}, ErrStoreClosed
	}

	st, ok := m.circuits[service]
	if !ok {
		st = CircuitState{Service: service, State: CircuitClosed}
	}
	st.FailureCount++
	if st.FailureCount >= threshold || st.State != CircuitClosed {
		st.State = CircuitOpen
	}
	st.LastFailureAt = ptrTime(now.UTC())
	st.Cooldown = cooldown
	m.circuits[service] = st
	return cloneCircuit(st), nil
}

// EnqueueItem implements QueueStore.
func (m *MemoryStore) EnqueueItem(_ context.Context, item NewItem, now time.Time) (QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return QueueItem{}, ErrStoreClosed
	}

	m.seq++
	stored := &QueueItem{
		ID:        uuid.NewString(),
		Seq:       m.seq,
		TenantID:  item.TenantID,
		Source:    item.Source,
		Body:      cloneRaw(item.Body),
		Status:    StatusQueued,
		CreatedAt: now.UTC(),
	}
	m.items[stored.ID] = stored
	return cloneItem(stored), nil
}

// ClaimQueued implements QueueStore.
func (m *MemoryStore) ClaimQueued(_ context.Context, tenantID string, limit int, now time.Time) ([]QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	if limit <= 0 {
		return nil, nil
	}

	candidates := m.sortedItemsLocked(ItemFilter{TenantID: tenantID, Status: StatusQueued, Limit: limit})
	claimed := make([]QueueItem, 0, len(candidates))
	for _, it := range candidates {
		it.Status = StatusProcessing
		it.StartedAt = ptrTime(now.UTC())
		claimed = append(claimed, cloneItem(it))
	}
	return claimed, nil
}

// CompleteItem implements QueueStore.
func (m *MemoryStore) CompleteItem(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	it, ok := m.items[id]
	if !ok || it.Status != StatusProcessing {
		return ErrInvalidTransition
	}
	it.Status = StatusDone
	it.FinishedAt = ptrTime(now.UTC())
	return nil
}

// FailItem implements QueueStore.
func (m *MemoryStore) FailItem(_ context.Context, id string, errText string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	it, ok := m.items[id]
	if !ok || it.Status != StatusProcessing {
		return ErrInvalidTransition
	}
	it.Status = StatusFailed
	it.Error = errText
	it.FinishedAt = ptrTime(now.UTC())
	return nil
}

// ReclaimStale implements QueueStore.
func (m *MemoryStore) ReclaimStale(_ context.Context, startedBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrStoreClosed
	}

	var n int64
	for _, it := range m.items {
		if it.Status == StatusProcessing && it.StartedAt != nil && it.StartedAt.Before(startedBefore) {
			it.Status = StatusQueued
			it.StartedAt = nil
			n++
		}
	}
	return n, nil
}

// GetItem implements QueueStore.
func (m *MemoryStore) GetItem(_ context.Context, id string) (QueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return QueueItem{}, ErrStoreClosed
	}

	it, ok := m.items[id]
	if !ok {
		return QueueItem{}, ErrNotFound
	}
	return cloneItem(it), nil
}

// ListItems implements QueueStore.
func (m *MemoryStore) ListItems(_ context.Context, filter ItemFilter) ([]QueueItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	sorted := m.sortedItemsLocked(filter)
	out := make([]QueueItem, 0, len(sorted))
	for _, it := range sorted {
		out = append(out, cloneItem(it))
	}
	return out, nil
}

// CountItems implements QueueStore.
func (m *MemoryStore) CountItems(_ context.Context, tenantID string, status ItemStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStoreClosed
	}

	return len(m.sortedItemsLocked(ItemFilter{TenantID: tenantID, Status: status})), nil
}

// sortedItemsLocked returns matching items in FIFO order (must hold lock).
func (m *MemoryStore) sortedItemsLocked(filter ItemFilter) []*QueueItem {
	matched := make([]*QueueItem, 0)
	for _, it := range m.items {
		if filter.TenantID != "" && it.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && it.Status != filter.Status {
			continue
		}
		matched = append(matched, it)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].Seq < matched[j].Seq
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched
}

// InsertDeadLetter implements DeadLetterStore.
func (m *MemoryStore) InsertDeadLetter(_ context.Context, dl NewDeadLetter, now time.Time) (DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return DeadLetter{}, ErrStoreClosed
	}

	tenantID := dl.TenantID
	if tenantID == "" {
		tenantID = DefaultTenant
	}
	m.seq++
	stored := &memDeadLetter{
		DeadLetter: DeadLetter{
			ID:        uuid.NewString(),
			Fn:        dl.Fn,
			TenantID:  tenantID,
			Payload:   dl.Payload,
			Error:     dl.Error,
			CreatedAt: now.UTC(),
		},
		seq: m.seq,
	}
	m.deadLetters[stored.ID] = stored
	return cloneDeadLetter(stored.DeadLetter), nil
}

// ListRedrivable implements DeadLetterStore.
func (m *MemoryStore) ListRedrivable(_ context.Context, maxRetryCount, limit int) ([]DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	matched := make([]*memDeadLetter, 0)
	for _, dl := range m.deadLetters {
		if dl.RetryCount < maxRetryCount {
			matched = append(matched, dl)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].seq < matched[j].seq
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]DeadLetter, 0, len(matched))
	for _, dl := range matched {
		out = append(out, cloneDeadLetter(dl.DeadLetter))
	}
	return out, nil
}

// RecordRedriveAttempt implements DeadLetterStore.
func (m *MemoryStore) RecordRedriveAttempt(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}

	dl, ok := m.deadLetters[id]
	if !ok {
		return ErrNotFound
	}
	dl.RetryCount++
	dl.LastRetryAt = ptrTime(now.UTC())
	return nil
}

// GetDeadLetter implements DeadLetterStore.
func (m *MemoryStore) GetDeadLetter(_ context.Context, id string) (DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return DeadLetter{}, ErrStoreClosed
	}

	dl, ok := m.deadLetters[id]
	if !ok {
		return DeadLetter{}, ErrNotFound
	}
	return cloneDeadLetter(dl.DeadLetter), nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

func cloneItem(it *QueueItem) QueueItem {
	c := *it
	c.Body = cloneRaw(it.Body)
	if it.StartedAt != nil {
		c.StartedAt = ptrTime(*it.StartedAt)
	}
	if it.FinishedAt != nil {
		c.FinishedAt = ptrTime(*it.FinishedAt)
	}
	return c
}

func cloneDeadLetter(dl DeadLetter) DeadLetter {
	if dl.LastRetryAt != nil {
		dl.LastRetryAt = ptrTime(*dl.LastRetryAt)
	}
	return dl
}

func cloneCircuit(st CircuitState) CircuitState {
	if st.LastFailureAt != nil {
		st.LastFailureAt = ptrTime(*st.LastFailureAt)
	}
	return st
}
