// Package inmemory provides the map-backed record repository used by
// tests and single-process deployments. Mutations to one record are
// serialized by a per-reference lock so a replayed webhook can never
// clobber a newer terminal state.
package inmemory

import (
	"context"
	"fmt"
	"sync"

	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/record"
)

type RecordRepository struct {
	mu      sync.RWMutex
	byID    map[string]*record.Record
	byRef   map[string]*record.Record // gateway:reference -> record
	refLock map[string]*sync.Mutex    // per-reference mutation locks
}

func NewRecordRepository() *RecordRepository {
	return &RecordRepository{
		byID:    make(map[string]*record.Record),
		byRef:   make(map[string]*record.Record),
		refLock: make(map[string]*sync.Mutex),
	}
}

func refKey(gatewayName, reference string) string {
	return gatewayName + ":" + reference
}

func (r *RecordRepository) Create(_ context.Context, rec *record.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := refKey(rec.GatewayName, rec.GatewayReference)
	if rec.GatewayReference != "" {
		if _, exists := r.byRef[key]; exists {
			return fmt.Errorf("%w: %s", record.ErrDuplicateReference, key)
		}
	}
	rec.Version = 1
	stored := rec.Clone()
	r.byID[rec.ID] = stored
	if rec.GatewayReference != "" {
		r.byRef[key] = stored
	}
	return nil
}

func (r *RecordRepository) FindByID(_ context.Context, id string) (*record.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %s", record.ErrNotFound, id)
	}
	return rec.Clone(), nil
}

func (r *RecordRepository) FindByReference(_ context.Context, gatewayName, reference string) (*record.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, err := r.lookupLocked(gatewayName, reference)
	if err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

// lookupLocked resolves by gateway reference first, then by internal id,
// matching how callers address payments.
func (r *RecordRepository) lookupLocked(gatewayName, reference string) (*record.Record, error) {
	if rec, ok := r.byRef[refKey(gatewayName, reference)]; ok {
		return rec, nil
	}
	if rec, ok := r.byID[reference]; ok && rec.GatewayName == gatewayName {
		return rec, nil
	}
	return nil, fmt.Errorf("%w: %s/%s", record.ErrNotFound, gatewayName, reference)
}

func (r *RecordRepository) Update(_ context.Context, rec *record.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.byID[rec.ID]
	if !ok {
		return fmt.Errorf("%w: id %s", record.ErrNotFound, rec.ID)
	}
	if stored.Version != rec.Version {
		return fmt.Errorf("%w: stored v%d, got v%d", record.ErrVersionConflict, stored.Version, rec.Version)
	}
	rec.Version++
	updated := rec.Clone()
	r.byID[rec.ID] = updated
	if rec.GatewayReference != "" {
		r.byRef[refKey(rec.GatewayName, rec.GatewayReference)] = updated
	}
	return nil
}

// Mutate runs fn over the current record under the per-reference lock
// and persists the result. The returned record is a copy of the stored
// state after the write.
func (r *RecordRepository) Mutate(ctx context.Context, gatewayName, reference string, fn func(*record.Record) error) (*record.Record, error) {
	lock := r.lockFor(gatewayName, reference)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	stored, err := r.lookupLocked(gatewayName, reference)
	var working *record.Record
	if err == nil {
		working = stored.Clone()
	}
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	if err := fn(working); err != nil {
		return nil, err
	}
	if err := r.Update(ctx, working); err != nil {
		return nil, err
	}
	return working.Clone(), nil
}

func (r *RecordRepository) lockFor(gatewayName, reference string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := refKey(gatewayName, reference)
	lock, ok := r.refLock[key]
	if !ok {
		lock = &sync.Mutex{}
		r.refLock[key] = lock
	}
	return lock
}
