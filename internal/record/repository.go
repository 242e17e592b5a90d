package record

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates no record matches the given reference.
	ErrNotFound = errors.New("record: not found")
	// ErrDuplicateReference indicates a gateway reference is already
	// tracked for the same gateway.
	ErrDuplicateReference = errors.New("record: duplicate gateway reference")
	// ErrVersionConflict indicates a compare-and-swap update lost the
	// race against a concurrent writer.
	ErrVersionConflict = errors.New("record: version conflict")
)

// Repository persists payment records. Implementations must serialize
// Mutate calls per (gateway, reference) pair and must reject Create for
// a reference that is already tracked under the same gateway.
type Repository interface {
	Create(ctx context.Context, rec *Record) error
	FindByID(ctx context.Context, id string) (*Record, error)
	// FindByReference resolves by gateway-assigned reference, falling
	// back to the internal id, mirroring how callers address payments.
	FindByReference(ctx context.Context, gatewayName, reference string) (*Record, error)
	// Update persists a full record guarded by its Version; it returns
	// ErrVersionConflict when a concurrent writer got there first.
	Update(ctx context.Context, rec *Record) error
	// Mutate runs a read-modify-write of one record under the
	// per-reference lock. The closure receives the current record and
	// may mutate it in place; returning an error aborts the write.
	// Network calls must never happen inside the closure.
	Mutate(ctx context.Context, gatewayName, reference string, fn func(*Record) error) (*Record, error)
}
