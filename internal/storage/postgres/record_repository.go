// Package postgres implements the record repository on PostgreSQL.
// Per-reference serialization uses row locks (SELECT ... FOR UPDATE)
// inside a transaction; plain updates are guarded by the record version.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/adichannnnnhere64/brtcle-payment-gateway/internal/record"
)

// Schema creates the payment_records table. The demo server applies it
// at startup; production deployments run it as a migration.
const Schema = `
CREATE TABLE IF NOT EXISTS payment_records (
	id                TEXT PRIMARY KEY,
	order_id          TEXT NOT NULL,
	gateway_name      TEXT NOT NULL,
	gateway_reference TEXT,
	amount            NUMERIC(19,4) NOT NULL,
	currency          CHAR(3) NOT NULL,
	status            TEXT NOT NULL,
	payment_method    TEXT,
	payer_info        JSONB,
	metadata          JSONB,
	webhook_received  BOOLEAN NOT NULL DEFAULT FALSE,
	failure_reason    TEXT,
	created_at        TIMESTAMPTZ NOT NULL,
	verified_at       TIMESTAMPTZ,
	captured_at       TIMESTAMPTZ,
	refunded_at       TIMESTAMPTZ,
	canceled_at       TIMESTAMPTZ,
	version           BIGINT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS payment_records_gateway_ref
	ON payment_records (gateway_name, gateway_reference)
	WHERE gateway_reference <> '';
`

const recordColumns = `id, order_id, gateway_name, gateway_reference, amount, currency, status,
	payment_method, payer_info, metadata, webhook_received, failure_reason,
	created_at, verified_at, captured_at, refunded_at, canceled_at, version`

type RecordRepository struct {
	pool *pgxpool.Pool
}

func NewRecordRepository(pool *pgxpool.Pool) *RecordRepository {
	return &RecordRepository{pool: pool}
}

// Migrate applies the schema.
func (r *RecordRepository) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, Schema)
	return err
}

func (r *RecordRepository) Create(ctx context.Context, rec *record.Record) error {
	rec.Version = 1
	payerInfo, metadata, err := encodeJSON(rec)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO payment_records (`+recordColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		rec.ID, rec.OrderID, rec.GatewayName, rec.GatewayReference,
		rec.Amount, rec.Currency, string(rec.Status),
		rec.PaymentMethod, payerInfo, metadata, rec.WebhookReceived, rec.FailureReason,
		rec.CreatedAt, rec.VerifiedAt, rec.CapturedAt, rec.RefundedAt, rec.CanceledAt, rec.Version,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s/%s", record.ErrDuplicateReference, rec.GatewayName, rec.GatewayReference)
	}
	return err
}

func (r *RecordRepository) FindByID(ctx context.Context, id string) (*record.Record, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM payment_records WHERE id = $1`, id)
	return scanRecord(row)
}

func (r *RecordRepository) FindByReference(ctx context.Context, gatewayName, reference string) (*record.Record, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM payment_records
		 WHERE gateway_name = $1 AND (gateway_reference = $2 OR id = $2)
		 LIMIT 1`, gatewayName, reference)
	return scanRecord(row)
}

func (r *RecordRepository) Update(ctx context.Context, rec *record.Record) error {
	payerInfo, metadata, err := encodeJSON(rec)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE payment_records SET
			gateway_reference = $2, status = $3, payer_info = $4, metadata = $5,
			webhook_received = $6, failure_reason = $7, verified_at = $8,
			captured_at = $9, refunded_at = $10, canceled_at = $11, version = version + 1
		 WHERE id = $1 AND version = $12`,
		rec.ID, rec.GatewayReference, string(rec.Status), payerInfo, metadata,
		rec.WebhookReceived, rec.FailureReason, rec.VerifiedAt,
		rec.CapturedAt, rec.RefundedAt, rec.CanceledAt, rec.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id %s at v%d", record.ErrVersionConflict, rec.ID, rec.Version)
	}
	rec.Version++
	return nil
}

// Mutate locks the row, applies fn, and writes the result in one
// transaction. The row lock is the per-reference serialization point.
func (r *RecordRepository) Mutate(ctx context.Context, gatewayName, reference string, fn func(*record.Record) error) (*record.Record, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM payment_records
		 WHERE gateway_name = $1 AND (gateway_reference = $2 OR id = $2)
		 LIMIT 1 FOR UPDATE`, gatewayName, reference)
	rec, err := scanRecord(row)
	if err != nil {
		return nil, err
	}

	if err := fn(rec); err != nil {
		return nil, err
	}

	payerInfo, metadata, err := encodeJSON(rec)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx,
		`UPDATE payment_records SET
			gateway_reference = $2, status = $3, payer_info = $4, metadata = $5,
			webhook_received = $6, failure_reason = $7, verified_at = $8,
			captured_at = $9, refunded_at = $10, canceled_at = $11, version = version + 1
		 WHERE id = $1`,
		rec.ID, rec.GatewayReference, string(rec.Status), payerInfo, metadata,
		rec.WebhookReceived, rec.FailureReason, rec.VerifiedAt,
		rec.CapturedAt, rec.RefundedAt, rec.CanceledAt,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	rec.Version++
	return rec, nil
}

func encodeJSON(rec *record.Record) (payerInfo, metadata []byte, err error) {
	if rec.PayerInfo != nil {
		payerInfo, err = json.Marshal(rec.PayerInfo)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: encode payer info: %w", err)
		}
	}
	metadata, err = json.Marshal(rec.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: encode metadata: %w", err)
	}
	return payerInfo, metadata, nil
}

func scanRecord(row pgx.Row) (*record.Record, error) {
	var (
		rec           record.Record
		status        string
		amount        decimal.Decimal
		payerInfoRaw  []byte
		metadataRaw   []byte
		verifiedAt    *time.Time
		capturedAt    *time.Time
		refundedAt    *time.Time
		canceledAt    *time.Time
		paymentMethod *string
		failureReason *string
	)
	err := row.Scan(
		&rec.ID, &rec.OrderID, &rec.GatewayName, &rec.GatewayReference,
		&amount, &rec.Currency, &status,
		&paymentMethod, &payerInfoRaw, &metadataRaw, &rec.WebhookReceived, &failureReason,
		&rec.CreatedAt, &verifiedAt, &capturedAt, &refundedAt, &canceledAt, &rec.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, record.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Amount = amount
	rec.Status = record.Status(status)
	rec.VerifiedAt = verifiedAt
	rec.CapturedAt = capturedAt
	rec.RefundedAt = refundedAt
	rec.CanceledAt = canceledAt
	if paymentMethod != nil {
		rec.PaymentMethod = *paymentMethod
	}
	if failureReason != nil {
		rec.FailureReason = *failureReason
	}
	if len(payerInfoRaw) > 0 {
		if err := json.Unmarshal(payerInfoRaw, &rec.PayerInfo); err != nil {
			return nil, fmt.Errorf("postgres: decode payer info: %w", err)
		}
	}
	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("postgres: decode metadata: %w", err)
		}
	}
	return &rec, nil
}
