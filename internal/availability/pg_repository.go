package availability

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Postgres error codes the store maps onto the domain taxonomy.
const (
	pgLockNotAvailable     = "55P03"
	pgDeadlockDetected     = "40P01"
	pgSerializationFailure = "40001"
	pgExclusionViolation   = "23P01"
	pgForeignKeyViolation  = "23503"
	pgNumericOutOfRange    = "22003"
)

type PgRepository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPgRepository returns a store on pool. lockTimeout is applied to every
// unit of work as the Postgres lock_timeout.
func NewPgRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *PgRepository {
	return &PgRepository{pool: pool, lockTimeout: lockTimeout}
}

// Helpers

func scanProfile(row pgx.Row) (*DoctorProfile, error) {
	var p DoctorProfile
	var fee string

	err := row.Scan(
		&p.DoctorID,
		&p.Specialty,
		&fee,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, translate("scan profile", err)
	}

	p.Fee, err = decimal.NewFromString(fee)
	if err != nil {
		return nil, infra("parse fee", err)
	}
	return &p, nil
}

func scanSlot(row pgx.Row) (*AvailabilitySlot, error) {
	var s AvailabilitySlot

	err := row.Scan(
		&s.ID,
		&s.DoctorID,
		&s.StartTime,
		&s.EndTime,
		&s.Status,
		&s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, translate("scan slot", err)
	}
	return &s, nil
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking

	err := row.Scan(
		&b.ID,
		&b.PatientID,
		&b.SlotID,
		&b.Status,
		&b.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, translate("scan booking", err)
	}
	return &b, nil
}

// translate maps driver errors onto the taxonomy. Errors already classified pass through.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable:
			return fmt.Errorf("%s: %w", op, ErrLockTimeout)
		case pgDeadlockDetected, pgSerializationFailure:
			return fmt.Errorf("%s: %w", op, ErrContention)
		case pgExclusionViolation:
			return fmt.Errorf("%s: %w", op, ErrSlotOverlap)
		case pgNumericOutOfRange:
			return fmt.Errorf("%s: %w", op, ErrInvalidFee)
		}
	}
	return infra(op, err)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const profileColumns = `doctor_id, specialty, fee::text, created_at, updated_at`
const slotColumns = `id, doctor_id, start_time, end_time, status, created_at`
const bookingColumns = `id, patient_id, slot_id, status, created_at`

func getProfile(ctx context.Context, q querier, doctorID uuid.UUID) (*DoctorProfile, error) {
	row := q.QueryRow(ctx, `
		SELECT `+profileColumns+`
		FROM doctor_profiles
		WHERE doctor_id = $1
	`, doctorID)
	return scanProfile(row)
}

// Interface methods

func (r *PgRepository) UpsertProfile(ctx context.Context, p DoctorProfile) (*DoctorProfile, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO doctor_profiles (doctor_id, specialty, fee, created_at, updated_at)
		VALUES ($1, $2, $3::numeric, now(), now())
		ON CONFLICT (doctor_id) DO UPDATE
		SET specialty = EXCLUDED.specialty,
		    fee = EXCLUDED.fee,
		    updated_at = now()
		RETURNING `+profileColumns,
		p.DoctorID, p.Specialty, p.Fee.String())
	return scanProfile(row)
}

func (r *PgRepository) GetProfile(ctx context.Context, doctorID uuid.UUID) (*DoctorProfile, error) {
	return getProfile(ctx, r.pool, doctorID)
}

func (r *PgRepository) InsertSlots(ctx context.Context, slots []AvailabilitySlot) ([]AvailabilitySlot, error) {
	if len(slots) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	out := make([]AvailabilitySlot, len(slots))
	rows := make([][]any, len(slots))
	for i, s := range slots {
		s.CreatedAt = now
		out[i] = s
		rows[i] = []any{s.ID, s.DoctorID, s.StartTime, s.EndTime, string(s.Status), now, now}
	}

	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"availability_slots"},
		[]string{"id", "doctor_id", "start_time", "end_time", "status", "created_at", "updated_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return nil, ErrProfileNotFound
		}
		return nil, translate("insert slots", err)
	}
	return out, nil
}

func (r *PgRepository) GetSlot(ctx context.Context, id uuid.UUID) (*AvailabilitySlot, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM availability_slots
		WHERE id = $1
	`, id)
	return scanSlot(row)
}

func (r *PgRepository) SearchAvailable(ctx context.Context, specialty string, from, to time.Time) ([]AvailabilitySlot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT s.id, s.doctor_id, s.start_time, s.end_time, s.status, s.created_at
		FROM availability_slots s
		JOIN doctor_profiles p ON p.doctor_id = s.doctor_id
		WHERE p.specialty = $1
		  AND s.status = 'available'
		  AND s.start_time >= $2
		  AND s.start_time < $3
		ORDER BY s.start_time, s.id
	`, specialty, from, to)
	if err != nil {
		return nil, translate("search slots", err)
	}
	defer rows.Close()

	var result []AvailabilitySlot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("search slots", err)
	}
	return result, nil
}

func (r *PgRepository) AvailableSlotDays(ctx context.Context, doctorID uuid.UUID) ([]time.Time, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT date_trunc('day', start_time AT TIME ZONE 'UTC') AS day
		FROM availability_slots
		WHERE doctor_id = $1
		  AND status = 'available'
		ORDER BY day
	`, doctorID)
	if err != nil {
		return nil, translate("list slot days", err)
	}
	defer rows.Close()

	var days []time.Time
	for rows.Next() {
		var day time.Time
		if err := rows.Scan(&day); err != nil {
			return nil, translate("scan slot day", err)
		}
		days = append(days, time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC))
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list slot days", err)
	}
	return days, nil
}

func (r *PgRepository) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE id = $1
	`, id)
	return scanBooking(row)
}

func (r *PgRepository) ListBookingsByPatient(ctx context.Context, patientID uuid.UUID) ([]Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE patient_id = $1
		ORDER BY created_at DESC, id
	`, patientID)
	if err != nil {
		return nil, translate("list bookings", err)
	}
	defer rows.Close()

	var result []Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list bookings", err)
	}
	return result, nil
}

func (r *PgRepository) WithinTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return translate("begin tx", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if r.lockTimeout > 0 {
		ms := strconv.FormatInt(r.lockTimeout.Milliseconds(), 10) + "ms"
		if _, err = tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, ms); err != nil {
			return translate("set lock_timeout", err)
		}
	}

	if err = fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return translate("commit", err)
	}
	return nil
}

// Invalidation queue

func (r *PgRepository) EnqueueInvalidation(ctx context.Context, cacheKey, reason string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO cache_invalidations (cache_key, reason, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (cache_key) WHERE resolved_at IS NULL DO NOTHING
	`, cacheKey, reason)
	if err != nil {
		return translate("enqueue invalidation", err)
	}
	return nil
}

func (r *PgRepository) PendingInvalidations(ctx context.Context, limit int) ([]PendingInvalidation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, cache_key, reason, attempts, created_at
		FROM cache_invalidations
		WHERE resolved_at IS NULL
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, translate("list invalidations", err)
	}
	defer rows.Close()

	var result []PendingInvalidation
	for rows.Next() {
		var p PendingInvalidation
		if err := rows.Scan(&p.ID, &p.CacheKey, &p.Reason, &p.Attempts, &p.CreatedAt); err != nil {
			return nil, translate("scan invalidation", err)
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("list invalidations", err)
	}
	return result, nil
}

func (r *PgRepository) ResolveInvalidation(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE cache_invalidations
		SET resolved_at = now()
		WHERE id = $1
		  AND resolved_at IS NULL
	`, id)
	if err != nil {
		return translate("resolve invalidation", err)
	}
	return nil
}

func (r *PgRepository) MarkInvalidationAttempt(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE cache_invalidations
		SET attempts = attempts + 1,
		    last_attempt_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return translate("mark invalidation attempt", err)
	}
	return nil
}

func (r *PgRepository) CountPendingInvalidations(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM cache_invalidations WHERE resolved_at IS NULL
	`).Scan(&n)
	if err != nil {
		return 0, translate("count invalidations", err)
	}
	return n, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockSlot(ctx context.Context, id uuid.UUID) (*AvailabilitySlot, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+slotColumns+`
		FROM availability_slots
		WHERE id = $1
		FOR UPDATE
	`, id)
	s, err := scanSlot(row)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("lock slot %s: %w", id, ErrLockTimeout)
	}
	return s, err
}

func (t *pgTx) UpdateSlotStatus(ctx context.Context, id uuid.UUID, status SlotStatus) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE availability_slots
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, string(status))
	if err != nil {
		return translate("update slot status", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (t *pgTx) InsertBooking(ctx context.Context, b Booking) (*Booking, error) {
	row := t.tx.QueryRow(ctx, `
		INSERT INTO bookings (id, patient_id, slot_id, status, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
		RETURNING `+bookingColumns,
		b.ID, b.PatientID, b.SlotID, string(b.Status), nullableTime(b.CreatedAt))
	return scanBooking(row)
}

func (t *pgTx) GetProfile(ctx context.Context, doctorID uuid.UUID) (*DoctorProfile, error) {
	return getProfile(ctx, t.tx, doctorID)
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
