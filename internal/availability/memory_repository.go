package availability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a single-node store. Row locks come from a per-slot
// mutex table; writes made inside a unit of work are staged and applied on
// commit, so a rolled back unit leaves no trace.
type MemoryRepository struct {
	mu       sync.RWMutex
	profiles map[uuid.UUID]DoctorProfile
	slots    map[uuid.UUID]AvailabilitySlot
	bookings map[uuid.UUID]Booking
	queue    []PendingInvalidation
	queueSeq int64

	rows     *keyedMutex
	lockWait time.Duration
	now      func() time.Time
}

// NewMemoryRepository returns an empty store. lockWait bounds how long a
// unit of work waits for a slot row held by another one.
func NewMemoryRepository(lockWait time.Duration) *MemoryRepository {
	return &MemoryRepository{
		profiles: make(map[uuid.UUID]DoctorProfile),
		slots:    make(map[uuid.UUID]AvailabilitySlot),
		bookings: make(map[uuid.UUID]Booking),
		rows:     newKeyedMutex(),
		lockWait: lockWait,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) UpsertProfile(ctx context.Context, p DoctorProfile) (*DoctorProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if existing, ok := r.profiles[p.DoctorID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	r.profiles[p.DoctorID] = p
	return &p, nil
}

func (r *MemoryRepository) GetProfile(ctx context.Context, doctorID uuid.UUID) (*DoctorProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profileLocked(doctorID)
}

func (r *MemoryRepository) profileLocked(doctorID uuid.UUID) (*DoctorProfile, error) {
	p, ok := r.profiles[doctorID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) InsertSlots(ctx context.Context, slots []AvailabilitySlot) ([]AvailabilitySlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range slots {
		if _, ok := r.profiles[s.DoctorID]; !ok {
			return nil, ErrProfileNotFound
		}
		for _, other := range slots[:i] {
			if other.DoctorID == s.DoctorID && s.Overlaps(other) {
				return nil, ErrSlotOverlap
			}
		}
		for _, existing := range r.slots {
			if existing.DoctorID == s.DoctorID && existing.Status != SlotCancelled && s.Overlaps(existing) {
				return nil, ErrSlotOverlap
			}
		}
	}

	now := r.now()
	out := make([]AvailabilitySlot, len(slots))
	for i, s := range slots {
		s.CreatedAt = now
		r.slots[s.ID] = s
		out[i] = s
	}
	return out, nil
}

func (r *MemoryRepository) GetSlot(ctx context.Context, id uuid.UUID) (*AvailabilitySlot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.slots[id]
	if !ok {
		return nil, ErrSlotNotFound
	}
	return &s, nil
}

func (r *MemoryRepository) SearchAvailable(ctx context.Context, specialty string, from, to time.Time) ([]AvailabilitySlot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []AvailabilitySlot
	for _, s := range r.slots {
		if s.Status != SlotAvailable || s.StartTime.Before(from) || !s.StartTime.Before(to) {
			continue
		}
		p, ok := r.profiles[s.DoctorID]
		if !ok || p.Specialty != specialty {
			continue
		}
		out = append(out, s)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (r *MemoryRepository) AvailableSlotDays(ctx context.Context, doctorID uuid.UUID) ([]time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[time.Time]struct{})
	var days []time.Time
	for _, s := range r.slots {
		if s.DoctorID != doctorID || s.Status != SlotAvailable {
			continue
		}
		day := startOfDay(s.StartTime)
		if _, ok := seen[day]; ok {
			continue
		}
		seen[day] = struct{}{}
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

func (r *MemoryRepository) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	return &b, nil
}

func (r *MemoryRepository) ListBookingsByPatient(ctx context.Context, patientID uuid.UUID) ([]Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Booking
	for _, b := range r.bookings {
		if b.PatientID == patientID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memoryTx{
		repo:     r,
		held:     make(map[uuid.UUID]func()),
		statuses: make(map[uuid.UUID]SlotStatus),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return infra("commit", err)
	}
	tx.commit()
	return nil
}

// Invalidation queue

func (r *MemoryRepository) EnqueueInvalidation(ctx context.Context, cacheKey, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.queue {
		if p.CacheKey == cacheKey {
			return nil
		}
	}
	r.queueSeq++
	r.queue = append(r.queue, PendingInvalidation{
		ID:        r.queueSeq,
		CacheKey:  cacheKey,
		Reason:    reason,
		CreatedAt: r.now(),
	})
	return nil
}

func (r *MemoryRepository) PendingInvalidations(ctx context.Context, limit int) ([]PendingInvalidation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.queue)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]PendingInvalidation, n)
	copy(out, r.queue[:n])
	return out, nil
}

func (r *MemoryRepository) ResolveInvalidation(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, p := range r.queue {
		if p.ID == id {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return nil
		}
	}
	return nil
}

func (r *MemoryRepository) MarkInvalidationAttempt(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.queue {
		if r.queue[i].ID == id {
			r.queue[i].Attempts++
			return nil
		}
	}
	return nil
}

func (r *MemoryRepository) CountPendingInvalidations(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queue), nil
}

type memoryTx struct {
	repo     *MemoryRepository
	held     map[uuid.UUID]func()
	statuses map[uuid.UUID]SlotStatus
	bookings []Booking
}

func (t *memoryTx) LockSlot(ctx context.Context, id uuid.UUID) (*AvailabilitySlot, error) {
	if _, ok := t.held[id]; !ok {
		waitCtx := ctx
		if t.repo.lockWait > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, t.repo.lockWait)
			defer cancel()
		}

		release, err := t.repo.rows.acquire(waitCtx, id.String())
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("lock slot %s: %w", id, ErrLockTimeout)
			}
			return nil, infra("lock slot", err)
		}
		t.held[id] = release
	}

	t.repo.mu.RLock()
	s, ok := t.repo.slots[id]
	t.repo.mu.RUnlock()
	if !ok {
		t.held[id]()
		delete(t.held, id)
		return nil, ErrSlotNotFound
	}
	if status, ok := t.statuses[id]; ok {
		s.Status = status
	}
	return &s, nil
}

func (t *memoryTx) UpdateSlotStatus(ctx context.Context, id uuid.UUID, status SlotStatus) error {
	if _, ok := t.held[id]; !ok {
		return infra("update slot status", fmt.Errorf("slot %s is not locked by this unit of work", id))
	}
	t.statuses[id] = status
	return nil
}

func (t *memoryTx) InsertBooking(ctx context.Context, b Booking) (*Booking, error) {
	if _, ok := t.held[b.SlotID]; !ok {
		return nil, infra("insert booking", fmt.Errorf("slot %s is not locked by this unit of work", b.SlotID))
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = t.repo.now()
	}
	t.bookings = append(t.bookings, b)
	return &b, nil
}

func (t *memoryTx) GetProfile(ctx context.Context, doctorID uuid.UUID) (*DoctorProfile, error) {
	return t.repo.GetProfile(ctx, doctorID)
}

func (t *memoryTx) commit() {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()

	for id, status := range t.statuses {
		s := t.repo.slots[id]
		s.Status = status
		t.repo.slots[id] = s
	}
	for _, b := range t.bookings {
		t.repo.bookings[b.ID] = b
	}
}

func (t *memoryTx) release() {
	for id, release := range t.held {
		release()
		delete(t.held, id)
	}
}
