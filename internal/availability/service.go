package availability

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hackgods/clinic-availability/internal/auth"
	"github.com/hackgods/clinic-availability/internal/config"
	"github.com/hackgods/clinic-availability/internal/metrics"
)

const (
	maxSpecialtyLen = 100

	// MaxPublishWindow bounds one PublishSlots call.
	MaxPublishWindow = 31 * 24 * time.Hour
)

// maxFee is the largest value a NUMERIC(12,2) fee column holds.
var maxFee = decimal.RequireFromString("9999999999.99")

type Service struct {
	repo    Repository
	cache   SlotCache
	locker  Locker
	cfg     config.Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the availability core. A nil locker falls back to an
// in-process LocalLocker.
func NewService(repo Repository, cache SlotCache, locker Locker, cfg config.Config, opts ...Option) *Service {
	if cfg.SlotDuration <= 0 {
		cfg.SlotDuration = DefaultSlotDuration
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = 5 * time.Second
	}
	if cfg.InvalidationTTL <= 0 {
		cfg.InvalidationTTL = time.Second
	}
	if locker == nil {
		locker = NewLocalLocker(cfg.LockTimeout)
	}

	s := &Service{
		repo:   repo,
		cache:  cache,
		locker: locker,
		cfg:    cfg,
		log:    zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(prometheus.NewRegistry())
	}
	return s
}

type ProfileInput struct {
	Specialty string
	Fee       decimal.Decimal
}

func requireDoctor(id auth.Identity) error {
	if id.UserID == uuid.Nil {
		return ErrInvalidIdentity
	}
	if id.Role != auth.RoleDoctor {
		return ErrNotDoctor
	}
	return nil
}

func normalizeSpecialty(raw string) (string, error) {
	specialty := strings.TrimSpace(raw)
	if specialty == "" || utf8.RuneCountInString(specialty) > maxSpecialtyLen {
		return "", ErrInvalidSpecialty
	}
	return specialty, nil
}

// UpsertProfile creates the caller's profile or replaces it in place. When the
// specialty changes, cached searches under both names for every day holding
// one of the doctor's available slots are dropped.
func (s *Service) UpsertProfile(ctx context.Context, id auth.Identity, in ProfileInput) (*DoctorProfile, error) {
	if err := requireDoctor(id); err != nil {
		return nil, err
	}
	specialty, err := normalizeSpecialty(in.Specialty)
	if err != nil {
		return nil, err
	}
	fee := in.Fee.Round(2)
	if fee.IsNegative() || fee.GreaterThan(maxFee) {
		return nil, ErrInvalidFee
	}

	var prev, profile *DoctorProfile
	err = s.locker.WithLock(ctx, DoctorLockKey(id.UserID.String()), func(lockCtx context.Context) error {
		var err error
		prev, err = s.repo.GetProfile(lockCtx, id.UserID)
		if err != nil && !errors.Is(err, ErrProfileNotFound) {
			return err
		}

		profile, err = s.repo.UpsertProfile(lockCtx, DoctorProfile{
			DoctorID:  id.UserID,
			Specialty: specialty,
			Fee:       fee,
		})
		if err != nil {
			return err
		}

		if prev != nil && prev.Specialty != profile.Specialty {
			days, err := s.repo.AvailableSlotDays(lockCtx, id.UserID)
			if err != nil {
				s.log.Warn().Err(err).Str("doctor_id", id.UserID.String()).Msg("list slot days for invalidation")
			}
			keys := make([]string, 0, 2*len(days))
			for _, day := range days {
				keys = append(keys, CacheKey(prev.Specialty, day), CacheKey(profile.Specialty, day))
			}
			s.invalidate(lockCtx, keys, "profile specialty changed")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("doctor_id", profile.DoctorID.String()).
		Str("specialty", profile.Specialty).
		Bool("created", prev == nil).
		Msg("doctor profile saved")
	return profile, nil
}

func (s *Service) GetProfile(ctx context.Context, doctorID uuid.UUID) (*DoctorProfile, error) {
	return s.repo.GetProfile(ctx, doctorID)
}

// PublishSlots cuts [start, end) into consultation slots for the calling
// doctor and stores them as one batch.
func (s *Service) PublishSlots(ctx context.Context, id auth.Identity, start, end time.Time) ([]AvailabilitySlot, error) {
	if err := requireDoctor(id); err != nil {
		return nil, err
	}
	if start.IsZero() || end.IsZero() {
		return nil, ErrInvalidTimeRange
	}
	if end.Sub(start) > MaxPublishWindow {
		return nil, ErrRangeTooLong
	}

	candidates := GenerateSlots(id.UserID, start.UTC(), end.UTC(), s.cfg.SlotDuration)
	if len(candidates) == 0 {
		return nil, ErrNoSlotsProducible
	}

	// The specialty is read under the doctor lock so a concurrent profile
	// change cannot leave the new specialty's cached days stale.
	var (
		profile *DoctorProfile
		created []AvailabilitySlot
	)
	err := s.locker.WithLock(ctx, DoctorLockKey(id.UserID.String()), func(lockCtx context.Context) error {
		var err error
		profile, err = s.repo.GetProfile(lockCtx, id.UserID)
		if err != nil {
			return err
		}
		created, err = s.repo.InsertSlots(lockCtx, candidates)
		return err
	})
	if err != nil {
		return nil, err
	}

	var keys []string
	seen := make(map[string]struct{})
	for _, slot := range created {
		key := CacheKey(profile.Specialty, slot.StartTime)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	s.invalidate(ctx, keys, "slots published")

	s.metrics.SlotsPublished.Add(float64(len(created)))
	s.log.Info().
		Str("doctor_id", id.UserID.String()).
		Int("count", len(created)).
		Time("start", start).
		Time("end", end).
		Msg("slots published")
	return created, nil
}

// SearchAvailable returns the available slots for specialty whose start falls
// on the given UTC day. Results are served from the cache when present; a
// failing cache is bypassed.
func (s *Service) SearchAvailable(ctx context.Context, specialty, date string) ([]AvailabilitySlot, error) {
	specialty, err := normalizeSpecialty(specialty)
	if err != nil {
		return nil, err
	}
	day, err := ParseDay(date)
	if err != nil {
		return nil, err
	}
	key := CacheKey(specialty, day)

	if slots, ok := s.cachedSearch(ctx, key); ok {
		return slots, nil
	}

	slots, err := s.repo.SearchAvailable(ctx, specialty, day, day.Add(24*time.Hour))
	if err != nil {
		return nil, err
	}
	if slots == nil {
		slots = []AvailabilitySlot{}
	}

	payload, err := json.Marshal(slots)
	if err == nil {
		err = s.cache.Set(ctx, key, payload, s.cfg.CacheTTL)
	}
	if err != nil {
		s.metrics.CacheFillError.Inc()
		s.log.Warn().Err(err).Str("cache_key", key).Msg("cache fill failed")
	}
	return slots, nil
}

func (s *Service) cachedSearch(ctx context.Context, key string) ([]AvailabilitySlot, bool) {
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.metrics.CacheLookups.WithLabelValues(metrics.CacheError).Inc()
		s.log.Warn().Err(err).Str("cache_key", key).Msg("cache lookup failed, reading from store")
		return nil, false
	}
	if !ok {
		s.metrics.CacheLookups.WithLabelValues(metrics.CacheMiss).Inc()
		s.log.Debug().Str("cache_key", key).Msg("cache miss")
		return nil, false
	}

	var slots []AvailabilitySlot
	if err := json.Unmarshal(raw, &slots); err != nil {
		s.metrics.CacheLookups.WithLabelValues(metrics.CacheError).Inc()
		s.log.Warn().Err(err).Str("cache_key", key).Msg("discarding undecodable cache entry")
		return nil, false
	}
	s.metrics.CacheLookups.WithLabelValues(metrics.CacheHit).Inc()
	s.log.Debug().Str("cache_key", key).Int("count", len(slots)).Msg("cache hit")
	return slots, true
}

func (s *Service) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return s.repo.GetBooking(ctx, id)
}

// ListPatientBookings returns the patient's bookings, newest first.
func (s *Service) ListPatientBookings(ctx context.Context, patientID uuid.UUID) ([]Booking, error) {
	if patientID == uuid.Nil {
		return nil, ErrInvalidIdentity
	}
	bookings, err := s.repo.ListBookingsByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if bookings == nil {
		bookings = []Booking{}
	}
	return bookings, nil
}

// invalidate deletes keys from the cache. It runs after the write it follows
// has committed, so it survives cancellation of ctx. A key that cannot be
// deleted is queued for the janitor.
func (s *Service) invalidate(ctx context.Context, keys []string, reason string) {
	base := context.WithoutCancel(ctx)

	for _, key := range keys {
		delCtx, cancel := context.WithTimeout(base, s.cfg.InvalidationTTL)
		err := s.cache.Delete(delCtx, key)
		cancel()
		if err == nil {
			s.metrics.Invalidations.WithLabelValues(metrics.InvalidationOK).Inc()
			continue
		}

		s.metrics.Invalidations.WithLabelValues(metrics.InvalidationFailed).Inc()
		s.log.Warn().
			Err(err).
			Str("event", "cache_freshness_risk").
			Str("cache_key", key).
			Str("reason", reason).
			Msg("cache invalidation failed, queued for retry")

		qCtx, cancel := context.WithTimeout(base, s.cfg.InvalidationTTL)
		if qerr := s.repo.EnqueueInvalidation(qCtx, key, reason); qerr != nil {
			s.log.Error().Err(qerr).Str("cache_key", key).Msg("enqueue invalidation failed")
		}
		cancel()
	}
}

// RetryInvalidations re-attempts up to limit queued cache deletes and returns
// how many succeeded.
func (s *Service) RetryInvalidations(ctx context.Context, limit int) (int, error) {
	pending, err := s.repo.PendingInvalidations(ctx, limit)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, p := range pending {
		delCtx, cancel := context.WithTimeout(ctx, s.cfg.InvalidationTTL)
		err := s.cache.Delete(delCtx, p.CacheKey)
		cancel()
		if err != nil {
			s.log.Warn().Err(err).Str("cache_key", p.CacheKey).Int("attempts", p.Attempts+1).Msg("invalidation retry failed")
			if err := s.repo.MarkInvalidationAttempt(ctx, p.ID); err != nil {
				return resolved, err
			}
			continue
		}
		if err := s.repo.ResolveInvalidation(ctx, p.ID); err != nil {
			return resolved, err
		}
		s.metrics.Invalidations.WithLabelValues(metrics.InvalidationRetried).Inc()
		resolved++
	}

	remaining, err := s.repo.CountPendingInvalidations(ctx)
	if err != nil {
		return resolved, err
	}
	s.metrics.PendingRetries.Set(float64(remaining))
	return resolved, nil
}
