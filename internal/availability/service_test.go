package availability

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-availability/internal/auth"
	"github.com/hackgods/clinic-availability/internal/metrics"
)

func TestUpsertProfile_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fee := decimal.NewFromInt(300)

	cases := []struct {
		name string
		id   auth.Identity
		in   ProfileInput
		want error
	}{
		{"patient", auth.Identity{UserID: uuid.New(), Role: auth.RolePatient}, ProfileInput{Specialty: "ENT", Fee: fee}, ErrNotDoctor},
		{"no user", auth.Identity{Role: auth.RoleDoctor}, ProfileInput{Specialty: "ENT", Fee: fee}, ErrInvalidIdentity},
		{"blank specialty", doctor(), ProfileInput{Specialty: "   ", Fee: fee}, ErrInvalidSpecialty},
		{"long specialty", doctor(), ProfileInput{Specialty: string(make([]byte, 101)), Fee: fee}, ErrInvalidSpecialty},
		{"negative fee", doctor(), ProfileInput{Specialty: "ENT", Fee: decimal.NewFromInt(-1)}, ErrInvalidFee},
		{"fee above column limit", doctor(), ProfileInput{Specialty: "ENT", Fee: decimal.RequireFromString("12345678901234.50")}, ErrInvalidFee},
		{"fee rounds past limit", doctor(), ProfileInput{Specialty: "ENT", Fee: decimal.RequireFromString("9999999999.995")}, ErrInvalidFee},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.UpsertProfile(ctx, tc.id, tc.in)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}
}

func TestUpsertProfile_UpdatesInPlace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := doctor()

	first, err := f.svc.UpsertProfile(ctx, doc, ProfileInput{Specialty: " Ayurveda ", Fee: decimal.RequireFromString("250.456")})
	require.NoError(t, err)
	assert.Equal(t, "Ayurveda", first.Specialty)
	assert.True(t, decimal.RequireFromString("250.46").Equal(first.Fee))

	second, err := f.svc.UpsertProfile(ctx, doc, ProfileInput{Specialty: "Ayurveda", Fee: decimal.NewFromInt(400)})
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.True(t, decimal.NewFromInt(400).Equal(second.Fee))

	got, err := f.svc.GetProfile(ctx, doc.UserID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(400).Equal(got.Fee))
}

func TestUpsertProfile_SpecialtyChangeInvalidatesBothKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc, _ := f.publish(t, "Homeopathy", "09:00", "10:00")

	_, err := f.svc.SearchAvailable(ctx, "Homeopathy", testDate)
	require.NoError(t, err)
	_, err = f.svc.SearchAvailable(ctx, "Naturopathy", testDate)
	require.NoError(t, err)

	_, err = f.svc.UpsertProfile(ctx, doc, ProfileInput{Specialty: "Naturopathy", Fee: decimal.NewFromInt(500)})
	require.NoError(t, err)

	assert.False(t, f.cache.has(CacheKey("Homeopathy", at("09:00"))))
	assert.False(t, f.cache.has(CacheKey("Naturopathy", at("09:00"))))

	found, err := f.svc.SearchAvailable(ctx, "Naturopathy", testDate)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	found, err = f.svc.SearchAvailable(ctx, "Homeopathy", testDate)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestUpsertProfile_AcceptsMaximumFee(t *testing.T) {
	f := newFixture(t)

	profile, err := f.svc.UpsertProfile(context.Background(), doctor(), ProfileInput{Specialty: "ENT", Fee: maxFee})
	require.NoError(t, err)
	assert.True(t, maxFee.Equal(profile.Fee))
}

// hookLocker runs before inside the lock, ahead of the guarded function.
type hookLocker struct {
	inner  Locker
	mu     sync.Mutex
	keys   []string
	before func(ctx context.Context)
}

func (l *hookLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return l.inner.WithLock(ctx, key, func(ctx context.Context) error {
		l.mu.Lock()
		l.keys = append(l.keys, key)
		hook := l.before
		l.mu.Unlock()
		if hook != nil {
			hook(ctx)
		}
		return fn(ctx)
	})
}

func TestUpsertProfile_HoldsDoctorLock(t *testing.T) {
	f := newFixture(t)
	locker := &hookLocker{inner: NewLocalLocker(time.Second)}
	svc := NewService(f.store, f.cache, locker, testConfig())
	doc := doctor()

	_, err := svc.UpsertProfile(context.Background(), doc, ProfileInput{Specialty: "ENT", Fee: decimal.NewFromInt(10)})
	require.NoError(t, err)
	assert.Equal(t, []string{DoctorLockKey(doc.UserID.String())}, locker.keys)
}

func TestPublishSlots_ReadsSpecialtyUnderLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	locker := &hookLocker{inner: NewLocalLocker(time.Second)}
	svc := NewService(f.store, f.cache, locker, testConfig())
	doc := doctor()

	_, err := svc.UpsertProfile(ctx, doc, ProfileInput{Specialty: "Homeopathy", Fee: decimal.NewFromInt(10)})
	require.NoError(t, err)

	found, err := svc.SearchAvailable(ctx, "Naturopathy", testDate)
	require.NoError(t, err)
	require.Empty(t, found)
	require.True(t, f.cache.has(CacheKey("Naturopathy", at("09:00"))))

	// The specialty changes after the request started but before the insert.
	locker.before = func(ctx context.Context) {
		_, err := f.repo.UpsertProfile(ctx, DoctorProfile{DoctorID: doc.UserID, Specialty: "Naturopathy", Fee: decimal.NewFromInt(10)})
		require.NoError(t, err)
	}
	_, err = svc.PublishSlots(ctx, doc, at("09:00"), at("10:00"))
	require.NoError(t, err)

	found, err = svc.SearchAvailable(ctx, "Naturopathy", testDate)
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestGetProfile_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GetProfile(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrProfileNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestPublishSlots_RequiresProfile(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.PublishSlots(context.Background(), doctor(), at("09:00"), at("11:00"))
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestPublishSlots_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc, _ := f.publish(t, "Psychiatry", "09:00", "09:30")

	_, err := f.svc.PublishSlots(ctx, doc, at("12:00"), at("12:20"))
	assert.ErrorIs(t, err, ErrNoSlotsProducible)

	_, err = f.svc.PublishSlots(ctx, doc, at("12:00"), at("11:00"))
	assert.ErrorIs(t, err, ErrNoSlotsProducible)

	_, err = f.svc.PublishSlots(ctx, doc, time.Time{}, at("11:00"))
	assert.ErrorIs(t, err, ErrInvalidTimeRange)

	_, err = f.svc.PublishSlots(ctx, doc, at("12:00"), at("12:00").Add(MaxPublishWindow+time.Minute))
	assert.ErrorIs(t, err, ErrRangeTooLong)
	assert.Equal(t, KindValidation, KindOf(err))

	patient := auth.Identity{UserID: uuid.New(), Role: auth.RolePatient}
	_, err = f.svc.PublishSlots(ctx, patient, at("12:00"), at("13:00"))
	assert.ErrorIs(t, err, ErrNotDoctor)
}

func TestPublishSlots_RejectsOverlap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc, _ := f.publish(t, "Orthopedics", "09:00", "11:00")

	_, err := f.svc.PublishSlots(ctx, doc, at("10:30"), at("12:00"))
	assert.ErrorIs(t, err, ErrSlotOverlap)
	assert.Equal(t, KindConflict, KindOf(err))

	found, err := f.svc.SearchAvailable(ctx, "Orthopedics", testDate)
	require.NoError(t, err)
	assert.Len(t, found, 4)

	adjacent, err := f.svc.PublishSlots(ctx, doc, at("11:00"), at("12:00"))
	require.NoError(t, err)
	assert.Len(t, adjacent, 2)
}

func TestPublishSlots_InvalidatesCachedDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc, _ := f.publish(t, "Gastroenterology", "09:00", "10:00")

	found, err := f.svc.SearchAvailable(ctx, "Gastroenterology", testDate)
	require.NoError(t, err)
	require.Len(t, found, 2)

	_, err = f.svc.PublishSlots(ctx, doc, at("14:00"), at("15:00"))
	require.NoError(t, err)

	found, err = f.svc.SearchAvailable(ctx, "Gastroenterology", testDate)
	require.NoError(t, err)
	assert.Len(t, found, 4)
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.SlotsPublished))
}

func TestSearchAvailable_ServesRepeatsFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.publish(t, "Ayurveda", "09:00", "11:00")

	first, err := f.svc.SearchAvailable(ctx, "Ayurveda", testDate)
	require.NoError(t, err)
	second, err := f.svc.SearchAvailable(ctx, "Ayurveda", testDate)
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.store.searches.Load())
	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.True(t, first[i].StartTime.Equal(second[i].StartTime))
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheLookups.WithLabelValues(metrics.CacheHit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheLookups.WithLabelValues(metrics.CacheMiss)))
}

func TestSearchAvailable_OrderedAndScopedToDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.publish(t, "Cardiology", "10:00", "11:00")
	f.publish(t, "Cardiology", "09:00", "10:00")
	f.publish(t, "Dentistry", "09:00", "10:00")

	other := doctor()
	_, err := f.svc.UpsertProfile(ctx, other, ProfileInput{Specialty: "Cardiology", Fee: decimal.NewFromInt(100)})
	require.NoError(t, err)
	nextDay := at("09:00").Add(24 * time.Hour)
	_, err = f.svc.PublishSlots(ctx, other, nextDay, nextDay.Add(time.Hour))
	require.NoError(t, err)

	found, err := f.svc.SearchAvailable(ctx, "Cardiology", testDate)
	require.NoError(t, err)
	require.Len(t, found, 4)
	for i := 1; i < len(found); i++ {
		assert.False(t, found[i].StartTime.Before(found[i-1].StartTime))
	}

	found, err = f.svc.SearchAvailable(ctx, "Cardiology", "2026-03-03")
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestSearchAvailable_FallsThroughWhenCacheFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.publish(t, "Ayurveda", "09:00", "11:00")
	f.cache.fail(errCacheDown, errCacheDown, nil)

	found, err := f.svc.SearchAvailable(ctx, "Ayurveda", testDate)
	require.NoError(t, err)
	assert.Len(t, found, 4)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheLookups.WithLabelValues(metrics.CacheError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheFillError))
}

func TestSearchAvailable_DiscardsCorruptEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.publish(t, "Ayurveda", "09:00", "10:00")
	require.NoError(t, f.cache.Set(ctx, CacheKey("Ayurveda", at("09:00")), []byte("{not json"), time.Minute))

	found, err := f.svc.SearchAvailable(ctx, "Ayurveda", testDate)
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestSearchAvailable_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SearchAvailable(ctx, "Ayurveda", "03/02/2026")
	assert.ErrorIs(t, err, ErrInvalidDate)

	_, err = f.svc.SearchAvailable(ctx, "", testDate)
	assert.ErrorIs(t, err, ErrInvalidSpecialty)

	found, err := f.svc.SearchAvailable(ctx, "Unknown", testDate)
	require.NoError(t, err)
	assert.NotNil(t, found)
	assert.Empty(t, found)
}

func TestBookingReads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, slots := f.publish(t, "ENT", "09:00", "10:00")
	patient := uuid.New()

	first, err := f.svc.CreateBooking(ctx, patient, slots[0].ID)
	require.NoError(t, err)
	second, err := f.svc.CreateBooking(ctx, patient, slots[1].ID)
	require.NoError(t, err)

	got, err := f.svc.GetBooking(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.SlotID, got.SlotID)

	_, err = f.svc.GetBooking(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrBookingNotFound)

	list, err := f.svc.ListPatientBookings(ctx, patient)
	require.NoError(t, err)
	require.Len(t, list, 2)
	ids := []uuid.UUID{list[0].ID, list[1].ID}
	assert.ElementsMatch(t, []uuid.UUID{first.ID, second.ID}, ids)
	assert.False(t, list[0].CreatedAt.Before(list[1].CreatedAt))

	empty, err := f.svc.ListPatientBookings(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, empty)
}
