package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tbourn/autofix-backend/internal/domain"
	"github.com/tbourn/autofix-backend/internal/repo"
)

func seedJob(t *testing.T, db *gorm.DB, parts ...domain.PartItem) *domain.Job {
	t.Helper()
	j := &domain.Job{
		IncidentID:      "inc-1",
		AppointmentID:   "appt-1",
		VehicleID:       "veh-1",
		UserID:          "u1",
		MechanicID:      "mech-1",
		Parts:           parts,
		ScheduledTime:   testClock,
		DurationMinutes: 60,
	}
	require.NoError(t, repo.CreateJob(context.Background(), db, j))
	return j
}

func TestJobService_Labor(t *testing.T) {
	s := NewJobService(nil, 10000)
	assert.EqualValues(t, 15000, s.Labor(90))
	assert.EqualValues(t, 0, s.Labor(0))
	assert.EqualValues(t, 167, s.Labor(1))
}

func TestJobService_TransitionsAreMonotonic(t *testing.T) {
	db := newTestDB(t)
	s := NewJobService(db, 10000)
	s.Now = func() time.Time { return testClock }
	ctx := context.Background()
	j := seedJob(t, db, domain.PartItem{SKU: "TH-100", PriceCents: 7000, Quantity: 1})

	started, err := s.Start(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobInProgress, started.Status)

	_, err = s.Start(ctx, j.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	done, first, err := s.Complete(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, first)
	assert.EqualValues(t, 17000, done.AmountCents)

	again, first, err := s.Complete(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, first)
	assert.EqualValues(t, 17000, again.AmountCents)

	_, err = s.Start(ctx, j.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, s.Cancel(ctx, db, again), ErrInvalidTransition)
}

func TestJobService_CompleteWithoutStart(t *testing.T) {
	db := newTestDB(t)
	s := NewJobService(db, 6000)
	s.Now = func() time.Time { return testClock }
	j := seedJob(t, db)

	done, first, err := s.Complete(context.Background(), j.ID)
	require.NoError(t, err)
	assert.True(t, first)
	require.NotNil(t, done.StartedAt)
	assert.True(t, done.StartedAt.Equal(testClock))
	assert.EqualValues(t, 6000, done.AmountCents)
}

func TestJobService_CancelledJobCannotStart(t *testing.T) {
	db := newTestDB(t)
	s := NewJobService(db, 6000)
	ctx := context.Background()
	j := seedJob(t, db)

	require.NoError(t, s.Cancel(ctx, db, j))
	assert.Equal(t, domain.JobCancelled, j.Status)
	require.NoError(t, s.Cancel(ctx, db, j), "cancelling twice is a no-op")

	_, err := s.Start(ctx, j.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, _, err = s.Complete(ctx, j.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestJobService_ListFilters(t *testing.T) {
	db := newTestDB(t)
	s := NewJobService(db, 6000)
	ctx := context.Background()
	seedJob(t, db)

	jobs, err := s.List(ctx, "mech-1", string(domain.JobScheduled))
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	jobs, err = s.List(ctx, "mech-2", "")
	require.NoError(t, err)
	assert.Empty(t, jobs)

	_, err = s.List(ctx, "", "bogus")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
