package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/autofix-backend/internal/domain"
	"github.com/tbourn/autofix-backend/internal/repo"
)

func TestBilling_Validation(t *testing.T) {
	db := newTestDB(t)
	s := NewBillingService(db, newFakeProcessor(), fastRetry)
	ctx := context.Background()
	j := seedJob(t, db)

	_, err := s.Charge(ctx, j.ID, "u1", 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = s.Charge(ctx, "missing", "u1", 100)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = s.Charge(ctx, j.ID, "u1", 100)
	assert.ErrorIs(t, err, ErrInvalidTransition, "job not completed")
	_, err = s.Get(ctx, j.ID)
	assert.ErrorIs(t, err, ErrChargeNotFound)
}

func TestBilling_ChargeOncePerJob(t *testing.T) {
	db := newTestDB(t)
	p := newFakeProcessor()
	s := NewBillingService(db, p, fastRetry)
	ctx := context.Background()
	j := seedJob(t, db)
	_, _, err := NewJobService(db, 6000).Complete(ctx, j.ID)
	require.NoError(t, err)

	first, err := s.Charge(ctx, j.ID, "", 6000)
	require.NoError(t, err)
	assert.Equal(t, domain.ChargeSucceeded, first.Status)
	assert.Equal(t, "u1", first.UserID)
	assert.Equal(t, "USD", first.Currency)

	second, err := s.Charge(ctx, j.ID, "u1", 6000)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, 1, p.Transactions())
	assert.Equal(t, 1, p.calls)

	n, err := repo.CountUnsentOutbox(ctx, db)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "one charge.recorded event")
}

func TestBilling_SettlePendingAfterCrash(t *testing.T) {
	db := newTestDB(t)
	p := newFakeProcessor()
	s := NewBillingService(db, p, fastRetry)
	ctx := context.Background()
	j := seedJob(t, db)
	_, _, err := NewJobService(db, 6000).Complete(ctx, j.ID)
	require.NoError(t, err)

	// The attempt was persisted but the process died before the call.
	require.NoError(t, repo.CreateCharge(ctx, db, &domain.Charge{
		JobID: j.ID, IncidentID: j.IncidentID, UserID: "u1", AmountCents: 6000, Status: domain.ChargePending,
	}))

	settled, err := s.SettlePending(ctx)
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.Equal(t, domain.ChargeSucceeded, settled[0].Status)

	// A later explicit charge finds the settled row.
	c, err := s.Charge(ctx, j.ID, "u1", 6000)
	require.NoError(t, err)
	assert.Equal(t, settled[0].ID, c.ID)
	assert.Equal(t, 1, p.Transactions())
}

func TestBilling_TransientExhaustionFails(t *testing.T) {
	db := newTestDB(t)
	p := newFakeProcessor()
	p.fail = 10
	s := NewBillingService(db, p, fastRetry)
	ctx := context.Background()
	j := seedJob(t, db)
	_, _, err := NewJobService(db, 6000).Complete(ctx, j.ID)
	require.NoError(t, err)

	c, err := s.Charge(ctx, j.ID, "u1", 6000)
	require.NoError(t, err)
	assert.Equal(t, domain.ChargeFailed, c.Status)
	assert.Contains(t, c.LastError, "unavailable")
	assert.Equal(t, fastRetry.Retries+1, p.calls)
}
