package credits

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelmix/reelmix/pkg/mixerr"
	"github.com/reelmix/reelmix/pkg/models"
	"github.com/reelmix/reelmix/pkg/store"
)

func settings(mutate func(s *models.MixSettings)) *models.MixSettings {
	s := &models.MixSettings{OutputCount: 1}
	if mutate != nil {
		mutate(s)
	}
	s.ApplyDefaults()
	return s
}

func TestEstimateMultiplier(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(s *models.MixSettings)
		perOutput int64
	}{
		{"plain", nil, 10},
		{"4k ultra", func(s *models.MixSettings) { s.Resolution = "2160p"; s.Bitrate = "ultra" }, 20},
		{"speed mixing", func(s *models.MixSettings) { s.SpeedMixing = true; s.AllowedSpeeds = []float64{1, 2} }, 13},
		{"transition", func(s *models.MixSettings) { s.TransitionType = models.TransitionCrossfade }, 11},
		{"fixed smart trim", func(s *models.MixSettings) {
			s.DurationType = models.DurationFixed
			s.FixedDuration = 15
			s.SmartTrim = true
		}, 14},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := Estimate(DefaultBasePerOutput, 3, settings(tt.mutate))
			assert.Equal(t, tt.perOutput, q.PerOutput)
			assert.Equal(t, tt.perOutput*3, q.Total)
		})
	}
}

func TestEstimateMonotoneInCount(t *testing.T) {
	s := settings(func(s *models.MixSettings) { s.Resolution = "1440p"; s.SpeedMixing = true; s.AllowedSpeeds = []float64{1} })
	prev := int64(-1)
	for count := 0; count <= 200; count++ {
		q := Estimate(7, count, s)
		require.GreaterOrEqual(t, q.Total, prev, "count %d", count)
		prev = q.Total
	}
}

func TestLedgerReserveAndSettle(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	ledger := NewLedger(st, 0, nil)

	_, err := ledger.Purchase(ctx, "u1", 100, "")
	require.NoError(t, err)

	job := &models.Job{
		ID:               "job-1",
		UserID:           "u1",
		Status:           models.JobStatusPending,
		PlannedOutputs:   4,
		CreditsPerOutput: 10,
		CreditsReserved:  40,
	}
	_, err = ledger.ReserveJob(ctx, job)
	require.NoError(t, err)

	balance, err := ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), balance)

	_, err = st.TransitionJob(ctx, "job-1", models.JobStatusProcessing, "", "")
	require.NoError(t, err)
	_, err = st.RecordPlanResult(ctx, "job-1", store.PlanResult{Succeeded: true})
	require.NoError(t, err)
	_, err = st.TransitionJob(ctx, "job-1", models.JobStatusCanceled, "user canceled", "")
	require.NoError(t, err)

	refund, err := ledger.Settle(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), refund)

	refund, err = ledger.Settle(ctx, "job-1")
	require.NoError(t, err)
	assert.Zero(t, refund)

	balance, _ = ledger.Balance(ctx, "u1")
	assert.Equal(t, int64(90), balance)

	txns, err := ledger.Transactions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, txns, 3)
	assert.Equal(t, models.TransactionPurchase, txns[0].Type)
	assert.Equal(t, models.TransactionUsage, txns[1].Type)
	assert.Equal(t, models.TransactionRefund, txns[2].Type)
}

func TestLedgerReserveInsufficient(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(store.NewMemoryStore(), 0, nil)

	_, err := ledger.Reserve(ctx, "u1", "job-1", 5)
	require.Error(t, err)
	assert.Equal(t, mixerr.KindInsufficientCredits, mixerr.KindOf(err))
	assert.Equal(t, 402, mixerr.HTTPStatus(err))
}
