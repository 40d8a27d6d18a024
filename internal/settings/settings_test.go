package settings

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	rows map[int64]Settings
}

func (m *memoryRepo) Get(_ context.Context, orgID int64) (Settings, bool, error) {
	s, ok := m.rows[orgID]
	return s, ok, nil
}

func (m *memoryRepo) Save(_ context.Context, s Settings) (Settings, error) {
	m.rows[s.OrgID] = s
	return s, nil
}

func TestGetFallsBackToDefaults(t *testing.T) {
	svc := NewService(&memoryRepo{rows: map[int64]Settings{}}, 1)
	wht, retention, err := svc.Withholding(context.Background())
	require.NoError(t, err)
	require.True(t, wht.Equal(decimal.NewFromInt(3)))
	require.True(t, retention.Equal(decimal.NewFromInt(5)))
}

func TestUpdateValidatesPercentages(t *testing.T) {
	repo := &memoryRepo{rows: map[int64]Settings{}}
	svc := NewService(repo, 1)
	ctx := context.Background()

	bad := Fallback(0)
	bad.DefaultWHT = decimal.NewFromInt(101)
	_, err := svc.Update(ctx, bad)
	require.ErrorIs(t, err, ErrInvalidPercent)

	good := Fallback(0)
	good.DefaultRetention = decimal.NewFromInt(10)
	saved, err := svc.Update(ctx, good)
	require.NoError(t, err)
	require.Equal(t, int64(1), saved.OrgID)

	_, retention, err := svc.Withholding(ctx)
	require.NoError(t, err)
	require.True(t, retention.Equal(decimal.NewFromInt(10)))
}
