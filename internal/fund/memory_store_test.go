package fund

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/fundwatch/errs"
	"github.com/coachpo/fundwatch/internal/quote"
)

func TestMemoryStoreCreateAndFind(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	created, err := store.Create(ctx, Fund{Code: "000001", Name: "Alpha"})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.False(t, created.UpdatedAt.IsZero())

	byID, err := store.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alpha", byID.Name)

	byCode, err := store.FindByCode(ctx, "000001")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byCode.ID)

	_, err = store.Create(ctx, Fund{Code: "000001"})
	assert.True(t, errs.Is(err, errs.CodeConflict))

	_, err = store.FindByCode(ctx, "999999")
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestMemoryStoreListPreservesOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for _, code := range []string{"000003", "000001", "000002"} {
		_, err := store.Create(ctx, Fund{Code: code})
		require.NoError(t, err)
	}
	funds, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, funds, 3)
	assert.Equal(t, "000003", funds[0].Code)
	assert.Equal(t, "000002", funds[2].Code)
}

func TestMemoryStoreUpdateKeepsIdentity(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	created, err := store.Create(ctx, Fund{Code: "000001"})
	require.NoError(t, err)

	updated, err := store.Update(ctx, created.ID, func(f *Fund) error {
		f.Code = "changed"
		f.IsUpdating = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "000001", updated.Code)
	assert.True(t, updated.IsUpdating)

	_, err = store.Update(ctx, created.ID, func(f *Fund) error {
		f.IsUpdating = false
		return errs.New("test", errs.CodeConflict)
	})
	require.Error(t, err)
	current, _ := store.FindByID(ctx, created.ID)
	assert.True(t, current.IsUpdating, "failed mutation must not be stored")

	_, err = store.Update(ctx, "missing", nil)
	assert.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	created, _ := store.Create(ctx, Fund{Code: "000001"})
	require.NoError(t, store.Delete(ctx, created.ID))
	assert.True(t, errs.Is(store.Delete(ctx, created.ID), errs.CodeNotFound))
	funds, _ := store.List(ctx)
	assert.Empty(t, funds)
}

func TestMemoryStoreGroups(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	g, err := store.CreateGroup(ctx, "  Tech  ")
	require.NoError(t, err)
	assert.Equal(t, "Tech", g.Name)

	_, err = store.CreateGroup(ctx, "Tech")
	assert.True(t, errs.Is(err, errs.CodeConflict))
	_, err = store.CreateGroup(ctx, "   ")
	assert.True(t, errs.Is(err, errs.CodeInvalid))

	other, err := store.CreateGroup(ctx, "Bonds")
	require.NoError(t, err)
	_, err = store.RenameGroup(ctx, other.ID, "Tech")
	assert.True(t, errs.Is(err, errs.CodeConflict))
	renamed, err := store.RenameGroup(ctx, other.ID, "Fixed income")
	require.NoError(t, err)
	assert.Equal(t, "Fixed income", renamed.Name)

	f, err := store.Create(ctx, Fund{Code: "000001", GroupID: g.ID})
	require.NoError(t, err)
	_, err = store.Create(ctx, Fund{Code: "000002", GroupID: "nope"})
	assert.True(t, errs.Is(err, errs.CodeNotFound))

	groups, err := store.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, 1, groups[0].FundCount)
	assert.Equal(t, 0, groups[1].FundCount)

	require.NoError(t, store.DeleteGroup(ctx, g.ID))
	ungrouped, err := store.FindByID(ctx, f.ID)
	require.NoError(t, err)
	assert.Empty(t, ungrouped.GroupID)
}

func TestMemoryStoreHonoursCancelledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := store.List(ctx)
	assert.True(t, errs.Is(err, errs.CodeCancelled))
}

func TestApplyQuote(t *testing.T) {
	f := Fund{Code: "000001", Name: "old", LastError: "timeout"}
	q := quote.Quote{
		FundCode:        "000001",
		Name:            "new",
		EstimatedValue:  decimal.RequireFromString("1.2345"),
		EstimatedChange: decimal.RequireFromString("-0.12"),
		EstimatedAt:     "2024-03-04 14:30",
	}
	now := time.Date(2024, 3, 4, 6, 30, 0, 0, time.UTC)
	f.ApplyQuote(q, now)
	assert.Equal(t, "new", f.Name)
	assert.True(t, f.CurrentValue.Equal(q.EstimatedValue))
	assert.Equal(t, "2024-03-04 14:30", f.UpdateTime)
	assert.Empty(t, f.LastError)
	assert.Equal(t, now, f.UpdatedAt)
}

func TestFilterByGroup(t *testing.T) {
	funds := []Fund{{Code: "1", GroupID: "a"}, {Code: "2"}, {Code: "3", GroupID: "a"}}
	assert.Len(t, FilterByGroup(funds, ""), 3)
	assert.Len(t, FilterByGroup(funds, "a"), 2)
}

func TestMemoryStoreSeedAndSnapshot(t *testing.T) {
	store := NewMemoryStore()
	store.Seed(
		[]Fund{{ID: "f1", Code: "000001"}, {ID: "f1", Code: "000002"}, {ID: "", Code: "000003"}, {ID: "f2", Code: "000004", GroupID: "g1"}},
		[]Group{{ID: "g1", Name: "Tech"}, {ID: "", Name: "Blank"}},
	)

	funds, groups := store.Snapshot()
	require.Len(t, funds, 2)
	assert.Equal(t, "000001", funds[0].Code)
	assert.Equal(t, "000004", funds[1].Code)
	require.Len(t, groups, 1)

	listed, err := store.ListGroups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, listed[0].FundCount)
}
