package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/miladez1/mrzadmincr/errs"
	"github.com/miladez1/mrzadmincr/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(10000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	return New(db, zap.NewNop())
}

func seedPrincipal(t *testing.T, st *Store, telegramID int64, role string) *model.Principal {
	t.Helper()
	p := &model.Principal{
		TelegramID:     telegramID,
		Username:       fmt.Sprintf("p%d", telegramID),
		RemoteUsername: fmt.Sprintf("reseller_p%d_00000000", telegramID),
		Role:           role,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, st.CreatePrincipal(p))
	return p
}

func seedSubordinate(t *testing.T, st *Store, parentID uint, name string, limit, used uint64, expiresAt *time.Time) *model.Subordinate {
	t.Helper()
	sub := &model.Subordinate{
		PrincipalID:    parentID,
		Username:       name,
		RemoteUsername: "user_" + name + "_00000000",
		LimitBytes:     limit,
		UsedBytes:      used,
		ExpiresAt:      expiresAt,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, st.CreateSubordinate(sub))
	return sub
}

func TestPrincipalLookups(t *testing.T) {
	st := newTestStore(t)
	p := seedPrincipal(t, st, 42, model.RoleReseller)

	byTG, err := st.PrincipalByTelegramID(42)
	require.NoError(t, err)
	assert.Equal(t, p.ID, byTG.ID)

	byRemote, err := st.PrincipalByRemoteUsername(p.RemoteUsername)
	require.NoError(t, err)
	assert.Equal(t, p.ID, byRemote.ID)

	_, err = st.PrincipalByTelegramID(999)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestListSubordinates_Pagination(t *testing.T) {
	st := newTestStore(t)
	p := seedPrincipal(t, st, 1, model.RoleReseller)

	for i := 0; i < 25; i++ {
		seedSubordinate(t, st, p.ID, fmt.Sprintf("u%02d", i), model.GiB(1), 0, nil)
	}

	items, pages, err := st.ListSubordinates(p.ID, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, pages)
	assert.Len(t, items, 10)

	items, pages, err = st.ListSubordinates(p.ID, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, pages)
	assert.Len(t, items, 5)
}

func TestListSubordinates_EmptyIsOnePage(t *testing.T) {
	st := newTestStore(t)
	p := seedPrincipal(t, st, 1, model.RoleReseller)

	items, pages, err := st.ListSubordinates(p.ID, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, pages)
	assert.Empty(t, items)
}

func TestListPrincipals_FiltersByRole(t *testing.T) {
	st := newTestStore(t)
	seedPrincipal(t, st, 1, model.RoleAdmin)
	seedPrincipal(t, st, 2, model.RoleReseller)
	seedPrincipal(t, st, 3, model.RoleReseller)

	items, pages, err := st.ListPrincipals(model.RoleReseller, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, pages)
	assert.Len(t, items, 2)
}

func TestSaveBudget_PairsLedgerRow(t *testing.T) {
	st := newTestStore(t)
	p := seedPrincipal(t, st, 1, model.RoleReseller)

	err := st.Transaction(context.Background(), func(tx *Store) error {
		fresh, err := tx.PrincipalByID(p.ID)
		if err != nil {
			return err
		}
		fresh.UsedBytes += model.GiB(5)
		fresh.UsedEntities++
		return tx.SavePrincipalBudget(fresh, int64(model.GiB(5)), 1)
	})
	require.NoError(t, err)

	count, err := st.CountUsageEvents()
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	events, err := st.UsageEventsFor(p.RemoteUsername, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.EqualValues(t, model.GiB(5), events[0].DeltaBytes)
	assert.EqualValues(t, 1, events[0].DeltaEntities)
}

func TestTransaction_RollsBackBudgetAndLedgerTogether(t *testing.T) {
	st := newTestStore(t)
	p := seedPrincipal(t, st, 1, model.RoleReseller)

	err := st.Transaction(context.Background(), func(tx *Store) error {
		fresh, err := tx.PrincipalByID(p.ID)
		if err != nil {
			return err
		}
		fresh.UsedBytes += model.GiB(5)
		if err := tx.SavePrincipalBudget(fresh, int64(model.GiB(5)), 0); err != nil {
			return err
		}
		return errs.QuotaExceeded("denied after the write")
	})
	require.Error(t, err)

	fresh, err := st.PrincipalByID(p.ID)
	require.NoError(t, err)
	assert.Zero(t, fresh.UsedBytes)

	count, err := st.CountUsageEvents()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestBandwidthWarningCandidates_Boundary(t *testing.T) {
	st := newTestStore(t)
	p := seedPrincipal(t, st, 1, model.RoleReseller)

	const floor = uint64(322122547200) // 300 GiB

	// Remaining exactly at the floor qualifies.
	atFloor := seedSubordinate(t, st, p.ID, "at", floor+model.GiB(1), model.GiB(1), nil)
	// One byte above the floor does not.
	seedSubordinate(t, st, p.ID, "above", floor+model.GiB(1)+1, model.GiB(1), nil)
	// Fully exhausted does not warn; that state is reported, not predicted.
	seedSubordinate(t, st, p.ID, "spent", model.GiB(1), model.GiB(1), nil)
	// Unlimited never warns.
	seedSubordinate(t, st, p.ID, "unbounded", 0, model.GiB(500), nil)

	got, err := st.BandwidthWarningCandidates(floor)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, atFloor.ID, got[0].ID)
}

func TestExpiryWarningCandidates_Window(t *testing.T) {
	st := newTestStore(t)
	p := seedPrincipal(t, st, 1, model.RoleReseller)
	now := time.Now()

	soon := now.Add(48 * time.Hour)
	far := now.Add(10 * 24 * time.Hour)
	past := now.Add(-time.Hour)

	expiring := seedSubordinate(t, st, p.ID, "soon", model.GiB(1), 0, &soon)
	seedSubordinate(t, st, p.ID, "far", model.GiB(1), 0, &far)
	seedSubordinate(t, st, p.ID, "gone", model.GiB(1), 0, &past)
	seedSubordinate(t, st, p.ID, "never", model.GiB(1), 0, nil)

	got, err := st.ExpiryWarningCandidates(now, 72*time.Hour)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, expiring.ID, got[0].ID)
}

func TestNotificationHistory(t *testing.T) {
	st := newTestStore(t)

	last, err := st.LastNotification(7, model.SubjectSubordinate, model.NotifyBandwidthWarning)
	require.NoError(t, err)
	assert.Nil(t, last)

	first := time.Now().Add(-2 * time.Hour).Truncate(time.Second)
	second := time.Now().Truncate(time.Second)
	require.NoError(t, st.RecordNotification(7, model.SubjectSubordinate, model.NotifyBandwidthWarning, first))
	require.NoError(t, st.RecordNotification(7, model.SubjectSubordinate, model.NotifyBandwidthWarning, second))

	last, err = st.LastNotification(7, model.SubjectSubordinate, model.NotifyBandwidthWarning)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.WithinDuration(t, second, *last, time.Second)

	// Other kinds for the same subject stay independent.
	last, err = st.LastNotification(7, model.SubjectSubordinate, model.NotifyExpiryWarning)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestPrincipalTotals(t *testing.T) {
	st := newTestStore(t)

	a := seedPrincipal(t, st, 1, model.RoleReseller)
	b := seedPrincipal(t, st, 2, model.RoleReseller)

	require.NoError(t, st.Transaction(context.Background(), func(tx *Store) error {
		for _, p := range []*model.Principal{a, b} {
			fresh, err := tx.PrincipalByID(p.ID)
			if err != nil {
				return err
			}
			fresh.UsedBytes = model.GiB(10)
			fresh.UsedEntities = 3
			if err := tx.SavePrincipalBudget(fresh, int64(model.GiB(10)), 3); err != nil {
				return err
			}
		}
		return nil
	}))

	usedBytes, usedEntities, err := st.PrincipalTotals()
	require.NoError(t, err)
	assert.Equal(t, model.GiB(20), usedBytes)
	assert.EqualValues(t, 6, usedEntities)
}

func TestPrincipalTotals_EmptyTable(t *testing.T) {
	st := newTestStore(t)

	usedBytes, usedEntities, err := st.PrincipalTotals()
	require.NoError(t, err)
	assert.Zero(t, usedBytes)
	assert.Zero(t, usedEntities)
}

func TestActivityLog(t *testing.T) {
	st := newTestStore(t)

	st.LogActivity("create_user", "reseller_a", map[string]any{"user": "u1"})
	st.LogActivity("delete_user", "reseller_b", nil)

	recent, err := st.RecentActivity(10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "delete_user", recent[0].Action)

	mine, err := st.ActivityFor("reseller_a", 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Contains(t, mine[0].Details, "u1")
}
