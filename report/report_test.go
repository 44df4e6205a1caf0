package report

import (
	"context"
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
	"github.com/miladez1/mrzadmincr/panel"
	"github.com/miladez1/mrzadmincr/store"
)

type stubGateway struct {
	users []panel.RemoteUser
	err   error
}

func (g stubGateway) CreateRemoteUser(ctx context.Context, username string, params panel.UserParams) (*panel.RemoteUser, error) {
	return &panel.RemoteUser{Username: username}, nil
}
func (g stubGateway) GetRemoteUser(ctx context.Context, username string) (*panel.RemoteUser, error) {
	return &panel.RemoteUser{Username: username}, nil
}
func (g stubGateway) UpdateRemoteUser(ctx context.Context, username string, params panel.UserParams) (*panel.RemoteUser, error) {
	return &panel.RemoteUser{Username: username}, nil
}
func (g stubGateway) DeleteRemoteUser(ctx context.Context, username string) error { return nil }
func (g stubGateway) ListRemoteUsers(ctx context.Context) ([]panel.RemoteUser, error) {
	return g.users, g.err
}

func newTestGenerator(t *testing.T, gw panel.Gateway) (*Generator, *store.Store) {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(10000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	st := store.New(db, zap.NewNop())
	return NewGenerator(st, gw, zap.NewNop()), st
}

var nextTelegramID int64 = 1000

func seedReseller(t *testing.T, st *store.Store, name string, used uint64, entities uint32) *model.Principal {
	t.Helper()
	nextTelegramID++
	p := &model.Principal{
		TelegramID:     nextTelegramID,
		Username:       name,
		RemoteUsername: "reseller_" + name + "_00000000",
		Role:           model.RoleReseller,
		LimitBytes:     model.GiB(1000),
		UsedBytes:      used,
		MaxEntities:    50,
		UsedEntities:   entities,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, st.CreatePrincipal(p))
	return p
}

func TestSystemStats_CombinesLocalAndRemote(t *testing.T) {
	gw := stubGateway{users: []panel.RemoteUser{
		{Username: "a", UsedTraffic: 100, DataLimit: 1000},
		{Username: "b", UsedTraffic: 200, DataLimit: 2000},
	}}
	g, st := newTestGenerator(t, gw)

	seedReseller(t, st, "acme", model.GiB(10), 3)
	seedReseller(t, st, "corp", model.GiB(20), 7)

	stats, err := g.SystemStats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.TotalResellers)
	assert.Equal(t, model.GiB(30), stats.UsedBytes)
	assert.Equal(t, 30.0, stats.UsedGB)
	assert.EqualValues(t, 10, stats.CreatedUsers)
	assert.Equal(t, 2, stats.RemoteUsers)
	assert.EqualValues(t, 300, stats.RemoteUsedBytes)
	assert.EqualValues(t, 3000, stats.RemoteLimitBytes)
}

func TestSystemStats_DegradesWhenPanelIsDown(t *testing.T) {
	gw := stubGateway{err: errs.RemoteUnavailable(nil, "panel down")}
	g, st := newTestGenerator(t, gw)

	seedReseller(t, st, "acme", model.GiB(10), 3)

	stats, err := g.SystemStats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalResellers)
	assert.Zero(t, stats.RemoteUsers)
}

func TestSystemReport_RanksPrincipals(t *testing.T) {
	g, st := newTestGenerator(t, stubGateway{})

	seedReseller(t, st, "small", model.GiB(5), 1)
	seedReseller(t, st, "big", model.GiB(50), 9)

	text, err := g.SystemReport(context.Background())
	require.NoError(t, err)
	assert.Contains(t, text, "System report")
	assert.Contains(t, text, "1. big")
	assert.Contains(t, text, "9 users")
}

func TestPrincipalReport(t *testing.T) {
	g, st := newTestGenerator(t, stubGateway{})
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	p := seedReseller(t, st, "acme", model.GiB(10), 3)
	st.LogActivity("create_user", p.RemoteUsername, map[string]any{"user": "u1"})

	text, err := g.PrincipalReport(p.RemoteUsername, now)
	require.NoError(t, err)
	assert.Contains(t, text, "Report for acme")
	assert.Contains(t, text, "Bandwidth used: 10 GiB")
	assert.Contains(t, text, "Users created: 3")
	assert.Contains(t, text, "Expires: never")
	assert.Contains(t, text, "create_user")

	_, err = g.PrincipalReport("reseller_ghost_00000000", now)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}
