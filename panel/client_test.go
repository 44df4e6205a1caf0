package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/miladez1/mrzadmincr/errs"
)

// panelStub fakes the remote API: /admin/token issues sequential tokens and
// every other route validates the bearer against the newest one.
type panelStub struct {
	t          *testing.T
	mux        *http.ServeMux
	logins     int
	validToken string
}

func newPanelStub(t *testing.T) (*panelStub, *httptest.Server) {
	stub := &panelStub{t: t, mux: http.NewServeMux()}
	stub.mux.HandleFunc("/admin/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.PostForm.Get("username") != "admin" || r.PostForm.Get("password") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		stub.logins++
		stub.validToken = fmt.Sprintf("token-%d", stub.logins)
		json.NewEncoder(w).Encode(map[string]string{"access_token": stub.validToken})
	})
	srv := httptest.NewServer(stub.mux)
	t.Cleanup(srv.Close)
	return stub, srv
}

func (s *panelStub) authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+s.validToken
}

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(srv.URL, "admin", "secret", 5*time.Second, zap.NewNop())
}

func TestClient_LoginAndGet(t *testing.T) {
	stub, srv := newPanelStub(t)
	stub.mux.HandleFunc("/user/alice", func(w http.ResponseWriter, r *http.Request) {
		if !stub.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"username":     "alice",
			"data_limit":   uint64(107374182400),
			"used_traffic": uint64(1073741824),
			"expire":       1767225600,
		})
	})

	c := newTestClient(srv)
	u, err := c.GetRemoteUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.EqualValues(t, 107374182400, u.DataLimit)
	assert.EqualValues(t, 1073741824, u.UsedTraffic)
	require.NotNil(t, u.Expire.Time)
	assert.EqualValues(t, 1767225600, u.Expire.Time.Unix())
	assert.Equal(t, 1, stub.logins)
}

func TestClient_ReauthenticatesOnceOnExpiredToken(t *testing.T) {
	stub, srv := newPanelStub(t)

	requests := 0
	stub.mux.HandleFunc("/user/alice", func(w http.ResponseWriter, r *http.Request) {
		requests++
		// The first authorized request sees a token the panel no longer
		// accepts.
		if requests == 1 || !stub.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"username": "alice"})
	})

	c := newTestClient(srv)
	u, err := c.GetRemoteUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.Equal(t, 2, stub.logins)
	assert.Equal(t, 2, requests)
}

func TestClient_GetUnknownUserIsNotFound(t *testing.T) {
	stub, srv := newPanelStub(t)
	stub.mux.HandleFunc("/user/ghost", func(w http.ResponseWriter, r *http.Request) {
		if !stub.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	c := newTestClient(srv)
	_, err := c.GetRemoteUser(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestClient_CreateSendsLimitsAndExpiry(t *testing.T) {
	stub, srv := newPanelStub(t)

	var got userPayload
	stub.mux.HandleFunc("/user/bob", func(w http.ResponseWriter, r *http.Request) {
		if !stub.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"username": "bob"})
	})

	expiresAt := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newTestClient(srv)
	u, err := c.CreateRemoteUser(context.Background(), "bob", UserParams{
		DataLimitBytes:  53687091200,
		ExpiresAt:       &expiresAt,
		ConnectionLimit: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, "bob", u.Username)
	assert.EqualValues(t, 53687091200, got.DataLimit)
	assert.Equal(t, expiresAt.Unix(), got.Expire)
	assert.EqualValues(t, 3, got.ConnectionLimit)
}

func TestClient_DeleteMissingUserIsNotFound(t *testing.T) {
	stub, srv := newPanelStub(t)
	stub.mux.HandleFunc("/user/gone", func(w http.ResponseWriter, r *http.Request) {
		if !stub.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	c := newTestClient(srv)
	err := c.DeleteRemoteUser(context.Background(), "gone")
	require.Error(t, err)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestClient_ListRemoteUsers(t *testing.T) {
	stub, srv := newPanelStub(t)
	stub.mux.HandleFunc("/users", func(w http.ResponseWriter, r *http.Request) {
		if !stub.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"users": []map[string]any{
				{"username": "a", "used_traffic": 10},
				{"username": "b", "used_traffic": 20},
			},
		})
	})

	c := newTestClient(srv)
	users, err := c.ListRemoteUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "a", users[0].Username)
	assert.EqualValues(t, 20, users[1].UsedTraffic)
}

func TestClient_UnreachablePanel(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "admin", "secret", 500*time.Millisecond, zap.NewNop())
	_, err := c.GetRemoteUser(context.Background(), "alice")
	require.Error(t, err)
	assert.Equal(t, errs.KindRemoteUnavailable, errs.KindOf(err))
}

func TestExpireTime_AcceptsEpochAndISO(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want *time.Time
	}{
		{"zero means never", `{"expire": 0}`, nil},
		{"null means never", `{"expire": null}`, nil},
		{"epoch seconds", `{"expire": 1767225600}`, timePtr(time.Unix(1767225600, 0).UTC())},
		{"iso string", `{"expire": "2027-01-01T00:00:00Z"}`, timePtr(time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var u RemoteUser
			require.NoError(t, json.Unmarshal([]byte(tc.in), &u))
			if tc.want == nil {
				assert.Nil(t, u.Expire.Time)
				return
			}
			require.NotNil(t, u.Expire.Time)
			assert.True(t, u.Expire.Time.Equal(*tc.want))
		})
	}
}

func timePtr(t time.Time) *time.Time { return &t }
