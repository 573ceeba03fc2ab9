package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-session-go/internal/apperr"
	"github.com/ovaphlow/pitchfork/service-session-go/internal/identity"
	ientity "github.com/ovaphlow/pitchfork/service-session-go/internal/identity/entity"
)

func newTestMux(f *credsFixture) *http.ServeMux {
	h := NewHandler(f.store, f.creds, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /session", h.Snapshot)
	mux.HandleFunc("GET /session/stream", h.Stream)
	mux.HandleFunc("POST /auth/signin", h.SignIn)
	mux.HandleFunc("POST /auth/signout", h.SignOut)
	mux.HandleFunc("POST /auth/recover", h.RequestPasswordReset)
	mux.HandleFunc("POST /auth/recover/verify", h.VerifyRecovery)
	mux.HandleFunc("PATCH /profile", h.UpdateProfile)
	mux.HandleFunc("GET /admin/check", h.AdminCheck)
	return mux
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerSignInFlow(t *testing.T) {
	f := newCredsFixture(t)
	f.prov.addUser(ientity.Principal{ID: "p1", Email: "p1@x.com"}, "Secret1!")
	mux := newTestMux(f)

	rec := do(t, mux, http.MethodPost, "/auth/signin", `{"email":"p1@x.com","password":"bad"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"invalid credentials"}`, rec.Body.String())

	rec = do(t, mux, http.MethodPost, "/auth/signin", `{"email":"p1@x.com","password":"Secret1!"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, mux, http.MethodGet, "/session", "")
	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.NotNil(t, snap.Profile)
	assert.Equal(t, "p1", snap.Profile.ID)
	assert.False(t, snap.Loading)

	rec = do(t, mux, http.MethodPatch, "/profile", `{"email":"x@y.com"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, mux, http.MethodGet, "/admin/check", "")
	assert.JSONEq(t, `{"is_admin":false}`, rec.Body.String())

	rec = do(t, mux, http.MethodPost, "/auth/signout", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Nil(t, f.store.Snapshot().Profile)
}

func TestHandlerRecoveryFlow(t *testing.T) {
	f := newCredsFixture(t)
	f.prov.addUser(ientity.Principal{ID: "p1", Email: "p1@x.com"}, "Secret1!")
	mux := newTestMux(f)

	rec := do(t, mux, http.MethodPost, "/auth/recover", `{"email":"p1@x.com"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, mux, http.MethodPost, "/auth/recover/verify", `{"email":"p1@x.com","token":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, f.store.Snapshot().Profile)

	rec = do(t, mux, http.MethodPost, "/auth/recover/verify", `{"email":"p1@x.com","token":"code-p1@x.com"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"p1"`)
	require.NotNil(t, f.store.Snapshot().Profile)
	assert.Equal(t, "p1", f.store.Snapshot().Profile.ID)
}

func TestHandlerRejectsBadPayload(t *testing.T) {
	f := newCredsFixture(t)
	rec := do(t, newTestMux(f), http.MethodPost, "/auth/signin", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerStream(t *testing.T) {
	f := newCredsFixture(t)
	f.prov.addUser(ientity.Principal{ID: "p1", Email: "p1@x.com"}, "Secret1!")
	srv := httptest.NewServer(newTestMux(f))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/session/stream", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	next := func() Snapshot {
		for lines.Scan() {
			if data, ok := strings.CutPrefix(lines.Text(), "data: "); ok {
				var s Snapshot
				require.NoError(t, json.Unmarshal([]byte(data), &s))
				return s
			}
		}
		t.Fatal("stream ended")
		return Snapshot{}
	}

	assert.Nil(t, next().Profile)
	_, err = f.creds.SignIn(context.Background(), "p1@x.com", "Secret1!")
	require.NoError(t, err)
	assert.Equal(t, "p1", next().Profile.ID)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.ErrInvalidCredentials, http.StatusUnauthorized},
		{apperr.ErrSessionUnavailable, http.StatusUnauthorized},
		{apperr.ErrUnauthorizedAdminAccess, http.StatusForbidden},
		{apperr.Wrap(apperr.ErrPolicyViolation, identity.ErrEmailTaken), http.StatusConflict},
		{apperr.ErrWeakPassword, http.StatusUnprocessableEntity},
		{apperr.Wrap(apperr.ErrProfileFetchFailed, apperr.Wrap(apperr.ErrNetworkUnavailable, errBoom)), http.StatusServiceUnavailable},
		{apperr.ErrProfileCreateFailed, http.StatusBadGateway},
		{fmt.Errorf("select profile: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestPublicMessageHidesCauses(t *testing.T) {
	err := apperr.Wrap(apperr.ErrProfileFetchFailed, errors.New("pq: password authentication failed"))
	assert.Equal(t, "profile fetch failed", publicMessage(err))
	assert.Equal(t, "internal error", publicMessage(errors.New("secret detail")))

	weak := CheckPassword("x")
	assert.Contains(t, publicMessage(weak), "password needs")
}
