package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taigalike/api/internal/auth"
)

type apiClient struct {
	t       *testing.T
	handler http.Handler
}

func newAPI(t *testing.T) (*fixture, *apiClient) {
	f := newFixture(t)
	return f, &apiClient{t: t, handler: NewHTTPServer(f.svc, "*", zerolog.Nop()).Handler()}
}

func tokenFor(t *testing.T, username, id string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testConfig().SecretKey), auth.Claims{
		Sub:  id,
		Name: username,
		JTI:  "jti-" + username,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	return token
}

func (c *apiClient) do(method, path, token string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(c.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthAndReady(t *testing.T) {
	_, api := newAPI(t)

	rec := api.do(http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = api.do(http.MethodGet, "/api/ready", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "ready", body["status"])
}

func TestPrivateProjectIsHiddenFromAnonymous(t *testing.T) {
	f, api := newAPI(t)

	rec := api.do(http.MethodGet, "/api/projects/"+f.project.ID+"/", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeJSON(t, rec)["kind"])

	rec = api.do(http.MethodGet, "/api/projects/"+f.project.ID+"/", "not-a-token", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", decodeJSON(t, rec)["kind"])

	rec = api.do(http.MethodGet, "/api/projects/"+f.project.ID+"/", tokenFor(t, "olga", "usr_olga"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "kernel", decodeJSON(t, rec)["slug"])
}

func TestEntityWritesCarryVersions(t *testing.T) {
	f, api := newAPI(t)
	olga := tokenFor(t, "olga", "usr_olga")

	rec := api.do(http.MethodPost, "/api/projects/"+f.project.ID+"/entities/userstory", olga, `{"subject":"Login"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "1", rec.Header().Get("X-Version"))
	created := decodeJSON(t, rec)
	id := created["id"].(string)
	assert.Equal(t, "Login", created["subject"])
	assert.Nil(t, created["assigned_to"])

	path := "/api/entities/userstory/" + id + "/"
	rec = api.do(http.MethodPatch, path, olga, `{"version":1,"subject":"Login page"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "2", rec.Header().Get("X-Version"))

	rec = api.do(http.MethodPatch, path, olga, `{"version":1,"subject":"late"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "stale_version", body["kind"])
	assert.Equal(t, map[string]any{"currentVersion": float64(2)}, body["details"])

	rec = api.do(http.MethodGet, path, tokenFor(t, "mike", "usr_mike"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Login page", decodeJSON(t, rec)["subject"])

	rec = api.do(http.MethodPatch, path, tokenFor(t, "mike", "usr_mike"), `{"version":2,"subject":"mine"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(http.MethodDelete, path, olga, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = api.do(http.MethodGet, path+"history", olga, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestOrderUpdatedHeader(t *testing.T) {
	f, api := newAPI(t)
	olga := tokenFor(t, "olga", "usr_olga")
	a := f.story(t, `{"subject":"A"}`)
	b := f.story(t, `{"subject":"B"}`)

	rec := api.do(http.MethodPost, "/api/projects/"+f.project.ID+"/entities/userstory", olga, `{"subject":"C","backlog_order":1}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	shifted := map[string]int64{}
	require.NoError(t, json.Unmarshal([]byte(rec.Header().Get("Order-Updated")), &shifted))
	assert.Equal(t, map[string]int64{a.ID: 2, b.ID: 3}, shifted)

	rec = api.do(http.MethodPost, "/api/projects/"+f.project.ID+"/order/userstory/backlog_order", olga, map[string]any{
		"items": []map[string]any{{"id": b.ID, "order": 1}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("Order-Updated"))
	moved := decodeJSON(t, rec)["moved"].([]any)
	assert.NotEmpty(t, moved)
}

func TestUnknownKindAndRoute(t *testing.T) {
	_, api := newAPI(t)

	rec := api.do(http.MethodGet, "/api/entities/sprint/abc/", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeJSON(t, rec)["kind"])

	rec = api.do(http.MethodGet, "/api/nowhere", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSignUpSignInFlow(t *testing.T) {
	_, api := newAPI(t)

	rec := api.do(http.MethodPost, "/api/auth/signup", "", map[string]any{
		"username": "nina", "email": "nina@example.com", "password": "correct horse", "full_name": "Nina",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = api.do(http.MethodPost, "/api/auth/signin", "", map[string]any{"email": "nina@example.com", "password": "wrong password"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(http.MethodPost, "/api/auth/signin", "", map[string]any{"email": "nina@example.com", "password": "correct horse"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	token, _ := decodeJSON(t, rec)["auth_token"].(string)
	require.NotEmpty(t, token)

	rec = api.do(http.MethodPost, "/api/projects", token, map[string]any{"name": "Nina's board", "is_private": false})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	project := decodeJSON(t, rec)
	assert.Equal(t, "1", rec.Header().Get("X-Version"))

	rec = api.do(http.MethodGet, "/api/projects/"+project["id"].(string)+"/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSignInIsThrottledPerClient(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.ThrottleSignInPerMinute = 3
	api := &apiClient{t: t, handler: NewHTTPServer(f.svc, "*", zerolog.Nop()).Handler()}

	statuses := map[int]int{}
	for i := 0; i < 10; i++ {
		rec := api.do(http.MethodPost, "/api/auth/signin", "", map[string]any{"email": "olga@example.com", "password": "guess"})
		statuses[rec.Code]++
		if rec.Code == http.StatusTooManyRequests {
			assert.Equal(t, "throttled", decodeJSON(t, rec)["kind"])
			assert.Equal(t, "20", rec.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, map[int]int{http.StatusUnauthorized: 3, http.StatusTooManyRequests: 7}, statuses)
}

func TestMembershipInvitesAreThrottledPerActor(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.ThrottleMembershipsPerHour = 2
	api := &apiClient{t: t, handler: NewHTTPServer(f.svc, "*", zerolog.Nop()).Handler()}
	role, err := f.svc.CreateRole(context.Background(), f.users["olga"], f.project.ID, RoleInput{Name: "Guest", Permissions: []string{"view_project"}})
	require.NoError(t, err)
	path := "/api/projects/" + f.project.ID + "/memberships"
	olga := tokenFor(t, "olga", "usr_olga")

	for _, addr := range []string{"a@example.com", "b@example.com"} {
		rec := api.do(http.MethodPost, path, olga, map[string]any{"email": addr, "role_id": role.ID})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	rec := api.do(http.MethodPost, path, olga, map[string]any{"email": "c@example.com", "role_id": role.ID})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = api.do(http.MethodPost, path, tokenFor(t, "mike", "usr_mike"), map[string]any{"email": "d@example.com", "role_id": role.ID})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
