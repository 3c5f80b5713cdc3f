package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"companiond/internal/budget"
	"companiond/internal/config"
	"companiond/internal/domain"
)

type fakeDispatcher struct {
	resp       domain.Response
	err        error
	asyncErr   error
	lastEvent  domain.Event
	asyncCalls int
}

func (d *fakeDispatcher) Handle(ctx context.Context, event domain.Event) (domain.Response, error) {
	d.lastEvent = event
	return d.resp, d.err
}

func (d *fakeDispatcher) HandleAsync(ctx context.Context, event domain.Event) error {
	d.asyncCalls++
	d.lastEvent = event
	return d.asyncErr
}

type allowAllAuth struct{}

func (allowAllAuth) Authenticate(apiKey, tenant string) bool { return apiKey == "good-key" }

type fakeGovernor struct{ snap domain.BudgetBucket }

func (g fakeGovernor) Admit(ctx context.Context, tenant string, ceilingUSD, estimatedCostUSD float64, highValue bool, component string) (budget.Decision, error) {
	return budget.Decision{Allowed: true}, nil
}
func (g fakeGovernor) Record(ctx context.Context, tenant, component string, actualCostUSD, estimatedCostUSD float64) error {
	return nil
}
func (g fakeGovernor) Release(ctx context.Context, tenant string, estimatedCostUSD float64) error {
	return nil
}
func (g fakeGovernor) Snapshot(ctx context.Context, tenant string) (domain.BudgetBucket, error) {
	return g.snap, nil
}

func newTestServer(disp EventDispatcher) (*echo.Echo, *Server) {
	e := echo.New()
	srv := NewServer(disp, fakeGovernor{snap: domain.BudgetBucket{Tenant: "acme"}}, nil, allowAllAuth{}, config.RateLimitConfig{PerMinute: 600})
	srv.Register(e)
	return e, srv
}

func doRequest(e *echo.Echo, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealth_AlwaysOK(t *testing.T) {
	t.Parallel()
	e, _ := newTestServer(&fakeDispatcher{})
	rec := doRequest(e, http.MethodGet, "/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPostEvent_RejectsWithoutAuth(t *testing.T) {
	t.Parallel()
	e, _ := newTestServer(&fakeDispatcher{})
	rec := doRequest(e, http.MethodPost, "/v1/events", `{}`, map[string]string{"X-Tenant": "acme", "X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPostEvent_RejectsMissingTenantHeader(t *testing.T) {
	t.Parallel()
	e, _ := newTestServer(&fakeDispatcher{})
	rec := doRequest(e, http.MethodPost, "/v1/events", `{}`, map[string]string{"X-API-Key": "good-key"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPostEvent_RejectsInvalidEventKind(t *testing.T) {
	t.Parallel()
	e, _ := newTestServer(&fakeDispatcher{})
	body := `{"game":"arena","player_id":"p1","kind":"not.a.kind"}`
	rec := doRequest(e, http.MethodPost, "/v1/events", body, map[string]string{"X-Tenant": "acme", "X-API-Key": "good-key"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostEvent_SyncSuccessReturns200AndPopulatesEventFromAuthedTenant(t *testing.T) {
	t.Parallel()
	disp := &fakeDispatcher{resp: domain.Response{Dialogue: domain.DialogueResult{Text: "nice!"}}}
	e, _ := newTestServer(disp)
	body := `{"game":"arena","player_id":"p1","kind":"player.victory"}`
	rec := doRequest(e, http.MethodPost, "/v1/events", body, map[string]string{"X-Tenant": "acme", "X-API-Key": "good-key"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "nice!")
	assert.Equal(t, "acme", disp.lastEvent.Tenant, "the tenant must come from the authenticated header, not request body")
}

func TestPostEvent_AsyncRequestReturns202AndDoesNotCallHandle(t *testing.T) {
	t.Parallel()
	disp := &fakeDispatcher{}
	e, _ := newTestServer(disp)
	body := `{"game":"arena","player_id":"p1","kind":"player.victory","async":true}`
	rec := doRequest(e, http.MethodPost, "/v1/events", body, map[string]string{"X-Tenant": "acme", "X-API-Key": "good-key"})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, disp.asyncCalls)
}

func TestPostEvent_DispatchErrorReturns504(t *testing.T) {
	t.Parallel()
	disp := &fakeDispatcher{err: context.DeadlineExceeded}
	e, _ := newTestServer(disp)
	body := `{"game":"arena","player_id":"p1","kind":"player.victory"}`
	rec := doRequest(e, http.MethodPost, "/v1/events", body, map[string]string{"X-Tenant": "acme", "X-API-Key": "good-key"})

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestPostEvent_RateLimitExceededReturns429(t *testing.T) {
	t.Parallel()
	e := echo.New()
	disp := &fakeDispatcher{resp: domain.Response{}}
	srv := NewServer(disp, fakeGovernor{}, nil, allowAllAuth{}, config.RateLimitConfig{PerMinute: 1})
	srv.Register(e)

	body := `{"game":"arena","player_id":"p1","kind":"player.victory"}`
	headers := map[string]string{"X-Tenant": "acme", "X-API-Key": "good-key"}

	first := doRequest(e, http.MethodPost, "/v1/events", body, headers)
	require.Equal(t, http.StatusOK, first.Code)

	second := doRequest(e, http.MethodPost, "/v1/events", body, headers)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Contains(t, second.Body.String(), "rate_limited")
}

func TestPostEvent_RateLimitIsPerTenant(t *testing.T) {
	t.Parallel()
	e := echo.New()
	disp := &fakeDispatcher{resp: domain.Response{}}
	srv := NewServer(disp, fakeGovernor{}, nil, allowAllAuth{}, config.RateLimitConfig{PerMinute: 1})
	srv.Register(e)

	body := `{"game":"arena","player_id":"p1","kind":"player.victory"}`
	rec1 := doRequest(e, http.MethodPost, "/v1/events", body, map[string]string{"X-Tenant": "acme", "X-API-Key": "good-key"})
	require.Equal(t, http.StatusOK, rec1.Code)

	// A different tenant has its own bucket and is unaffected by acme's usage.
	rec2 := doRequest(e, http.MethodPost, "/v1/events", body, map[string]string{"X-Tenant": "other", "X-API-Key": "good-key"})
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestTenantCosts_MergesMetricsAndBudgetSnapshot(t *testing.T) {
	t.Parallel()
	e, _ := newTestServer(&fakeDispatcher{})
	rec := doRequest(e, http.MethodGet, "/v1/analytics/costs", "", map[string]string{"X-Tenant": "acme", "X-API-Key": "good-key"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tenant":"acme"`)
}

func TestPlatformAnalytics_NilSinkReturnsEmptySnapshot(t *testing.T) {
	t.Parallel()
	e, _ := newTestServer(&fakeDispatcher{})
	rec := doRequest(e, http.MethodGet, "/v1/analytics/platform", "", map[string]string{"X-Tenant": "acme", "X-API-Key": "good-key"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tenants":0,"total_cost_usd":0,"total_requests":0,"total_cache_hits":0,"total_errors":0}`, rec.Body.String())
}
