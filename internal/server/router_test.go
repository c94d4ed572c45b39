package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/mediavault/internal/auth"
	"github.com/MarcoPoloResearchLab/mediavault/internal/content"
	"github.com/MarcoPoloResearchLab/mediavault/internal/license"
	"github.com/MarcoPoloResearchLab/mediavault/internal/media"
	"github.com/MarcoPoloResearchLab/mediavault/internal/metadiff"
	"github.com/MarcoPoloResearchLab/mediavault/internal/providerconfig"
	"github.com/MarcoPoloResearchLab/mediavault/internal/providers"
	"github.com/MarcoPoloResearchLab/mediavault/internal/reconcile"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type stubReconciler struct {
	mu          sync.Mutex
	webhookErr  error
	webhookRes  reconcile.WebhookResult
	pollRes     reconcile.PollResult
	pollErr     error
	webhookBody []byte
	polls       int
	storedReads int
}

func (s *stubReconciler) HandleWebhook(_ context.Context, provider media.Provider, _ http.Header, body []byte) (reconcile.WebhookResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhookBody = append([]byte(nil), body...)
	result := s.webhookRes
	result.Provider = provider
	return result, s.webhookErr
}

func (s *stubReconciler) Poll(context.Context, string) (reconcile.PollResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	return s.pollRes, s.pollErr
}

func (s *stubReconciler) Stored(context.Context, string) (reconcile.PollResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storedReads++
	result := s.pollRes
	result.Checked = false
	return result, s.pollErr
}

type stubProviderSettings struct {
	saveErr   error
	savedWith map[string]string
	enabled   bool
}

func (s *stubProviderSettings) View(_ context.Context, provider media.Provider) (providerconfig.View, error) {
	return providerconfig.View{Provider: provider, Fields: map[string]string{"api_token": "****abcd"}}, nil
}

func (s *stubProviderSettings) Save(_ context.Context, provider media.Provider, input map[string]string, enabled bool) (providerconfig.View, error) {
	if s.saveErr != nil {
		return providerconfig.View{}, s.saveErr
	}
	s.savedWith = input
	s.enabled = enabled
	return providerconfig.View{Provider: provider, Enabled: enabled, Configured: true}, nil
}

func (s *stubProviderSettings) Test(context.Context, media.Provider, map[string]string) (providerconfig.TestResult, error) {
	return providerconfig.TestResult{Status: providerconfig.TestResultSuccess, Message: "ok"}, nil
}

type stubLicense struct {
	mu          sync.Mutex
	active      bool
	usage       int
	validateErr error
	activateErr error
}

func (s *stubLicense) Status() license.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := license.StateUnactivated
	if s.active {
		state = license.StateActive
	}
	return license.Status{State: state, Active: s.active, Usage: s.usage}
}

func (s *stubLicense) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *stubLicense) RecordUsage(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage++
	return nil
}

func (s *stubLicense) Activate(context.Context, string) (license.Status, error) {
	if s.activateErr != nil {
		return s.Status(), s.activateErr
	}
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
	return s.Status(), nil
}

func (s *stubLicense) Validate(context.Context) (license.Status, error) {
	return s.Status(), s.validateErr
}

func (s *stubLicense) Deactivate(context.Context) (license.Status, error) {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	return s.Status(), nil
}

type stubEntities struct {
	updateErr error
	deleted   []media.EntityRef
}

func (s *stubEntities) UpdateMetadata(_ context.Context, ref media.EntityRef, parentID string, meta media.Metadata) (content.UpdateResult, error) {
	if s.updateErr != nil {
		return content.UpdateResult{}, s.updateErr
	}
	encoded, _ := json.Marshal(meta)
	return content.UpdateResult{
		Entity: content.Entity{
			EntityType: string(ref.Type),
			EntityID:   ref.ID,
			ParentID:   parentID,
			Meta:       encoded,
			Revision:   2,
		},
		Decision: metadiff.Decision{Change: metadiff.ChangeAdded},
	}, nil
}

func (s *stubEntities) Get(_ context.Context, ref media.EntityRef) (content.Entity, error) {
	if ref.ID != "p1" {
		return content.Entity{}, fmt.Errorf("wrapped: %w", content.ErrNotFound)
	}
	return content.Entity{
		EntityType: string(ref.Type),
		EntityID:   ref.ID,
		Meta:       []byte(`{"title":"hello"}`),
		Revision:   4,
	}, nil
}

func (s *stubEntities) Delete(_ context.Context, ref media.EntityRef) (metadiff.DeleteResult, error) {
	s.deleted = append(s.deleted, ref)
	return metadiff.DeleteResult{
		OperationID: "op-1",
		Attempted:   []media.AssetRef{{Provider: media.ProviderBunny, VideoID: "vid-9"}},
		Deleted:     1,
	}, nil
}

type routerFixture struct {
	handler    http.Handler
	reconciler *stubReconciler
	providers  *stubProviderSettings
	license    *stubLicense
	entities   *stubEntities
	metrics    *Metrics
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	fixture := &routerFixture{
		reconciler: &stubReconciler{webhookRes: reconcile.WebhookResult{Outcome: reconcile.OutcomeProcessed}},
		providers:  &stubProviderSettings{},
		license:    &stubLicense{active: true},
		entities:   &stubEntities{},
	}
	fixture.metrics = NewMetrics(fixture.license.IsActive)
	adminClaims := auth.SessionClaims{Roles: []string{auth.RoleAdmin}}
	adminClaims.Subject = "operator-1"
	handler, err := NewHTTPHandler(Dependencies{
		Reconciler:   fixture.reconciler,
		Providers:    fixture.providers,
		License:      fixture.license,
		Entities:     fixture.entities,
		Sessions:     headerSessionValidator{claims: adminClaims},
		Realtime:     NewRealtimeDispatcher(),
		Metrics:      fixture.metrics,
		MaxBodyBytes: 64,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	fixture.handler = handler
	return fixture
}

func (f *routerFixture) do(t *testing.T, method, path, body string, admin bool) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if admin {
		request.Header.Set("Authorization", "Bearer admin")
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	payload := map[string]any{}
	if strings.HasPrefix(recorder.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
			t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
		}
	}
	return recorder, payload
}

// headerSessionValidator accepts only the literal bearer token "admin".
type headerSessionValidator struct {
	claims auth.SessionClaims
}

func (v headerSessionValidator) ValidateRequest(r *http.Request) (auth.SessionClaims, error) {
	if r.Header.Get("Authorization") != "Bearer admin" {
		return auth.SessionClaims{}, auth.ErrMissingSessionToken
	}
	return v.claims, nil
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingReconciler) {
		t.Fatalf("expected missing reconciler error, got %v", err)
	}
}

func TestWebhookRouteStatusCodes(t *testing.T) {
	testCases := []struct {
		name       string
		path       string
		active     bool
		body       string
		webhookErr error
		outcome    string
		wantStatus int
		wantCode   string
	}{
		{name: "processed", path: "/webhook/cloudflare", active: true, body: `{}`, outcome: reconcile.OutcomeProcessed, wantStatus: http.StatusOK},
		{name: "duplicate", path: "/webhook/bunny", active: true, body: `{}`, outcome: reconcile.OutcomeDuplicate, wantStatus: http.StatusOK},
		{name: "deferred", path: "/webhook/bunny", active: true, body: `{}`, outcome: reconcile.OutcomeDeferred, wantStatus: http.StatusServiceUnavailable},
		{name: "unknown provider", path: "/webhook/vimeo", active: true, body: `{}`, wantStatus: http.StatusNotFound, wantCode: "webhook.unknown_provider"},
		{name: "license inactive", path: "/webhook/cloudflare", active: false, body: `{}`, wantStatus: http.StatusForbidden, wantCode: "webhook.license_inactive"},
		{
			name:       "bad signature",
			path:       "/webhook/cloudflare",
			active:     true,
			body:       `{}`,
			webhookErr: &reconcile.SecurityError{Provider: media.ProviderCloudflare, Reason: reconcile.ReasonMismatch},
			wantStatus: http.StatusUnauthorized,
			wantCode:   "webhook.signature." + reconcile.ReasonMismatch,
		},
		{name: "body too large", path: "/webhook/bunny", active: true, body: strings.Repeat("x", 65), wantStatus: http.StatusRequestEntityTooLarge},
		{name: "internal failure", path: "/webhook/bunny", active: true, body: `{}`, webhookErr: errors.New("database locked"), wantStatus: http.StatusInternalServerError},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			fixture := newRouterFixture(t)
			fixture.license.active = testCase.active
			fixture.reconciler.webhookErr = testCase.webhookErr
			fixture.reconciler.webhookRes = reconcile.WebhookResult{Outcome: testCase.outcome}

			recorder, payload := fixture.do(t, http.MethodPost, testCase.path, testCase.body, false)
			if recorder.Code != testCase.wantStatus {
				t.Fatalf("expected status %d, got %d (%s)", testCase.wantStatus, recorder.Code, recorder.Body.String())
			}
			if testCase.wantCode != "" && payload["code"] != testCase.wantCode {
				t.Fatalf("expected code %q, got %v", testCase.wantCode, payload["code"])
			}
			if testCase.outcome != "" && payload["status"] != testCase.outcome {
				t.Fatalf("expected outcome %q, got %v", testCase.outcome, payload["status"])
			}
		})
	}
}

func TestWebhookRouteRecordsLicenseUsage(t *testing.T) {
	fixture := newRouterFixture(t)

	for i := 0; i < 3; i++ {
		recorder, _ := fixture.do(t, http.MethodPost, "/webhook/cloudflare", `{"uid":"vid-1"}`, false)
		if recorder.Code != http.StatusOK {
			t.Fatalf("unexpected status %d", recorder.Code)
		}
	}
	if fixture.license.Status().Usage != 3 {
		t.Fatalf("expected 3 usage ticks, got %d", fixture.license.Status().Usage)
	}
	if string(fixture.reconciler.webhookBody) != `{"uid":"vid-1"}` {
		t.Fatalf("expected raw body to reach the reconciler, got %q", fixture.reconciler.webhookBody)
	}

	recorder, _ := fixture.do(t, http.MethodPost, "/webhook/vimeo", `{}`, false)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if fixture.license.Status().Usage != 3 {
		t.Fatalf("rejected requests must not count as usage")
	}
}

func TestVideoStatusRoute(t *testing.T) {
	fixture := newRouterFixture(t)
	confirmed := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	preview := media.Preview{
		Provider:    media.ProviderBunny,
		VideoID:     "vid-1",
		Status:      media.StatusReady,
		Thumbnail:   "https://cdn.example.com/thumb.jpg",
		Routing:     media.Routing{LibraryID: "42"},
		ConfirmedAt: &confirmed,
	}
	fixture.reconciler.pollRes = reconcile.PollResult{
		VideoID:  "vid-1",
		Provider: media.ProviderBunny,
		Status:   media.StatusReady,
		Progress: 100,
		Preview:  preview,
		Render:   media.Render(preview),
	}

	recorder, payload := fixture.do(t, http.MethodGet, "/video-status/vid-1", "", false)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if payload["status"] != string(media.StatusReady) || payload["thumbnail"] != preview.Thumbnail {
		t.Fatalf("unexpected payload %v", payload)
	}
	routing, ok := payload["routing"].(map[string]any)
	if !ok || routing["library_id"] != "42" {
		t.Fatalf("expected routing for a ready video, got %v", payload["routing"])
	}
	if payload["embed_url"] != "https://iframe.mediadelivery.net/embed/42/vid-1" {
		t.Fatalf("unexpected embed url %v", payload["embed_url"])
	}

	fixture.reconciler.pollRes = reconcile.PollResult{VideoID: "vid-2", Provider: media.ProviderBunny, Status: media.StatusPending}
	_, pending := fixture.do(t, http.MethodGet, "/video-status/vid-2", "", false)
	if _, exposed := pending["routing"]; exposed {
		t.Fatalf("routing must not be exposed before ready: %v", pending)
	}

	fixture.reconciler.pollErr = reconcile.ErrUnknownVideo
	recorder, payload = fixture.do(t, http.MethodGet, "/video-status/missing", "", false)
	if recorder.Code != http.StatusNotFound || payload["code"] != "video_status.unknown_video" {
		t.Fatalf("expected 404 unknown video, got %d %v", recorder.Code, payload)
	}
}

func TestVideoStatusRouteWithoutLicenseServesStoredStatus(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.reconciler.pollRes = reconcile.PollResult{VideoID: "vid-3", Provider: media.ProviderBunny, Status: media.StatusPending, Checked: true}

	recorder, payload := fixture.do(t, http.MethodGet, "/video-status/vid-3", "", false)
	if recorder.Code != http.StatusOK || payload["status"] != string(media.StatusPending) {
		t.Fatalf("unexpected licensed poll %d %v", recorder.Code, payload)
	}
	if fixture.reconciler.polls != 1 || fixture.license.Status().Usage != 1 {
		t.Fatalf("expected provider re-query to count as usage, polls=%d usage=%d", fixture.reconciler.polls, fixture.license.Status().Usage)
	}

	fixture.license.active = false
	recorder, payload = fixture.do(t, http.MethodGet, "/video-status/vid-3", "", false)
	if recorder.Code != http.StatusOK || payload["status"] != string(media.StatusPending) {
		t.Fatalf("expected stored status without a license, got %d %v", recorder.Code, payload)
	}
	if fixture.reconciler.polls != 1 || fixture.reconciler.storedReads != 1 {
		t.Fatalf("expected no provider re-query without a license, polls=%d stored=%d", fixture.reconciler.polls, fixture.reconciler.storedReads)
	}
	if fixture.license.Status().Usage != 1 {
		t.Fatalf("stored reads must not count as usage")
	}
}

func TestProviderConnectionTestRequiresLicense(t *testing.T) {
	fixture := newRouterFixture(t)
	recorder, _ := fixture.do(t, http.MethodPost, "/config/test", `{"provider":"bunny"}`, true)
	if recorder.Code != http.StatusOK || fixture.license.Status().Usage != 1 {
		t.Fatalf("expected licensed test to run and count, got %d usage=%d", recorder.Code, fixture.license.Status().Usage)
	}

	fixture.license.active = false
	recorder, payload := fixture.do(t, http.MethodPost, "/config/test", `{"provider":"bunny"}`, true)
	if recorder.Code != http.StatusForbidden || payload["code"] != "config.license_inactive" {
		t.Fatalf("expected 403 without a license, got %d %v", recorder.Code, payload)
	}
}

func TestAdminRoutesRequireAuthorization(t *testing.T) {
	fixture := newRouterFixture(t)
	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/config/bunny"},
		{http.MethodPut, "/config/bunny"},
		{http.MethodPost, "/config/test"},
		{http.MethodGet, "/license"},
		{http.MethodPost, "/license/activate"},
		{http.MethodPost, "/license/validate"},
		{http.MethodPost, "/license/deactivate"},
		{http.MethodGet, "/entities/post/p1"},
		{http.MethodPut, "/entities/post/p1"},
		{http.MethodDelete, "/entities/post/p1"},
	}
	for _, route := range paths {
		recorder, payload := fixture.do(t, route.method, route.path, `{}`, false)
		if recorder.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", route.method, route.path, recorder.Code)
		}
		if payload["code"] != "auth.unauthorized" {
			t.Fatalf("%s %s: unexpected code %v", route.method, route.path, payload["code"])
		}
	}
}

func TestProviderConfigRoutes(t *testing.T) {
	fixture := newRouterFixture(t)

	recorder, payload := fixture.do(t, http.MethodGet, "/config/cloudflare", "", true)
	if recorder.Code != http.StatusOK || payload["provider"] != "cloudflare" {
		t.Fatalf("unexpected view response %d %v", recorder.Code, payload)
	}

	recorder, payload = fixture.do(t, http.MethodPut, "/config/bunny", `{"fields":{"api_key":"k","library_id":"9"},"enabled":false}`, true)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected save status %d", recorder.Code)
	}
	if fixture.providers.savedWith["library_id"] != "9" || fixture.providers.enabled {
		t.Fatalf("unexpected save arguments %v enabled=%v", fixture.providers.savedWith, fixture.providers.enabled)
	}
	if payload["configured"] != true {
		t.Fatalf("unexpected save payload %v", payload)
	}

	fixture.providers.saveErr = fmt.Errorf("wrapped: %w", &providers.ConfigError{Provider: media.ProviderBunny, Err: errors.New("library_id required")})
	recorder, _ = fixture.do(t, http.MethodPut, "/config/bunny", `{"fields":{}}`, true)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid fields, got %d", recorder.Code)
	}

	recorder, _ = fixture.do(t, http.MethodGet, "/config/vimeo", "", true)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown provider, got %d", recorder.Code)
	}

	recorder, payload = fixture.do(t, http.MethodPost, "/config/test", `{"provider":"bunny"}`, true)
	if recorder.Code != http.StatusOK || payload["status"] != providerconfig.TestResultSuccess {
		t.Fatalf("unexpected test response %d %v", recorder.Code, payload)
	}
}

func TestLicenseRoutes(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.license.active = false

	fixture.license.activateErr = license.ErrInvalidKeyFormat
	recorder, payload := fixture.do(t, http.MethodPost, "/license/activate", `{"license_key":"nope"}`, true)
	if recorder.Code != http.StatusBadRequest || payload["code"] != "license.activate.invalid_format" {
		t.Fatalf("expected invalid format, got %d %v", recorder.Code, payload)
	}

	fixture.license.activateErr = nil
	recorder, payload = fixture.do(t, http.MethodPost, "/license/activate", `{"license_key":"ABCD-EFGH-IJKL-MNOP"}`, true)
	if recorder.Code != http.StatusOK || payload["active"] != true {
		t.Fatalf("expected activation, got %d %v", recorder.Code, payload)
	}

	fixture.license.validateErr = &license.GraceError{Until: time.Now().Add(time.Hour), Err: license.ErrUnavailable}
	recorder, payload = fixture.do(t, http.MethodPost, "/license/validate", "", true)
	if recorder.Code != http.StatusOK || payload["warning"] == nil {
		t.Fatalf("expected grace warning, got %d %v", recorder.Code, payload)
	}

	fixture.license.validateErr = fmt.Errorf("%w: revoked", license.ErrExpired)
	recorder, payload = fixture.do(t, http.MethodPost, "/license/validate", "", true)
	if recorder.Code != http.StatusForbidden || payload["code"] != "license.validate.expired" {
		t.Fatalf("expected expired, got %d %v", recorder.Code, payload)
	}

	recorder, payload = fixture.do(t, http.MethodPost, "/license/deactivate", "", true)
	if recorder.Code != http.StatusOK || payload["active"] != false {
		t.Fatalf("expected deactivation, got %d %v", recorder.Code, payload)
	}
}

func TestEntityRoutes(t *testing.T) {
	fixture := newRouterFixture(t)

	body := `{"meta":{"title":"hello","media_preview":{"provider":"bunny","video_id":"vid-9","status":"pending"}}}`
	recorder, payload := fixture.do(t, http.MethodPut, "/entities/post/p1", body, true)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	if payload["video_change"] != string(metadiff.ChangeAdded) {
		t.Fatalf("unexpected change %v", payload["video_change"])
	}
	entity, _ := payload["entity"].(map[string]any)
	if entity["id"] != "p1" || entity["revision"] != float64(2) {
		t.Fatalf("unexpected entity %v", entity)
	}

	recorder, payload = fixture.do(t, http.MethodGet, "/entities/post/p1", "", true)
	entity, _ = payload["entity"].(map[string]any)
	meta, _ := entity["meta"].(map[string]any)
	if recorder.Code != http.StatusOK || entity["revision"] != float64(4) || meta["title"] != "hello" {
		t.Fatalf("unexpected entity read %d %v", recorder.Code, payload)
	}
	recorder, _ = fixture.do(t, http.MethodGet, "/entities/post/missing", "", true)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a missing entity, got %d", recorder.Code)
	}

	recorder, _ = fixture.do(t, http.MethodPut, "/entities/page/p1", body, true)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown entity type, got %d", recorder.Code)
	}

	fixture.entities.updateErr = fmt.Errorf("wrapped: %w", content.ErrRevisionConflict)
	recorder, _ = fixture.do(t, http.MethodPut, "/entities/post/p1", body, true)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", recorder.Code)
	}

	recorder, payload = fixture.do(t, http.MethodDelete, "/entities/comment/c1", "", true)
	if recorder.Code != http.StatusOK || payload["deleted"] != float64(1) {
		t.Fatalf("unexpected delete response %d %v", recorder.Code, payload)
	}
	if len(fixture.entities.deleted) != 1 || fixture.entities.deleted[0].Type != media.EntityComment {
		t.Fatalf("unexpected deleted refs %v", fixture.entities.deleted)
	}
}

func TestMetricsRouteExposesCounters(t *testing.T) {
	fixture := newRouterFixture(t)
	fixture.metrics.ObserveWebhook("cloudflare", reconcile.OutcomeProcessed)
	fixture.metrics.ObserveDeletion("bunny", metadiff.OutcomeDeleted)
	fixture.metrics.ObserveLicenseValidation("success")

	recorder, _ := fixture.do(t, http.MethodGet, "/metrics", "", false)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	body := recorder.Body.String()
	for _, want := range []string{
		`mediavault_webhooks_total{outcome="processed",provider="cloudflare"} 1`,
		`mediavault_asset_deletions_total{outcome="deleted",provider="bunny"} 1`,
		`mediavault_license_validations_total{result="success"} 1`,
		`mediavault_license_active 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics output to contain %q", want)
		}
	}

	recorder, payload := fixture.do(t, http.MethodGet, "/healthz", "", false)
	if recorder.Code != http.StatusOK || payload["status"] != "ok" {
		t.Fatalf("unexpected health response %d %v", recorder.Code, payload)
	}
}
