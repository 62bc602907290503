package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"brokerdesk/api/internal/auth"
	"brokerdesk/api/internal/session"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T, env testEnv) http.Handler {
	t.Helper()
	tokens := auth.NewValidator(testSecret)
	registry := session.NewRegistry(tokens, time.Minute)
	return NewHTTPServer(env.service, tokens, registry, "*").Handler()
}

func tokenFor(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := auth.NewValidator(testSecret).Issue(auth.NewClaims(userID, userID, role, time.Hour))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-ID", "device-a")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestServer(t, newTestEnv(t))
	rr := doJSON(t, handler, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected a request id header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	env := newTestEnv(t)
	handler := newTestServer(t, env)

	rr := doJSON(t, handler, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	env.store.pingFn = func(context.Context) error { return errors.New("connection refused") }
	rr = doJSON(t, handler, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	response := decodeResponse(t, rr)
	checks := response["checks"].(map[string]any)
	if checks["database"].(map[string]any)["status"] != "error" {
		t.Fatalf("expected database error check, got %v", checks)
	}
}

func TestReadyReportsDegradedMirror(t *testing.T) {
	env := newTestEnv(t)
	env.service = env.withDownMirror()
	rr := doJSON(t, newTestServer(t, env), http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("mirror outage must not fail readiness, got %d", rr.Code)
	}
	checks := decodeResponse(t, rr)["checks"].(map[string]any)
	if checks["mirror"].(map[string]any)["status"] != "degraded" {
		t.Fatalf("expected degraded mirror, got %v", checks)
	}
}

func TestRecordRoutesRequireToken(t *testing.T) {
	handler := newTestServer(t, newTestEnv(t))
	if rr := doJSON(t, handler, http.MethodGet, "/api/policies", "", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	if rr := doJSON(t, handler, http.MethodGet, "/api/policies", "not-a-jwt", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", rr.Code)
	}
}

func TestPolicyLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	handler := newTestServer(t, env)
	token := tokenFor(t, "user-u", "agent")
	body := policyInput("POL-100")

	rr := doJSON(t, handler, http.MethodPost, "/api/policies", token, body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	created := decodeResponse(t, rr)
	id := created["id"].(string)
	if created["mirrorKey"] != "policies/manual/"+id+".json" {
		t.Fatalf("unexpected mirror key %v", created["mirrorKey"])
	}

	rr = doJSON(t, handler, http.MethodPost, "/api/policies", token, body)
	if rr.Code != http.StatusConflict || decodeResponse(t, rr)["code"] != "DUPLICATE_KEY" {
		t.Fatalf("expected 409 DUPLICATE_KEY, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/policies/by-key/POL-100", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	view := decodeResponse(t, rr)
	if view["id"] != id || view["mirror"] == nil {
		t.Fatalf("expected original record with mirror, got %v", view)
	}

	rr = doJSON(t, handler, http.MethodPatch, "/api/policies/"+id, token, map[string]any{"fields": map[string]any{"premium": "1500"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 on patch, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, handler, http.MethodGet, "/api/policies?limit=10", token, nil)
	if rr.Code != http.StatusOK || len(decodeResponse(t, rr)["records"].([]any)) != 1 {
		t.Fatalf("unexpected list response %d: %s", rr.Code, rr.Body.String())
	}

	if rr := doJSON(t, handler, http.MethodGet, "/api/policies?limit=ten", token, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rr.Code)
	}
	if rr := doJSON(t, handler, http.MethodGet, "/api/policies/00000000-0000-0000-0000-999999999999", token, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr := doJSON(t, handler, http.MethodPost, "/api/policies", token, RecordInput{Fields: map[string]any{"insurer": "x"}}); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing key, got %d", rr.Code)
	}
}

func TestRolesGateRoutes(t *testing.T) {
	env := newTestEnv(t)
	handler := newTestServer(t, env)

	viewer := tokenFor(t, "user-v", "viewer")
	if rr := doJSON(t, handler, http.MethodPost, "/api/policies", viewer, policyInput("POL-1")); rr.Code != http.StatusForbidden {
		t.Fatalf("viewer create: expected 403, got %d", rr.Code)
	}
	if rr := doJSON(t, handler, http.MethodGet, "/api/policies", viewer, nil); rr.Code != http.StatusOK {
		t.Fatalf("viewer list: expected 200, got %d", rr.Code)
	}

	batch := map[string]any{"items": []RecordInput{policyInput("POL-2"), policyInput("POL-3")}}
	agent := tokenFor(t, "user-a", "agent")
	if rr := doJSON(t, handler, http.MethodPost, "/api/policies/batch", agent, batch); rr.Code != http.StatusForbidden {
		t.Fatalf("agent batch: expected 403, got %d", rr.Code)
	}
	manager := tokenFor(t, "user-m", "manager")
	rr := doJSON(t, handler, http.MethodPost, "/api/policies/batch", manager, batch)
	if rr.Code != http.StatusOK || decodeResponse(t, rr)["successCount"] != float64(2) {
		t.Fatalf("manager batch: unexpected %d: %s", rr.Code, rr.Body.String())
	}

	settings := map[string]any{"settings": map[string]any{"currency": "USD"}}
	if rr := doJSON(t, handler, http.MethodPut, "/api/settings", manager, settings); rr.Code != http.StatusForbidden {
		t.Fatalf("manager settings: expected 403, got %d", rr.Code)
	}
	admin := tokenFor(t, "user-x", "admin")
	if rr := doJSON(t, handler, http.MethodPut, "/api/settings", admin, settings); rr.Code != http.StatusOK {
		t.Fatalf("admin settings: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	rr = doJSON(t, handler, http.MethodGet, "/api/settings", viewer, nil)
	got := decodeResponse(t, rr)
	if got["source"] != SettingsFromStore || got["settings"].(map[string]any)["currency"] != "USD" {
		t.Fatalf("unexpected settings %v", got)
	}
}

func TestUploadPDFOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.service.pdfText = func([]byte) (string, error) { return scheduleText, nil }
	handler := newTestServer(t, env)

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", "schedule.pdf")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = part.Write([]byte("%PDF-1.4 schedule"))
	_ = form.WriteField("insurer", "Northwind")
	_ = form.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/uploads/pdf", &body)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, "user-u", "agent"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	result := decodeResponse(t, rr)
	if result["extracted"] != true {
		t.Fatalf("expected extraction, got %v", result)
	}
	policy := result["policy"].(map[string]any)
	if policy["fields"].(map[string]any)["insurer"] != "Northwind" {
		t.Fatalf("expected insurer hint to win, got %v", policy)
	}
	if !strings.HasPrefix(result["upload"].(map[string]any)["mirrorKey"].(string), "uploads/pdf/") {
		t.Fatalf("unexpected upload mirror key %v", result["upload"])
	}
}
