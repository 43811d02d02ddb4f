package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gorillaws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/triage/triage/internal/config"
	"github.com/triage/triage/internal/platform/auth"
	"github.com/triage/triage/internal/platform/db"
	"github.com/triage/triage/internal/platform/middleware"
	"github.com/triage/triage/internal/scoring"
)

const highVitalsJSON = `{"respiratory_rate":28,"pulse_rate":110,"temperature":"38.5","spo2":94,"systolic_bp":100,"consciousness":"alert"}`

func memoryConfig() *config.Config {
	return &config.Config{
		Env:               "development",
		StoreDriver:       config.StoreDriverMemory,
		BodyLimit:         "64K",
		NATSSubjectPrefix: "triage.case",
		NotifyQueueSize:   16,
		NotifyWorkers:     1,
	}
}

func startServer(t *testing.T, cfg *config.Config) *server {
	t.Helper()
	srv, err := buildServer(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("buildServer: %v", err)
	}
	t.Cleanup(srv.close)
	return srv
}

func do(srv *server, method, path, body, token string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func TestBuildServer_DevelopmentCaseFlow(t *testing.T) {
	srv := startServer(t, memoryConfig())

	rec := do(srv, http.MethodGet, "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", rec.Code)
	}
	if rec.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("expected request id header")
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("expected security headers")
	}

	rec = do(srv, http.MethodPost, "/api/v1/cases",
		`{"patient_ref":"MRN-2002","chief_complaint":"fever","vitals":`+highVitalsJSON+`}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID         string `json:"id"`
		Status     string `json:"status"`
		CreatedBy  string `json:"created_by"`
		Assessment struct {
			TotalScore int    `json:"total_score"`
			RiskTier   string `json:"risk_tier"`
		} `json:"assessment"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != "recorded" || created.Assessment.TotalScore != 8 || created.Assessment.RiskTier != "high" {
		t.Errorf("unexpected case %+v", created)
	}
	if created.CreatedBy != "dev-user" {
		t.Errorf("expected dev-user as creator, got %s", created.CreatedBy)
	}

	rec = do(srv, http.MethodGet, "/api/v1/cases/"+created.ID, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}

	rec = do(srv, http.MethodPost, "/api/v1/cases/"+created.ID+"/review-request", `{"is_emergency":true}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("review request: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = do(srv, http.MethodGet, "/api/v1/cases?status=pending_review", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), created.ID) {
		t.Fatalf("queue: expected case in pending queue, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestBuildServer_MemoryStoreOptionalRoutes(t *testing.T) {
	srv := startServer(t, memoryConfig())

	if rec := do(srv, http.MethodGet, "/health/db", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("health/db without postgres: expected 404, got %d", rec.Code)
	}
	if rec := do(srv, http.MethodGet, "/api/v1/notifications/recent", "", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("recent feed without redis: expected 503, got %d", rec.Code)
	}
	if rec := do(srv, http.MethodGet, "/api/v1/ws", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("ws without upgrade: expected 400, got %d", rec.Code)
	}
}

func TestBuildServer_BodyLimit(t *testing.T) {
	cfg := memoryConfig()
	cfg.BodyLimit = "1K"
	srv := startServer(t, cfg)

	big := `{"patient_ref":"` + strings.Repeat("x", 2048) + `"}`
	if rec := do(srv, http.MethodPost, "/api/v1/cases", big, ""); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rec.Code)
	}
}

func TestBuildServer_ProductionRequiresToken(t *testing.T) {
	cfg := memoryConfig()
	cfg.Env = "production"
	cfg.AuthSigningKey = "server-test-key"
	cfg.AuthIssuer = "triage-test"
	srv := startServer(t, cfg)

	if rec := do(srv, http.MethodGet, "/health", "", ""); rec.Code != http.StatusOK {
		t.Errorf("health must stay public, got %d", rec.Code)
	}
	if rec := do(srv, http.MethodGet, "/api/v1/cases", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}

	jwtCfg := auth.JWTConfig{Issuer: cfg.AuthIssuer, SigningKey: []byte(cfg.AuthSigningKey)}
	claims := jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	frontline, err := auth.IssueToken(jwtCfg, "fw-amara", []string{"frontline"}, claims)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	rec := do(srv, http.MethodPost, "/api/v1/cases", `{"patient_ref":"MRN-9","vitals":`+highVitalsJSON+`}`, frontline)
	if rec.Code != http.StatusCreated {
		t.Fatalf("frontline create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"created_by":"fw-amara"`) {
		t.Errorf("expected token subject as creator: %s", rec.Body.String())
	}

	var created struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	rec = do(srv, http.MethodPost, "/api/v1/cases/"+created.ID+"/decision", `{"action":"close"}`, frontline)
	if rec.Code != http.StatusForbidden {
		t.Errorf("frontline decision: expected 403, got %d", rec.Code)
	}
}

func TestBuildServer_UnknownDriver(t *testing.T) {
	cfg := memoryConfig()
	cfg.StoreDriver = "sqlite"
	if _, err := buildServer(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestRunScore(t *testing.T) {
	input := `{"ref":"a","vitals":` + highVitalsJSON + `}
{"ref":"b","vitals":{"pulse_rate":"fast"}}
{"ref":"c","vitals":{},"manual_red_flags":["unresponsive to voice"]}
`
	var out bytes.Buffer
	invalid, err := runScore(strings.NewReader(input), &out, scoring.CurrentGuidelineVersion)
	if err != nil {
		t.Fatalf("runScore: %v", err)
	}
	if invalid != 1 {
		t.Errorf("expected 1 invalid document, got %d", invalid)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 result lines, got %d: %s", len(lines), out.String())
	}

	var first scoreOutput
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !first.Valid || first.Assessment == nil || first.Assessment.TotalScore != 8 || first.Assessment.RiskTier != scoring.TierHigh {
		t.Errorf("unexpected first result %+v", first)
	}
	if first.AdvisoryVersion != scoring.CurrentGuidelineVersion || len(first.Advisory) == 0 {
		t.Errorf("expected advisory from current guideline, got %+v", first)
	}

	var second scoreOutput
	_ = json.Unmarshal([]byte(lines[1]), &second)
	if second.Valid || len(second.Errors) != 1 || second.Assessment != nil {
		t.Errorf("unexpected second result %+v", second)
	}

	var third scoreOutput
	_ = json.Unmarshal([]byte(lines[2]), &third)
	if third.Assessment == nil || !third.Assessment.HasManualOverride || third.Assessment.RiskTier != scoring.TierHigh {
		t.Errorf("expected red flag override, got %+v", third)
	}
}

func TestRunScore_Errors(t *testing.T) {
	if _, err := runScore(strings.NewReader(`{}`), &bytes.Buffer{}, "no-such-guideline"); err == nil {
		t.Error("expected error for unknown guideline")
	}
	if _, err := runScore(strings.NewReader(`{"vitals": [`), &bytes.Buffer{}, scoring.CurrentGuidelineVersion); err == nil {
		t.Error("expected error for malformed document")
	}
}

func TestScoreCmd_ReportsInvalidDocuments(t *testing.T) {
	cmd := scoreCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(`{"vitals":{"spo2":140}}`))
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "1 document(s) failed validation") {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if !strings.Contains(out.String(), `"valid":false`) {
		t.Errorf("expected result line, got %s", out.String())
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	applied := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	printMigrationStatus(&out, "public", []db.MigrationStatus{
		{Version: 1, Name: "001_triage_case.sql", Applied: true, AppliedAt: &applied},
		{Version: 2, Name: "002_next.sql"},
	})

	s := out.String()
	for _, want := range []string{"schema: public", "001_triage_case.sql", "applied", "2024-03-01 09:00:00", "pending"} {
		if !strings.Contains(s, want) {
			t.Errorf("expected %q in output:\n%s", want, s)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	prodLogger := newLogger("production", &buf)
	prodLogger.Info().Msg("hello")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("production logger should emit JSON: %v", err)
	}
	if entry["message"] != "hello" || entry["time"] == nil {
		t.Errorf("unexpected entry %v", entry)
	}

	buf.Reset()
	devLogger := newLogger("development", &buf)
	devLogger.Info().Msg("hello")
	if json.Valid(buf.Bytes()) {
		t.Error("development logger should use the console writer")
	}
}

func TestServerClose_NotifiesWebSocketClients(t *testing.T) {
	srv := startServer(t, memoryConfig())
	ts := httptest.NewServer(srv.echo)
	defer ts.Close()

	conn, _, err := gorillaws.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	srv.close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if frame.Type != "server.shutdown" {
		t.Errorf("expected server.shutdown frame, got %q", frame.Type)
	}
}

func TestMigrationSchema(t *testing.T) {
	tests := []struct {
		name, flag, configured, want string
		wantErr                      bool
	}{
		{"flag wins", "tenant_a", "clinic", "tenant_a", false},
		{"configured schema", "", "clinic", "clinic", false},
		{"default", "", "", db.DefaultSchema, false},
		{"bad flag", "a-b", "clinic", "", true},
		{"bad configured", "", "x;drop", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := migrationSchema(tt.flag, &config.Config{DBSchema: tt.configured})
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got schema %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("schema = %q, want %q", got, tt.want)
			}
		})
	}
}
