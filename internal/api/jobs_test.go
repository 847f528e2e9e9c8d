package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/snarg/subcheck/internal/database"
	"github.com/snarg/subcheck/internal/events"
	"github.com/snarg/subcheck/internal/pipeline"
	"github.com/snarg/subcheck/internal/report"
	"github.com/snarg/subcheck/internal/scoring"
	"github.com/snarg/subcheck/internal/segment"
	"github.com/snarg/subcheck/internal/storage"
)

type fakeJobs struct {
	mu        sync.Mutex
	submitted []pipeline.Request
	submitErr error
	snaps     map[string]pipeline.Snapshot
	cancelErr error
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{snaps: map[string]pipeline.Snapshot{
		"live-1": {ID: "live-1", Model: "faster-whisper", Stage: pipeline.StageTranscribing, ProgressPercent: 35,
			Chunks: []pipeline.ChunkStatus{{Index: 0, State: pipeline.ChunkProcessing}}},
		"live-2": {ID: "live-2", Model: "whisper-tiny", Stage: pipeline.StageQueued},
	}}
}

func (f *fakeJobs) Submit(req pipeline.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return "new-job", nil
}

func (f *fakeJobs) Status(id string) (pipeline.Snapshot, error) {
	s, ok := f.snaps[id]
	if !ok {
		return pipeline.Snapshot{}, pipeline.ErrJobNotFound
	}
	return s, nil
}

func (f *fakeJobs) List() []pipeline.Snapshot {
	return []pipeline.Snapshot{f.snaps["live-2"], f.snaps["live-1"]}
}

func (f *fakeJobs) Cancel(id string) error {
	if _, ok := f.snaps[id]; !ok {
		return pipeline.ErrJobNotFound
	}
	return f.cancelErr
}

func (f *fakeJobs) Stats() pipeline.Stats { return pipeline.Stats{Live: len(f.snaps)} }

func (f *fakeJobs) Defaults() (string, string) { return "faster-whisper", "en" }

type fakeHistory struct {
	rows    []database.ReportRow
	reports map[string]*report.Report
}

func (h *fakeHistory) ListReports(_ context.Context, f database.ListFilter) ([]database.ReportRow, int, error) {
	return h.rows, len(h.rows), nil
}

func (h *fakeHistory) GetReport(_ context.Context, id string) (*report.Report, error) {
	if r, ok := h.reports[id]; ok {
		return r, nil
	}
	return nil, report.ErrNotFound
}

func sampleReport(id string) *report.Report {
	r := &report.Report{
		JobID:    id,
		Source:   "talk.wav",
		Model:    "faster-whisper",
		Language: "en",
		Chunks: []report.Chunk{{
			Chunk:      segment.Chunk{Index: 0, Start: 0, End: 4.5, Duration: 4.5, IsSpeech: true},
			State:      "completed",
			Transcript: &report.Transcript{Text: "hello world"},
			Caption:    "hello there world",
			Comparison: &scoring.Result{WER: 1.0 / 3, CER: 0.2, SemanticSimilarity: scoring.Unavailable, HybridScore: scoring.Unavailable},
		}},
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	r.Resummarize()
	return r
}

type testEnv struct {
	jobs    *fakeJobs
	history *fakeHistory
	bus     *events.Bus
	handler http.Handler
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()
	archive := report.NewArchive(storage.NewLocalStore(t.TempDir()), zerolog.Nop())
	if err := archive.SaveReport(context.Background(), sampleReport("done-1")); err != nil {
		t.Fatal(err)
	}
	env := &testEnv{
		jobs: newFakeJobs(),
		history: &fakeHistory{
			rows:    []database.ReportRow{{JobID: "done-1", Model: "faster-whisper"}},
			reports: map[string]*report.Report{"db-only": sampleReport("db-only")},
		},
		bus: events.NewBus(16),
	}
	env.handler = NewRouter(ServerOptions{
		AuthToken: token,
		Jobs:      env.jobs,
		Artifacts: archive,
		History:   env.history,
		Events:    env.bus,
		Health:    NewHealthHandler(HealthDeps{Jobs: env.jobs}, "test", time.Now()),
		OpenAPI:   []byte("openapi: 3.0.3\n"),
		Log:       zerolog.Nop(),
	})
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmitJob(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		submitErr error
		want      int
	}{
		{"accepted", `{"source":"https://youtu.be/dQw4w9WgXcQ","model":"whisper-tiny","language":"en"}`, nil, http.StatusAccepted},
		{"invalid_source", `{"source":"ftp://nowhere"}`, pipeline.ErrInvalidSource, http.StatusBadRequest},
		{"queue_full", `{"source":"a.wav"}`, pipeline.ErrQueueFull, http.StatusServiceUnavailable},
		{"unknown_field", `{"src":"a.wav"}`, nil, http.StatusBadRequest},
		{"internal", `{"source":"a.wav"}`, errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "")
			env.jobs.submitErr = tt.submitErr
			rec := env.do("POST", "/api/v1/jobs", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
			if tt.want != http.StatusAccepted {
				var e ErrorResponse
				if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil || e.Error == "" {
					t.Errorf("error body = %s", rec.Body)
				}
				return
			}
			var resp submitResponse
			json.Unmarshal(rec.Body.Bytes(), &resp)
			if resp.JobID != "new-job" || rec.Header().Get("Location") != "/api/v1/jobs/new-job" {
				t.Errorf("resp = %+v, location %q", resp, rec.Header().Get("Location"))
			}
			if got := env.jobs.submitted[0]; got.Model != "whisper-tiny" || got.Language != "en" {
				t.Errorf("submitted = %+v", got)
			}
		})
	}
}

func TestGetJob(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do("GET", "/api/v1/jobs/live-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var s pipeline.Snapshot
	json.Unmarshal(rec.Body.Bytes(), &s)
	if s.ProgressPercent != 35 || len(s.Chunks) != 1 {
		t.Errorf("snapshot = %+v", s)
	}

	if rec := env.do("GET", "/api/v1/jobs/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown job status = %d", rec.Code)
	}
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t, "")

	rec := env.do("GET", "/api/v1/jobs?limit=10", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp listResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Live) != 2 || resp.Total != 1 || resp.History[0].JobID != "done-1" || resp.Limit != 10 {
		t.Errorf("resp = %+v", resp)
	}
	for _, s := range resp.Live {
		if s.Chunks != nil {
			t.Error("list includes chunk detail")
		}
	}

	rec = env.do("GET", "/api/v1/jobs?model=whisper-tiny", "")
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Live) != 1 || resp.Live[0].ID != "live-2" {
		t.Errorf("filtered live = %+v", resp.Live)
	}

	if rec := env.do("GET", "/api/v1/jobs?limit=0", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad pagination status = %d", rec.Code)
	}
}

func TestCancelJob(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		err    error
		want   int
	}{
		{"delete", "DELETE", "/api/v1/jobs/live-1", nil, http.StatusOK},
		{"post_cancel", "POST", "/api/v1/jobs/live-1/cancel", nil, http.StatusOK},
		{"finished", "DELETE", "/api/v1/jobs/live-1", pipeline.ErrJobFinished, http.StatusConflict},
		{"unknown", "DELETE", "/api/v1/jobs/nope", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, "")
			env.jobs.cancelErr = tt.err
			if rec := env.do(tt.method, tt.path, ""); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestGetReport(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		want        int
		contentType string
		contains    string
	}{
		{"bare_json", "/api/v1/jobs/done-1/report", http.StatusOK, "application/json", `"job_id": "done-1"`},
		{"json", "/api/v1/jobs/done-1/report.json", http.StatusOK, "application/json", `"hello world"`},
		{"srt", "/api/v1/jobs/done-1/report.srt", http.StatusOK, "application/x-subrip", "00:00:00,000 --> 00:00:04,500"},
		{"txt", "/api/v1/jobs/done-1/report.txt", http.StatusOK, "text/plain; charset=utf-8", "33.33%"},
		{"unknown_format", "/api/v1/jobs/done-1/report.pdf", http.StatusBadRequest, "application/json", "unknown report format"},
		{"missing", "/api/v1/jobs/nope/report.srt", http.StatusNotFound, "application/json", "report not found"},
		{"database_fallback", "/api/v1/jobs/db-only/report", http.StatusOK, "application/json", `"db-only"`},
	}
	env := newTestEnv(t, "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do("GET", tt.path, "")
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
			if ct := rec.Header().Get("Content-Type"); ct != tt.contentType {
				t.Errorf("Content-Type = %q, want %q", ct, tt.contentType)
			}
			if !strings.Contains(rec.Body.String(), tt.contains) {
				t.Errorf("body missing %q:\n%s", tt.contains, rec.Body)
			}
		})
	}
}

func TestListModels(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do("GET", "/api/v1/models", "")
	var resp modelsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.DefaultModel != "faster-whisper" || len(resp.Models) == 0 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestAuthAppliesToAPI(t *testing.T) {
	env := newTestEnv(t, "s3cret")
	if rec := env.do("GET", "/api/v1/jobs/live-1", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d", rec.Code)
	}
	if rec := env.do("GET", "/api/v1/jobs/live-1?token=s3cret", ""); rec.Code != http.StatusOK {
		t.Errorf("token status = %d", rec.Code)
	}
	if rec := env.do("GET", "/api/v1/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
	if rec := env.do("GET", "/metrics", ""); rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d", rec.Code)
	}
}

type downDB struct{}

func (downDB) HealthCheck(context.Context) error { return errors.New("down") }

type mqttConn bool

func (c mqttConn) IsConnected() bool { return bool(c) }

func TestOpenAPIIsPublic(t *testing.T) {
	env := newTestEnv(t, "secret")
	rec := env.do("GET", "/api/v1/openapi.yaml", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.HasPrefix(rec.Body.String(), "openapi:") {
		t.Errorf("body = %q", rec.Body)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		deps       HealthDeps
		wantStatus string
		wantCode   int
	}{
		{"minimal", HealthDeps{}, "healthy", http.StatusOK},
		{"mqtt_down", HealthDeps{MQTT: mqttConn(false)}, "degraded", http.StatusOK},
		{"mqtt_up", HealthDeps{MQTT: mqttConn(true)}, "healthy", http.StatusOK},
		{"database_down", HealthDeps{Database: downDB{}, MQTT: mqttConn(false)}, "unhealthy", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewHealthHandler(tt.deps, "v1", time.Now()).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			var resp HealthResponse
			json.Unmarshal(rec.Body.Bytes(), &resp)
			if resp.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", resp.Status, tt.wantStatus)
			}
		})
	}
}

func TestStreamEvents(t *testing.T) {
	env := newTestEnv(t, "")
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	env.bus.Publish(events.TypeJob, "queued", "live-2", map[string]string{"id": "live-2"})
	first := env.bus.ReplaySince("", events.Filter{})[0]

	req, _ := http.NewRequest("GET", srv.URL+"/api/v1/events/stream?types=job&jobs=live-1", nil)
	req.Header.Set("Last-Event-ID", first.ID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	// wait until the handler has subscribed
	deadline := time.Now().Add(2 * time.Second)
	for env.bus.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	env.bus.Publish(events.TypeJob, "queued", "live-2", "other job")
	env.bus.Publish(events.TypeJob, "transcribing", "live-1", map[string]int{"progress": 30})

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") {
			lines = append(lines, line)
			break
		}
	}
	if len(lines) != 1 || !strings.Contains(lines[0], `"progress":30`) {
		t.Errorf("data lines = %v", lines)
	}
}

func TestStreamWebSocket(t *testing.T) {
	env := newTestEnv(t, "s3cret")
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	env.bus.Publish(events.TypeJob, "queued", "live-1", map[string]string{"stage": "queued"})
	first := env.bus.ReplaySince("", events.Filter{})[0]
	env.bus.Publish(events.TypeJob, "downloading", "live-1", map[string]string{"stage": "downloading"})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/api/v1/events/ws?token=s3cret&jobs=live-1&last_event_id=" + first.ID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var replayed events.Event
	if err := conn.ReadJSON(&replayed); err != nil {
		t.Fatalf("read replay: %v", err)
	}
	if replayed.SubType != "downloading" {
		t.Errorf("replayed subtype = %q, want downloading", replayed.SubType)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.bus.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	env.bus.Publish(events.TypeJob, "queued", "live-2", "other job")
	env.bus.Publish(events.TypeJob, "transcribing", "live-1", map[string]int{"progress": 30})

	var live events.Event
	if err := conn.ReadJSON(&live); err != nil {
		t.Fatalf("read live: %v", err)
	}
	if live.JobID != "live-1" || !strings.Contains(string(live.Data), `"progress":30`) {
		t.Errorf("live event = %+v", live)
	}
}

func TestStreamWebSocketRequiresToken(t *testing.T) {
	env := newTestEnv(t, "s3cret")
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial succeeded without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("resp = %v, want 401", resp)
	}
}
