package control

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tenderops/classipipe/internal/core/config"
	"github.com/tenderops/classipipe/internal/core/domain"
	"github.com/tenderops/classipipe/internal/infra/enrich"
	"github.com/tenderops/classipipe/internal/pipeline/executor"
)

func newTestApp(t *testing.T, apiKey string) (*App, *httptest.Server) {
	t.Helper()
	app, err := NewApp(&config.AppConfig{
		Server: config.ServerConfig{Port: 0, APIKey: apiKey},
	})
	if err != nil {
		t.Fatalf("NewApp failed: %v", err)
	}
	srv := httptest.NewServer(app.server.server.Handler)
	t.Cleanup(srv.Close)
	return app, srv
}

func getJSON(t *testing.T, url, apiKey string, v any) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		_ = json.NewDecoder(resp.Body).Decode(v)
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url, apiKey string, v any) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, url, nil)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		_ = json.NewDecoder(resp.Body).Decode(v)
	}
	return resp.StatusCode
}

func postBody(t *testing.T, url, apiKey string, body any, v any) int {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		_ = json.NewDecoder(resp.Body).Decode(v)
	}
	return resp.StatusCode
}

// tableClassifier answers coarse and fine calls from fixed tables.
type tableClassifier struct {
	coarse map[string][]string
	fine   map[string]string
}

func (c *tableClassifier) Classify(ctx context.Context, mode enrich.Mode, items []enrich.Item) ([]enrich.Result, error) {
	results := make([]enrich.Result, 0, len(items))
	for _, item := range items {
		if mode == enrich.ModeCoarse {
			results = append(results, enrich.Result{ID: item.ID, Groups: c.coarse[item.Title]})
		} else {
			results = append(results, enrich.Result{ID: item.ID, Code: c.fine[item.Title], Name: "name " + c.fine[item.Title]})
		}
	}
	return results, nil
}

func TestServer_Health(t *testing.T) {
	_, srv := newTestApp(t, "")

	var body map[string]string
	if code := getJSON(t, srv.URL+"/health", "", &body); code != http.StatusOK {
		t.Fatalf("Health status = %d", code)
	}
	if body["status"] != "ok" {
		t.Errorf("Health body = %v", body)
	}
}

func TestServer_APIKeyRequired(t *testing.T) {
	_, srv := newTestApp(t, "secret")

	if code := getJSON(t, srv.URL+"/api/stats", "", nil); code != http.StatusUnauthorized {
		t.Errorf("Without key status = %d, want 401", code)
	}
	if code := getJSON(t, srv.URL+"/api/stats", "secret", nil); code != http.StatusOK {
		t.Errorf("With key status = %d, want 200", code)
	}
	// Probes stay open.
	if code := getJSON(t, srv.URL+"/health", "", nil); code != http.StatusOK {
		t.Errorf("Health with auth enabled status = %d, want 200", code)
	}
}

func TestServer_MigrationLifecycle(t *testing.T) {
	_, srv := newTestApp(t, "")

	var job map[string]any
	if code := postJSON(t, srv.URL+"/api/migration/start", "", &job); code != http.StatusAccepted {
		t.Fatalf("Start status = %d", code)
	}
	jobID, _ := job["job_id"].(string)
	if jobID == "" {
		t.Fatalf("Start returned no job id: %v", job)
	}

	// The empty in-memory source makes the background run complete quickly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var got map[string]any
		if code := getJSON(t, srv.URL+"/api/migration/"+jobID, "", &got); code != http.StatusOK {
			t.Fatalf("Get status = %d", code)
		}
		if got["state"] == string(domain.JobStateCompleted) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Job never completed, state = %v", got["state"])
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Pausing a completed job is an invalid transition.
	if code := postJSON(t, srv.URL+"/api/migration/"+jobID+"/pause", "", nil); code != http.StatusConflict {
		t.Errorf("Pause completed job status = %d, want 409", code)
	}
}

func TestServer_MigrationGetUnknownJob(t *testing.T) {
	_, srv := newTestApp(t, "")

	if code := getJSON(t, srv.URL+"/api/migration/nope", "", nil); code != http.StatusNotFound {
		t.Errorf("Unknown job status = %d, want 404", code)
	}
}

func TestServer_StatsAndResetFailed(t *testing.T) {
	app, srv := newTestApp(t, "")
	ctx := t.Context()

	seed := []*domain.Record{
		{ID: "a", SourceCollection: "products", SourceID: "s1", Title: "x"},
		{ID: "b", SourceCollection: "products", SourceID: "s2", Title: "y"},
	}
	if _, err := app.Records().UpsertBatch(ctx, seed); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	moved, err := app.Records().MarkProcessing(ctx, []string{"a"}, domain.StatusPending, "batch", "w")
	if err != nil || len(moved) != 1 {
		t.Fatalf("MarkProcessing failed: %v", err)
	}
	if err := app.Records().ApplyResults(ctx, "batch", []domain.StatusUpdate{
		{ID: "a", Status: domain.StatusFailed, ErrorMessage: "boom"},
	}); err != nil {
		t.Fatalf("ApplyResults failed: %v", err)
	}

	var stats map[string]any
	if code := getJSON(t, srv.URL+"/api/stats", "", &stats); code != http.StatusOK {
		t.Fatalf("Stats status = %d", code)
	}
	if stats["total"].(float64) != 2 {
		t.Errorf("Stats total = %v, want 2", stats["total"])
	}
	statuses := stats["statuses"].(map[string]any)
	if _, ok := statuses["failed"]; !ok {
		t.Errorf("Stats missing failed bucket: %v", statuses)
	}

	var reset map[string]any
	if code := postJSON(t, srv.URL+"/api/records/reset-failed", "", &reset); code != http.StatusOK {
		t.Fatalf("Reset status = %d", code)
	}
	if reset["reset"].(float64) != 1 {
		t.Errorf("Reset count = %v, want 1", reset["reset"])
	}

	rec, err := app.Records().Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.Status != domain.StatusPending || rec.ErrorMessage != "" {
		t.Errorf("Record after reset = %s/%q, want pending with no error", rec.Status, rec.ErrorMessage)
	}
}

func TestStage_WorkerLoopsShareOneExecutorPerStage(t *testing.T) {
	app, _ := newTestApp(t, "")

	if app.executors[1] == nil || app.executors[2] == nil {
		t.Fatal("Expected one executor per stage")
	}
	if app.executors[1] == app.executors[2] {
		t.Error("Stages must not share a pacing clock")
	}

	before := app.executors[1]
	if _, err := app.Stage(1, "w1"); err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if _, err := app.Stage(1, "w2"); err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if app.executors[1] != before {
		t.Error("Building worker loops must not replace the shared executor")
	}

	if _, err := app.Stage(3, "w3"); err == nil {
		t.Error("Expected an error for an unknown stage")
	}
}

func TestServer_ClassifyAdHoc(t *testing.T) {
	app, srv := newTestApp(t, "")

	fake := &tableClassifier{
		coarse: map[string][]string{"wireless headphones": {"electronics"}},
		fine:   map[string]string{"wireless headphones": "8518.30"},
	}
	cfg := executor.Config{MinInterval: time.Millisecond, RetryDelay: time.Millisecond, MaxRetries: 1}
	app.executors[1] = executor.New(cfg, fake, slog.Default())
	app.executors[2] = executor.New(cfg, fake, slog.Default())

	var resp struct {
		Results []enrich.Result `json:"results"`
	}
	code := postBody(t, srv.URL+"/api/classify", "", map[string]any{
		"items": []map[string]string{
			{"id": "i1", "title": "wireless headphones"},
			{"id": "i2", "title": "mystery blob"},
		},
	}, &resp)
	if code != http.StatusOK {
		t.Fatalf("Classify status = %d", code)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("Results = %d, want 2: %v", len(resp.Results), resp.Results)
	}

	byID := make(map[string]enrich.Result, len(resp.Results))
	for _, res := range resp.Results {
		byID[res.ID] = res
	}
	if got := byID["i1"]; got.Code != "8518.30" || len(got.Groups) != 1 {
		t.Errorf("i1 = %+v, want groups plus final code", got)
	}
	if got := byID["i2"]; got.Code != "" || len(got.Groups) != 0 {
		t.Errorf("i2 = %+v, want no classification", got)
	}

	if code := postBody(t, srv.URL+"/api/classify", "", map[string]any{"items": []any{}}, nil); code != http.StatusBadRequest {
		t.Errorf("Empty items status = %d, want 400", code)
	}
}

func TestServer_WorkersHealth(t *testing.T) {
	app, srv := newTestApp(t, "")
	ctx := t.Context()

	seed := []*domain.Record{
		{ID: "a", SourceCollection: "products", SourceID: "s1", Title: "x"},
		{ID: "b", SourceCollection: "products", SourceID: "s2", Title: "y"},
		{ID: "c", SourceCollection: "products", SourceID: "s3", Title: "z"},
	}
	if _, err := app.Records().UpsertBatch(ctx, seed); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if _, err := app.Records().MarkProcessing(ctx, []string{"a", "b"}, domain.StatusPending, "b1", "w1"); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}
	if _, err := app.Records().MarkProcessing(ctx, []string{"c"}, domain.StatusPending, "b2", "w2"); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}

	var resp struct {
		Workers []struct {
			WorkerID   string `json:"worker_id"`
			Processing int64  `json:"processing"`
			Active     bool   `json:"active"`
		} `json:"workers"`
	}
	if code := getJSON(t, srv.URL+"/api/workers", "", &resp); code != http.StatusOK {
		t.Fatalf("Workers status = %d", code)
	}
	if len(resp.Workers) != 2 {
		t.Fatalf("Workers = %d, want 2: %v", len(resp.Workers), resp.Workers)
	}
	if resp.Workers[0].WorkerID != "w1" || resp.Workers[0].Processing != 2 || !resp.Workers[0].Active {
		t.Errorf("w1 = %+v, want 2 processing records and active", resp.Workers[0])
	}
	if resp.Workers[1].WorkerID != "w2" || resp.Workers[1].Processing != 1 {
		t.Errorf("w2 = %+v, want 1 processing record", resp.Workers[1])
	}
}
