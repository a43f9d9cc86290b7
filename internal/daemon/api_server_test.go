package daemon

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"librarian/internal/archive"
	"librarian/internal/config"
	"librarian/internal/logging"
	"librarian/internal/materials"
	"librarian/internal/metrics"
	"librarian/internal/queue"
	"librarian/internal/testsupport"
	"librarian/internal/workflow"
)

func newTestServer(t *testing.T, opts ...testsupport.ConfigOption) (*config.Config, *httptest.Server) {
	t.Helper()
	cfg := testsupport.NewConfig(t, append([]testsupport.ConfigOption{testsupport.WithSweepDisabled()}, opts...)...)
	return cfg, serve(t, cfg)
}

func serve(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	reg := metrics.New()
	mgr := workflow.NewManager(cfg, materials.NewStaticFrom([]materials.Material{
		{ID: "m1", Title: "Take One", FilePath: "take1.wav"},
	}), logging.NewNop(), workflow.WithMetrics(reg))
	d, err := New(cfg, mgr, reg, logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(newAPIServer(cfg, d, logging.NewNop()).server.Handler)
	t.Cleanup(func() {
		srv.Close()
		_ = d.Close()
	})
	return srv
}

func do(t *testing.T, method, url, body string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestHealthz(t *testing.T) {
	_, srv := newTestServer(t)
	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), `"status":"ok"`) {
		t.Fatalf("unexpected body %s", body)
	}
}

func TestDeletionEndpoint(t *testing.T) {
	cfg, srv := newTestServer(t)
	testsupport.WriteContent(t, filepath.Join(cfg.Paths.UploadsDir, "a.wav"), "x")

	resp, body := do(t, http.MethodPost, srv.URL+"/api/deletions", `{"filePath":"a.wav","materialId":"m1","priority":1}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	var job queue.Job
	if err := json.Unmarshal(body, &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.ID == "" || job.Queue != "file-deletion" || job.Opts.Priority != 1 {
		t.Fatalf("unexpected job %+v", job)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/api/jobs/file-deletion/"+job.ID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("job lookup status = %d body=%s", resp.StatusCode, body)
	}
	resp, _ = do(t, http.MethodGet, srv.URL+"/api/jobs/nope/"+job.ID, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown queue status = %d", resp.StatusCode)
	}

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/deletions", `{"filePath":""}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty path status = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/deletions", `{"filePath":`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/deletions", `{"filePath":"a.wav","delayMs":-1}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative delay status = %d", resp.StatusCode)
	}
}

func TestZipEndpoints(t *testing.T) {
	_, srv := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/zips", `{"materialIds":["m1"]}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	var created ZipResponse
	if err := json.Unmarshal(body, &created); err != nil || created.RequestID == "" {
		t.Fatalf("decode zip response: %v %s", err, body)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/api/zips/"+created.RequestID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status poll = %d body=%s", resp.StatusCode, body)
	}
	var status archive.Status
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Status != archive.StatusPending || status.RequestID != created.RequestID {
		t.Fatalf("unexpected status %+v", status)
	}

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/zips/unknown", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown request status = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/zips", `{"materialIds":[]}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty ids status = %d", resp.StatusCode)
	}
}

func TestZipEndpointsBrokerDisabled(t *testing.T) {
	_, srv := newTestServer(t, testsupport.WithBrokerDriver(config.BrokerDisabled))

	resp, body := do(t, http.MethodPost, srv.URL+"/api/zips", `{"materialIds":["m1"]}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), `"requestId":""`) {
		t.Fatalf("expected empty request id, got %s", body)
	}
	resp, _ = do(t, http.MethodGet, srv.URL+"/api/zips/anything", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("disabled status poll = %d", resp.StatusCode)
	}
}

func TestSweepAndStatsEndpoints(t *testing.T) {
	_, srv := newTestServer(t)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/sweeps", `{"dryRun":true}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("sweep status = %d body=%s", resp.StatusCode, body)
	}
	resp, body = do(t, http.MethodPost, srv.URL+"/api/sweeps", "", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("empty sweep status = %d body=%s", resp.StatusCode, body)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/api/stats", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status = %d body=%s", resp.StatusCode, body)
	}
	var stats struct {
		Queues []workflow.QueueStats `json:"queues"`
	}
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	var cleanup *workflow.QueueStats
	for i := range stats.Queues {
		if stats.Queues[i].Queue == "orphaned-files-cleanup" {
			cleanup = &stats.Queues[i]
		}
	}
	if cleanup == nil || cleanup.Counts.Waiting != 2 {
		t.Fatalf("expected two waiting sweeps, got %+v", stats.Queues)
	}

	resp, body = do(t, http.MethodGet, srv.URL+"/api/status", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"running":false`) {
		t.Fatalf("status = %d body=%s", resp.StatusCode, body)
	}
}

func TestAPITokenRequired(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSweepDisabled())
	cfg.Paths.APIToken = "secret"
	srv := serve(t, cfg)

	resp, _ := do(t, http.MethodGet, srv.URL+"/api/stats", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, srv.URL+"/api/stats", "", map[string]string{"Authorization": "Bearer wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, srv.URL+"/api/stats", "", map[string]string{"Authorization": "Bearer secret"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token status = %d", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz must not require a token, got %d", resp.StatusCode)
	}
}

func TestDownloadArchive(t *testing.T) {
	cfg, srv := newTestServer(t)
	payload := []byte("PK\x03\x04 archive")
	testsupport.WriteContent(t, filepath.Join(cfg.Paths.ZipDir, "materials_r1_1.zip"), string(payload))
	testsupport.WriteContent(t, filepath.Join(cfg.Paths.UploadsDir, "secret.zip"), "nope")

	resp, body := do(t, http.MethodGet, srv.URL+"/downloads/zips/materials_r1_1.zip", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", resp.StatusCode)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("unexpected body %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/zip" {
		t.Fatalf("content type = %q", ct)
	}

	for _, path := range []string{
		"/downloads/zips/missing.zip",
		"/downloads/zips/..%2F..%2Fuploads%2Fsecret.zip",
		"/downloads/zips/notes.txt",
	} {
		resp, _ := do(t, http.MethodGet, srv.URL+path, "", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s status = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := newTestServer(t)
	do(t, http.MethodGet, srv.URL+"/api/zips/unknown", "", nil)

	resp, body := do(t, http.MethodGet, srv.URL+"/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
	want := `librarian_http_requests_total{method="GET",route="/api/zips/{requestId}",status="404"} 1`
	if !strings.Contains(string(body), want) {
		t.Fatalf("metrics output missing %q", want)
	}
}

func TestDownloadRoute(t *testing.T) {
	cases := map[string]string{
		"/downloads/zips":                 "/downloads/zips",
		"downloads/zips/":                 "/downloads/zips",
		"https://cdn.example.com/files/z": "/files/z",
		"/":                               "",
	}
	for in, want := range cases {
		if got := downloadRoute(in); got != want {
			t.Errorf("downloadRoute(%q) = %q, want %q", in, got, want)
		}
	}
}
