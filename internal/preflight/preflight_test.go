package preflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"librarian/internal/config"
	"librarian/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if !strings.Contains(result.Detail, "does not exist") {
		t.Fatalf("unexpected detail %q", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckDirectoryAccess_Unconfigured(t *testing.T) {
	if result := CheckDirectoryAccess("test", " "); result.Passed {
		t.Fatal("expected failure for empty path")
	}
}

func TestRunAllWithSQLite(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	results := RunAll(context.Background(), cfg)
	if len(results) != 6 {
		t.Fatalf("expected 6 results, got %d", len(results))
	}
	if n := Failed(results); n != 0 {
		t.Fatalf("expected all checks to pass, got %d failures: %+v", n, results)
	}
}

func TestCheckBrokerDisabled(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithBrokerDriver(config.BrokerDisabled))
	result := CheckBroker(context.Background(), cfg)
	if !result.Passed || !strings.HasPrefix(result.Detail, "Disabled") {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestCheckMaterialsMalformedCatalog(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.WriteContent(t, cfg.Materials.StaticPath, "{not json")
	result := CheckMaterials(context.Background(), cfg)
	if result.Passed {
		t.Fatal("expected failure for malformed catalog")
	}
}

func TestCheckMaterialsUnknownDriver(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Materials.Driver = "mongo"
	if result := CheckMaterials(context.Background(), cfg); result.Passed {
		t.Fatal("expected failure for unknown driver")
	}
}

func TestCheckAPI(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	result := CheckAPI(context.Background(), strings.TrimPrefix(healthy.URL, "http://"))
	if !result.Passed {
		t.Fatalf("expected pass, got %s", result.Detail)
	}

	degraded := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer degraded.Close()
	result = CheckAPI(context.Background(), strings.TrimPrefix(degraded.URL, "http://"))
	if result.Passed || result.Detail != "broker unavailable" {
		t.Fatalf("unexpected result %+v", result)
	}

	if result := CheckAPI(context.Background(), ""); result.Passed {
		t.Fatal("expected empty bind to report disabled")
	}
}
