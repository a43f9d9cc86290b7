package materials_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"librarian/internal/materials"
)

func writeCatalog(t *testing.T, path string, items []materials.Material) {
	t.Helper()
	data, err := json.Marshal(items)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
}

func ids(items []materials.Material) []string {
	out := make([]string, 0, len(items))
	for _, m := range items {
		out = append(out, m.ID)
	}
	return out
}

func TestStaticMissingFileIsEmpty(t *testing.T) {
	s := materials.NewStatic(filepath.Join(t.TempDir(), "none.json"))
	got, err := s.FindByIDs(context.Background(), []string{"m1"})
	if err != nil {
		t.Fatalf("FindByIDs: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %v", got)
	}
}

func TestStaticOrdersAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "materials.json")
	writeCatalog(t, path, []materials.Material{
		{ID: "m1", Title: "One", FilePath: "one.wav", Slug: "one"},
		{ID: "m2", Title: "Two", FilePath: "two.wav"},
	})
	s := materials.NewStatic(path)
	got, err := s.FindByIDs(context.Background(), []string{"m2", "missing", "m1", "m2"})
	if err != nil {
		t.Fatalf("FindByIDs: %v", err)
	}
	if want := []string{"m2", "m1"}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("ids = %v, want %v", ids(got), want)
	}

	writeCatalog(t, path, []materials.Material{
		{ID: "m1", Title: "One", FilePath: "one.wav", Slug: "one"},
		{ID: "m2", Title: "Two", FilePath: "two.wav"},
		{ID: "m3", Title: "Three", FilePath: "three.wav"},
	})
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	got, err = s.FindByIDs(context.Background(), []string{"m3"})
	if err != nil {
		t.Fatalf("FindByIDs: %v", err)
	}
	if len(got) != 1 || got[0].Title != "Three" {
		t.Fatalf("expected reloaded catalog, got %v", got)
	}
}

func TestStaticRejectsMalformedCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "materials.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := materials.NewStatic(path).FindByIDs(context.Background(), []string{"m1"}); err == nil {
		t.Fatal("expected parse error")
	}
}

type countingLookup struct {
	inner materials.Lookup
	calls [][]string
}

func (c *countingLookup) FindByIDs(ctx context.Context, ids []string) ([]materials.Material, error) {
	c.calls = append(c.calls, append([]string(nil), ids...))
	return c.inner.FindByIDs(ctx, ids)
}

func (c *countingLookup) Close() error { return nil }

func TestCachedServesHitsFromMemory(t *testing.T) {
	inner := &countingLookup{inner: materials.NewStaticFrom([]materials.Material{
		{ID: "m1", Title: "One"},
		{ID: "m2", Title: "Two"},
	})}
	c := materials.NewCached(inner, 8, time.Minute)
	ctx := context.Background()

	if _, err := c.FindByIDs(ctx, []string{"m1"}); err != nil {
		t.Fatalf("FindByIDs: %v", err)
	}
	got, err := c.FindByIDs(ctx, []string{"m2", "m1", "nope"})
	if err != nil {
		t.Fatalf("FindByIDs: %v", err)
	}
	if want := []string{"m2", "m1"}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("ids = %v, want %v", ids(got), want)
	}
	if want := [][]string{{"m1"}, {"m2", "nope"}}; !reflect.DeepEqual(inner.calls, want) {
		t.Fatalf("inner calls = %v, want %v", inner.calls, want)
	}
	hits, misses := c.Stats()
	if hits != 1 || misses != 3 {
		t.Fatalf("hits=%d misses=%d, want 1 and 3", hits, misses)
	}
}

func TestPostgresLookup(t *testing.T) {
	dsn := os.Getenv("LIBRARIAN_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("LIBRARIAN_TEST_POSTGRES not set")
	}
	ctx := context.Background()
	p, err := materials.OpenPostgres(ctx, dsn, 5*time.Second)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer p.Close()
	if _, err := p.FindByIDs(ctx, []string{"does-not-exist"}); err != nil {
		t.Fatalf("FindByIDs: %v", err)
	}
}
