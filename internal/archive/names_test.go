package archive

import (
	"testing"

	"librarian/internal/materials"
)

func TestEntrySlug(t *testing.T) {
	cases := []struct {
		name string
		in   materials.Material
		want string
	}{
		{"catalog slug", materials.Material{ID: "1", Title: "Ignored", Slug: "given"}, "given"},
		{"separators replaced", materials.Material{ID: "1", Slug: "a/b"}, "a_b"},
		{"title fallback", materials.Material{ID: "1", Title: "Árvore Grande"}, "arvore-grande"},
		{"id fallback", materials.Material{ID: "ID-9"}, "id-9"},
		{"nothing usable", materials.Material{}, "material"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := entrySlug(tc.in); got != tc.want {
				t.Fatalf("entrySlug = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestEntryNameNFC(t *testing.T) {
	if got := entryName("cafe\u0301.wav"); got != "caf\u00e9.wav" {
		t.Fatalf("entryName = %q", got)
	}
}

func TestUniqueName(t *testing.T) {
	seen := map[string]int{}
	got := []string{
		uniqueName(seen, "a_x.txt"),
		uniqueName(seen, "a_x.txt"),
		uniqueName(seen, "a_x_2.txt"),
		uniqueName(seen, "a_x.txt"),
	}
	want := []string{"a_x.txt", "a_x_2.txt", "a_x_2_2.txt", "a_x_3.txt"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
