package archive

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"golang.org/x/text/unicode/norm"

	"librarian/internal/materials"
)

// ArchiveName returns "materials_<requestId>_<epoch-ms>.zip".
func ArchiveName(requestID string, at time.Time) string {
	return "materials_" + requestID + "_" + strconv.FormatInt(at.UnixMilli(), 10) + ".zip"
}

// entrySlug prefers the catalog slug, then a slug of the title, then the ID.
func entrySlug(m materials.Material) string {
	if s := strings.TrimSpace(m.Slug); s != "" {
		return sanitize(s)
	}
	if s := slug.Make(m.Title); s != "" {
		return s
	}
	if s := slug.Make(m.ID); s != "" {
		return s
	}
	return "material"
}

// entryName keeps names stable across platforms: NFC form, no path separators.
func entryName(name string) string {
	return norm.NFC.String(sanitize(name))
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, s)
}

func downloadURL(prefix, fileName string) string {
	prefix = strings.TrimRight(prefix, "/")
	return prefix + "/" + url.PathEscape(fileName)
}
