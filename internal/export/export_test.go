package export

import (
	"archive/zip"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ebookfactory/internal/book"
)

// 1x1 transparent PNG
const tinyPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

func sampleSnapshot(withCover bool) book.Snapshot {
	b := &book.Book{
		Title:          "Focus: The Hidden Edge!",
		Description:    "Win back your attention.",
		TargetAudience: "Busy founders",
		Chapters: []book.Chapter{
			{ID: 1, Title: "Why Focus Matters", Content: "## Hook\n- **one**\n- two", Status: book.StatusCompleted},
			{ID: 2, Title: "Deep Work Rituals", Content: "Try again later.", Status: book.StatusError},
			{ID: 3, Title: "Ação e Rotina", Status: book.StatusPending},
		},
	}
	if withCover {
		img := tinyPNG
		b.CoverImageBase64 = &img
	}
	return book.Snapshot{Generation: 3, Topic: "focus", Book: b, Phase: book.PhaseCreating}
}

func readZip(t *testing.T, path string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	defer zr.Close()
	out := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		data, _ := io.ReadAll(rc)
		_ = rc.Close()
		out[f.Name] = string(data)
	}
	return out
}

func TestBuildWritesArchive(t *testing.T) {
	dir := t.TempDir()
	res, err := Build(context.Background(), dir, "sess-1", sampleSnapshot(true))
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if res.Filename != "focus-the-hidden-edge.zip" {
		t.Fatalf("unexpected filename %q", res.Filename)
	}
	if !strings.Contains(res.Path, "exports") || !strings.Contains(res.Path, "sess-1") {
		t.Fatalf("unexpected path %q", res.Path)
	}

	files := readZip(t, res.Path)
	for _, name := range []string{
		"book.md", "book.html", "manifest.json", "cover.png",
		"chapters/01-why-focus-matters.md",
		"chapters/02-deep-work-rituals.md",
		"chapters/03-a-o-e-rotina.md",
	} {
		if _, ok := files[name]; !ok {
			t.Fatalf("missing %s in %v", name, res.Entries)
		}
	}
	if !strings.Contains(files["book.html"], "<strong>one</strong>") {
		t.Fatalf("html not rendered: %s", files["book.html"])
	}
	if !strings.Contains(files["book.md"], "## 2. Deep Work Rituals") {
		t.Fatalf("markdown missing chapter heading: %s", files["book.md"])
	}
	if !strings.Contains(files["chapters/03-a-o-e-rotina.md"], notGeneratedText) {
		t.Fatalf("pending chapter should carry placeholder")
	}
	png, _ := base64.StdEncoding.DecodeString(tinyPNG)
	if files["cover.png"] != string(png) {
		t.Fatalf("cover bytes differ")
	}
	if !strings.Contains(files["manifest.json"], `"status": "error"`) {
		t.Fatalf("manifest missing statuses: %s", files["manifest.json"])
	}
}

func TestBuildWithoutCover(t *testing.T) {
	res, err := Build(context.Background(), t.TempDir(), "s", sampleSnapshot(false))
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	for _, e := range res.Entries {
		if strings.HasPrefix(e, "cover") {
			t.Fatalf("unexpected cover entry %s", e)
		}
	}
}

func TestBuildWithoutBook(t *testing.T) {
	_, err := Build(context.Background(), t.TempDir(), "s", book.Snapshot{})
	if !errors.Is(err, book.ErrNoBook) {
		t.Fatalf("expected ErrNoBook, got %v", err)
	}
}

func TestSlug(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Deep Work", "deep-work"},
		{"  --Hello,   World!! ", "hello-world"},
		{"日本語", "fallback"},
		{"", "fallback"},
	}
	for _, c := range cases {
		if got := Slug(c.in, "fallback"); got != c.want {
			t.Fatalf("Slug(%q)=%q want %q", c.in, got, c.want)
		}
	}
}

func TestHTMLEscapesTitle(t *testing.T) {
	page, err := HTML("<script>", "# Hi")
	if err != nil {
		t.Fatalf("HTML: %v", err)
	}
	if strings.Contains(string(page), "<title><script>") {
		t.Fatalf("title not escaped")
	}
	if !strings.Contains(string(page), "<h1>Hi</h1>") {
		t.Fatalf("markdown not converted: %s", page)
	}
}

func TestBuildReplacesPreviousExport(t *testing.T) {
	dir := t.TempDir()
	first := sampleSnapshot(false)
	if _, err := Build(context.Background(), dir, "sess-1", first); err != nil {
		t.Fatalf("first Build error: %v", err)
	}

	second := sampleSnapshot(true)
	second.Book.Title = "Another Book"
	res, err := Build(context.Background(), dir, "sess-1", second)
	if err != nil {
		t.Fatalf("second Build error: %v", err)
	}
	if res.Filename != "another-book.zip" {
		t.Fatalf("unexpected filename %q", res.Filename)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "exports", "sess-1"))
	if err != nil {
		t.Fatalf("read exports dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one archive per session, got %d", len(entries))
	}
	if _, ok := readZip(t, res.Path)["cover.png"]; !ok {
		t.Fatalf("archive should hold the latest export")
	}
}
