// Package export packages a generated book as a downloadable zip.
package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"
	"github.com/yuin/goldmark"

	"ebookfactory/internal/book"
	"ebookfactory/internal/cover"
	fileutil "ebookfactory/internal/file"
)

const (
	notGeneratedText = "_This chapter has not been generated yet._"
	// archiveName is the on-disk name of a session's export. Each export
	// replaces the previous one; the download name comes from the title.
	archiveName = "ebook.zip"
)

// Result describes a written export.
type Result struct {
	Path     string
	Filename string
	Entries  []string
	Size     int64
}

type manifest struct {
	Title          string            `json:"title"`
	TargetAudience string            `json:"target_audience"`
	Topic          string            `json:"topic"`
	Generation     uint64            `json:"generation"`
	ExportedAt     time.Time         `json:"exported_at"`
	Chapters       []manifestChapter `json:"chapters"`
	Cover          string            `json:"cover,omitempty"`
}

type manifestChapter struct {
	ID     int         `json:"id"`
	Title  string      `json:"title"`
	Status book.Status `json:"status"`
	File   string      `json:"file"`
}

// Build writes the book of snap to <dataDir>/exports/<sessionID>/ebook.zip,
// replacing any earlier export of the session, and names the download
// <slug>.zip.
// The archive holds book.md, book.html, one markdown file per chapter, the
// cover when one exists and a manifest.json.
func Build(ctx context.Context, dataDir, sessionID string, snap book.Snapshot) (Result, error) {
	if snap.Book == nil {
		return Result{}, book.ErrNoBook
	}
	b := snap.Book

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	var entries []string
	add := func(name string, data []byte) error {
		w, err := zw.Create(name)
		if err != nil {
			return fmt.Errorf("zip entry %s: %w", name, err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		entries = append(entries, name)
		return nil
	}

	md := Markdown(b)
	if err := add("book.md", []byte(md)); err != nil {
		return Result{}, err
	}
	page, err := HTML(b.Title, md)
	if err != nil {
		return Result{}, err
	}
	if err := add("book.html", page); err != nil {
		return Result{}, err
	}

	m := manifest{
		Title:          b.Title,
		TargetAudience: b.TargetAudience,
		Topic:          snap.Topic,
		Generation:     snap.Generation,
		ExportedAt:     time.Now().UTC(),
	}
	for i, ch := range b.Chapters {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		name := "chapters/" + chapterFilename(ch.Title, i)
		if err := add(name, []byte(chapterMarkdown(ch))); err != nil {
			return Result{}, err
		}
		m.Chapters = append(m.Chapters, manifestChapter{ID: ch.ID, Title: ch.Title, Status: ch.Status, File: name})
	}

	if b.HasCover() {
		img, err := cover.Decode(*b.CoverImageBase64)
		if err != nil {
			log.Warn().Str("session_id", sessionID).Err(err).Msg("cover skipped in export")
		} else {
			m.Cover = "cover" + img.Ext()
			if err := add(m.Cover, img.Data); err != nil {
				return Result{}, err
			}
		}
	}

	mw, err := zw.Create("manifest.json")
	if err != nil {
		return Result{}, fmt.Errorf("zip entry manifest.json: %w", err)
	}
	if err := writeManifest(mw, m); err != nil {
		return Result{}, err
	}
	entries = append(entries, "manifest.json")

	if err := zw.Close(); err != nil {
		return Result{}, fmt.Errorf("close zip writer: %w", err)
	}

	filename := Slug(b.Title, "ebook") + ".zip"
	dest := filepath.Join(dataDir, "exports", sessionID, archiveName)
	size := int64(buf.Len())
	if err := fileutil.CopyAtomic(dest, &buf); err != nil {
		return Result{}, fmt.Errorf("write export: %w", err)
	}
	log.Info().Str("session_id", sessionID).Str("path", dest).Int64("bytes", size).Msg("export written")
	return Result{Path: dest, Filename: filename, Entries: entries, Size: size}, nil
}

// Markdown renders the whole book as one markdown document.
func Markdown(b *book.Book) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", b.Title)
	if b.Description != "" {
		fmt.Fprintf(&sb, "%s\n\n", b.Description)
	}
	if b.TargetAudience != "" {
		fmt.Fprintf(&sb, "**Target audience:** %s\n\n", b.TargetAudience)
	}
	for _, ch := range b.Chapters {
		fmt.Fprintf(&sb, "## %d. %s\n\n", ch.ID, ch.Title)
		sb.WriteString(chapterBody(ch))
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// HTML converts markdown into a standalone page.
func HTML(title, md string) ([]byte, error) {
	var body bytes.Buffer
	if err := goldmark.Convert([]byte(md), &body); err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	var page bytes.Buffer
	fmt.Fprintf(&page, "<!doctype html>\n<html><head><meta charset=\"utf-8\"><title>%s</title></head><body>\n",
		html.EscapeString(title))
	page.Write(body.Bytes())
	page.WriteString("</body></html>\n")
	return page.Bytes(), nil
}

func chapterMarkdown(ch book.Chapter) string {
	return fmt.Sprintf("# %s\n\n%s\n", ch.Title, chapterBody(ch))
}

func chapterBody(ch book.Chapter) string {
	if strings.TrimSpace(ch.Content) == "" {
		return notGeneratedText
	}
	return strings.TrimSpace(ch.Content)
}

// chapterFilename builds "NN-slug.md" from the chapter title and position.
func chapterFilename(title string, index int) string {
	return fmt.Sprintf("%02d-%s.md", index+1, Slug(title, fmt.Sprintf("chapter-%d", index+1)))
}

// Slug lowercases s and keeps ASCII letters and digits joined by dashes.
// fallback is returned when nothing usable is left.
func Slug(s, fallback string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			sb.WriteRune(r)
			dash = false
		case sb.Len() > 0 && !dash:
			sb.WriteByte('-')
			dash = true
		}
		if sb.Len() >= 60 {
			break
		}
	}
	out := strings.Trim(sb.String(), "-")
	if out == "" {
		return fallback
	}
	return out
}

func writeManifest(w io.Writer, m manifest) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return nil
}
