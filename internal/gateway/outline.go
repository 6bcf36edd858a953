package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

var outlineValidator = validator.New()

type outlinePayload struct {
	Title          string           `json:"title" validate:"required"`
	Description    string           `json:"description"`
	TargetAudience string           `json:"targetAudience"`
	Chapters       []chapterPayload `json:"chapters" validate:"required,min=1,dive"`
}

type chapterPayload struct {
	ID          chapterID `json:"id"`
	Title       string    `json:"title" validate:"required"`
	Description string    `json:"description"`
}

// chapterID accepts numbers and numeric strings; anything else decodes to 0
// and gets renumbered.
type chapterID int

func (c *chapterID) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(b)), `"`)
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil || n != float64(int(n)) {
		*c = 0
		return nil
	}
	*c = chapterID(int(n))
	return nil
}

// ParseOutline decodes model output into an Outline. Surrounding prose or
// code fences are tolerated, required fields are validated and chapter ids
// are renumbered by position unless they are already strictly ascending and
// positive. The chapter count is kept as returned.
func ParseOutline(raw string) (Outline, error) {
	body := ExtractJSONObject(raw)
	if body == "" {
		return Outline{}, ErrEmptyResponse
	}
	var p outlinePayload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return Outline{}, fmt.Errorf("decode outline: %w", err)
	}

	p.Title = strings.TrimSpace(p.Title)
	for i := range p.Chapters {
		p.Chapters[i].Title = strings.TrimSpace(p.Chapters[i].Title)
	}
	if err := outlineValidator.Struct(p); err != nil {
		return Outline{}, fmt.Errorf("validate outline: %w", err)
	}

	out := Outline{
		Title:          p.Title,
		Description:    strings.TrimSpace(p.Description),
		TargetAudience: strings.TrimSpace(p.TargetAudience),
		Chapters:       make([]ChapterStub, len(p.Chapters)),
	}
	renumber := !ascendingIDs(p.Chapters)
	for i, ch := range p.Chapters {
		id := int(ch.ID)
		if renumber {
			id = i + 1
		}
		out.Chapters[i] = ChapterStub{
			ID:          id,
			Title:       ch.Title,
			Description: strings.TrimSpace(ch.Description),
		}
	}
	return out, nil
}

func ascendingIDs(chapters []chapterPayload) bool {
	prev := 0
	for _, ch := range chapters {
		if int(ch.ID) <= prev {
			return false
		}
		prev = int(ch.ID)
	}
	return true
}

// ExtractJSONObject cuts the first complete JSON object out of s, or the
// first array when s holds no object. Models often wrap JSON in prose,
// bracketed labels or markdown fences. When nothing decodes, the widest
// brace span is returned so the caller reports the decode error.
func ExtractJSONObject(s string) string {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return raw
	}
	for _, open := range []byte{'{', '['} {
		if v, ok := firstJSONValue(raw, open); ok {
			return v
		}
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

// firstJSONValue decodes a value at every occurrence of open, in order, and
// returns the first one that is well formed.
func firstJSONValue(raw string, open byte) (string, bool) {
	for i := 0; i < len(raw); i++ {
		if raw[i] != open {
			continue
		}
		var v json.RawMessage
		if err := json.NewDecoder(strings.NewReader(raw[i:])).Decode(&v); err == nil {
			return string(v), true
		}
	}
	return "", false
}

// IsResponseFormatUnsupportedError reports whether the provider rejected the
// structured output request.
func IsResponseFormatUnsupportedError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "response_format"):
		return true
	case strings.Contains(msg, "json_schema"):
		return true
	case strings.Contains(msg, "response_schema"):
		return true
	case strings.Contains(msg, "unknown parameter") && strings.Contains(msg, "response"):
		return true
	default:
		return false
	}
}

func outlineJSONSchema(chapters int) map[string]any {
	return map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"required":             []any{"title", "description", "targetAudience", "chapters"},
		"properties": map[string]any{
			"title":          map[string]any{"type": "string", "description": "Magnetic best-seller title"},
			"description":    map[string]any{"type": "string", "description": "Persuasive sales copy for the book"},
			"targetAudience": map[string]any{"type": "string", "description": "Clear definition of the reader avatar"},
			"chapters": map[string]any{
				"type":        "array",
				"description": fmt.Sprintf("Exactly %d chapters", chapters),
				"items": map[string]any{
					"type":                 "object",
					"additionalProperties": false,
					"required":             []any{"id", "title", "description"},
					"properties": map[string]any{
						"id":          map[string]any{"type": "integer"},
						"title":       map[string]any{"type": "string"},
						"description": map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}
