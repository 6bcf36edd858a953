package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	openaiopts "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/rs/zerolog/log"
)

// Settings configures the text model and the prompts sent to it.
type Settings struct {
	APIKey      string
	BaseURL     string
	TextModel   string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
	Language    string
	Chapters    int
}

// NewChatModel builds the eino chat model for an OpenAI-compatible endpoint.
func NewChatModel(ctx context.Context, s Settings) (model.BaseChatModel, error) {
	cfg := &openaiopts.ChatModelConfig{
		APIKey:  s.APIKey,
		BaseURL: s.BaseURL,
		Model:   s.TextModel,
		Timeout: s.Timeout,
	}
	if s.MaxTokens > 0 {
		maxTokens := s.MaxTokens
		cfg.MaxTokens = &maxTokens
	}
	if s.Temperature > 0 {
		temp := s.Temperature
		cfg.Temperature = &temp
	}
	chatModel, err := openaiopts.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create chat model %s: %w", s.TextModel, err)
	}
	return chatModel, nil
}

// Client implements Gateway with an eino chat model for text and an
// ImageModel for covers.
type Client struct {
	chat     model.BaseChatModel
	images   ImageModel
	prompts  *Registry
	language string
	chapters int
	timeout  time.Duration
}

// defaultCallTimeout bounds image calls when Settings.Timeout is unset. The
// chat model applies the same value to its HTTP client.
const defaultCallTimeout = 3 * time.Minute

func NewClient(chat model.BaseChatModel, images ImageModel, s Settings) *Client {
	language := strings.TrimSpace(s.Language)
	if language == "" {
		language = "English"
	}
	chapters := s.Chapters
	if chapters <= 0 {
		chapters = RequestedChapters
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Client{
		chat:     chat,
		images:   images,
		prompts:  NewRegistry(),
		language: language,
		chapters: chapters,
		timeout:  timeout,
	}
}

func (c *Client) SynthesizeOutline(ctx context.Context, topic string) (Outline, error) {
	msgs, err := c.prompts.Format(ctx, PromptOutline, map[string]any{
		"topic":         topic,
		"chapter_count": c.chapters,
		"language":      c.language,
	})
	if err != nil {
		return Outline{}, &OutlineError{Topic: topic, Err: err}
	}

	out, err := c.chat.Generate(ctx, msgs, c.outlineOptions(true)...)
	if err != nil && IsResponseFormatUnsupportedError(err) {
		log.Warn().Err(err).Str("op", "outline").Msg("json_schema not supported, falling back to prompt-only")
		out, err = c.chat.Generate(ctx, msgs, c.outlineOptions(false)...)
	}
	if err != nil {
		return Outline{}, &OutlineError{Topic: topic, Err: err}
	}
	if out == nil || strings.TrimSpace(out.Content) == "" {
		return Outline{}, &OutlineError{Topic: topic, Err: ErrEmptyResponse}
	}

	outline, err := ParseOutline(out.Content)
	if err != nil {
		return Outline{}, &OutlineError{Topic: topic, Err: err}
	}
	if len(outline.Chapters) != c.chapters {
		log.Warn().
			Int("requested", c.chapters).
			Int("returned", len(outline.Chapters)).
			Str("topic", topic).
			Msg("outline chapter count differs from request")
	}
	return outline, nil
}

func (c *Client) SynthesizeCover(ctx context.Context, req CoverRequest) (string, error) {
	if c.images == nil {
		return "", &CoverError{Title: req.Title, Err: ErrNoImage}
	}
	prompt, err := c.prompts.FormatText(ctx, PromptCover, map[string]any{
		"title":    req.Title,
		"topic":    req.Topic,
		"audience": req.Audience,
	})
	if err != nil {
		return "", &CoverError{Title: req.Title, Err: err}
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	img, err := c.images.GenerateImage(callCtx, prompt)
	if err != nil {
		return "", &CoverError{Title: req.Title, Err: err}
	}
	if len(img.Data) == 0 {
		return "", &CoverError{Title: req.Title, Err: ErrNoImage}
	}
	return base64.StdEncoding.EncodeToString(img.Data), nil
}

func (c *Client) SynthesizeChapterBody(ctx context.Context, req ChapterRequest) (string, error) {
	msgs, err := c.prompts.Format(ctx, PromptChapter, map[string]any{
		"chapter_title": req.ChapterTitle,
		"book_title":    req.BookTitle,
		"book_context":  req.BookContext,
		"language":      c.language,
	})
	if err != nil {
		return "", &ChapterError{ChapterTitle: req.ChapterTitle, Err: err}
	}
	out, err := c.chat.Generate(ctx, msgs)
	if err != nil {
		return "", &ChapterError{ChapterTitle: req.ChapterTitle, Err: err}
	}
	if out == nil || strings.TrimSpace(out.Content) == "" {
		return "", &ChapterError{ChapterTitle: req.ChapterTitle, Err: ErrEmptyResponse}
	}
	return out.Content, nil
}

func (c *Client) outlineOptions(structured bool) []model.Option {
	if !structured {
		return nil
	}
	return []model.Option{
		openaiopts.WithExtraFields(map[string]any{
			"response_format": map[string]any{
				"type": "json_schema",
				"json_schema": map[string]any{
					"name":   "ebook_outline",
					"strict": false,
					"schema": outlineJSONSchema(c.chapters),
				},
			},
		}),
	}
}
