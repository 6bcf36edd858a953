// Package gateway is the boundary to the generative AI backend. It exposes
// the three calls the e-book pipeline needs (outline, cover, chapter body)
// behind the Gateway interface so the orchestrator can run against a fake.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

// RequestedChapters is the chapter count asked of the backend. The count is
// not enforced on the response.
const RequestedChapters = 10

// ChapterFallback is stored as chapter content when a chapter call fails.
const ChapterFallback = "An error occurred while generating this chapter. Please try again."

type Gateway interface {
	SynthesizeOutline(ctx context.Context, topic string) (Outline, error)
	SynthesizeCover(ctx context.Context, req CoverRequest) (string, error)
	SynthesizeChapterBody(ctx context.Context, req ChapterRequest) (string, error)
}

type Outline struct {
	Title          string        `json:"title"`
	Description    string        `json:"description"`
	TargetAudience string        `json:"targetAudience"`
	Chapters       []ChapterStub `json:"chapters"`
}

type ChapterStub struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type CoverRequest struct {
	Title    string
	Topic    string
	Audience string
}

type ChapterRequest struct {
	ChapterTitle string
	BookTitle    string
	BookContext  string
}

var (
	ErrEmptyResponse = errors.New("empty response from model")
	ErrNoImage       = errors.New("no image data returned")
)

// OutlineError means the outline call failed or its payload was unusable.
type OutlineError struct {
	Topic string
	Err   error
}

func (e *OutlineError) Error() string {
	return fmt.Sprintf("outline synthesis for %q: %v", e.Topic, e.Err)
}

func (e *OutlineError) Unwrap() error { return e.Err }

// CoverError is non-fatal: the book continues without a cover.
type CoverError struct {
	Title string
	Err   error
}

func (e *CoverError) Error() string {
	return fmt.Sprintf("cover synthesis for %q: %v", e.Title, e.Err)
}

func (e *CoverError) Unwrap() error { return e.Err }

// ChapterError is non-fatal: the chapter is marked as failed and the loop
// moves on.
type ChapterError struct {
	ChapterTitle string
	Err          error
}

func (e *ChapterError) Error() string {
	return fmt.Sprintf("chapter synthesis for %q: %v", e.ChapterTitle, e.Err)
}

func (e *ChapterError) Unwrap() error { return e.Err }

// Fallback is the user-facing text to show in place of the chapter body.
func (e *ChapterError) Fallback() string { return ChapterFallback }
