package book

import "time"

// Status is the generation state of a single chapter.
type Status string

const (
	StatusPending    Status = "pending"
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// CanTransition reports whether a chapter may move from s to next.
// Only pending -> generating -> {completed, error} is legal.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusGenerating
	case StatusGenerating:
		return next == StatusCompleted || next == StatusError
	default:
		return false
	}
}

// Terminal reports whether the chapter has been processed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Phase is where a session is in the outline, cover and chapter pipeline.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhasePlanning Phase = "planning"
	PhaseCreating Phase = "creating"
	PhaseFinished Phase = "finished"
)

// ShowsDashboard reports whether the reader view applies to the phase.
func (p Phase) ShowsDashboard() bool {
	return p == PhaseCreating || p == PhaseFinished
}

// Chapter is one unit of the book. ID is assigned by the outline and
// orders the chapters; Content stays empty until the chapter is written.
type Chapter struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Content     string `json:"content"`
	Status      Status `json:"status"`
}

// Book is the generated e-book. Its chapter list keeps the length the
// outline gave it.
type Book struct {
	Title             string    `json:"title"`
	Description       string    `json:"description"`
	TargetAudience    string    `json:"target_audience"`
	CoverImageBase64  *string   `json:"cover_image_base64"`
	IsGeneratingCover bool      `json:"is_generating_cover"`
	Chapters          []Chapter `json:"chapters"`
}

// ChapterByID returns the chapter with the given id and its position.
func (b *Book) ChapterByID(id int) (Chapter, int, bool) {
	if b == nil {
		return Chapter{}, -1, false
	}
	for i, ch := range b.Chapters {
		if ch.ID == id {
			return ch, i, true
		}
	}
	return Chapter{}, -1, false
}

// CountStatus returns how many chapters currently have status s.
func (b *Book) CountStatus(s Status) int {
	if b == nil {
		return 0
	}
	n := 0
	for _, ch := range b.Chapters {
		if ch.Status == s {
			n++
		}
	}
	return n
}

func (b *Book) HasCover() bool {
	return b != nil && b.CoverImageBase64 != nil && *b.CoverImageBase64 != ""
}

// clone copies the book and its chapter slice so a patch never touches a
// published snapshot.
func (b *Book) clone() *Book {
	if b == nil {
		return nil
	}
	cp := *b
	cp.Chapters = make([]Chapter, len(b.Chapters))
	copy(cp.Chapters, b.Chapters)
	return &cp
}

// Outline is the input for ApplyOutline: book metadata plus chapter stubs.
type Outline struct {
	Title          string
	Description    string
	TargetAudience string
	Chapters       []ChapterStub
}

type ChapterStub struct {
	ID          int
	Title       string
	Description string
}

// Snapshot is an immutable view of a session. Values returned by the store
// are shared between readers and must not be mutated.
type Snapshot struct {
	Generation        uint64    `json:"generation"`
	Revision          uint64    `json:"revision"`
	Phase             Phase     `json:"phase"`
	Topic             string    `json:"topic"`
	Book              *Book     `json:"book"`
	SelectedChapterID int       `json:"selected_chapter_id"`
	GeneratedChapters int       `json:"generated_chapters"`
	Error             string    `json:"error,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// SelectedChapter returns the chapter picked for reading, if any.
func (s Snapshot) SelectedChapter() (Chapter, bool) {
	if s.SelectedChapterID == 0 {
		return Chapter{}, false
	}
	ch, _, ok := s.Book.ChapterByID(s.SelectedChapterID)
	return ch, ok
}

// TotalChapters is the chapter count of the current book, 0 without one.
func (s Snapshot) TotalChapters() int {
	if s.Book == nil {
		return 0
	}
	return len(s.Book.Chapters)
}

// PatchRecord is one entry of the store's patch log.
type PatchRecord struct {
	Op         string    `json:"op"`
	Generation uint64    `json:"generation"`
	Revision   uint64    `json:"revision"`
	ChapterID  int       `json:"chapter_id,omitempty"`
	At         time.Time `json:"at"`
}
