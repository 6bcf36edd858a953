package book

import (
	"context"
	"sync"
	"time"
)

const historyLimit = 256

// Store owns the book and session state of one session. Every mutation goes
// through a named patch that publishes a new snapshot; published snapshots
// are never modified afterwards.
type Store struct {
	mu       sync.RWMutex
	snap     Snapshot
	history  []PatchRecord
	watchers map[chan Snapshot]struct{}
}

// NewStore returns an idle store with no book.
func NewStore() *Store {
	return &Store{
		snap:     Snapshot{Phase: PhaseIdle, UpdatedAt: time.Now()},
		watchers: make(map[chan Snapshot]struct{}),
	}
}

// Snapshot returns the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// History returns a copy of the patch log, oldest first.
func (s *Store) History() []PatchRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PatchRecord, len(s.history))
	copy(out, s.history)
	return out
}

// Watch delivers the current snapshot and then every new one until ctx is
// done. Slow readers only see the latest snapshot.
func (s *Store) Watch(ctx context.Context) <-chan Snapshot {
	ch := make(chan Snapshot, 1)
	s.mu.Lock()
	ch <- s.snap
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

// Begin starts a new generation: the previous book is dropped, the session
// moves to planning and the returned token must accompany every later patch.
func (s *Store) Begin(topic string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen := s.snap.Generation + 1
	s.commitLocked("begin", 0, func(next *Snapshot) {
		*next = Snapshot{
			Generation: gen,
			Revision:   next.Revision,
			Phase:      PhasePlanning,
			Topic:      topic,
		}
	})
	return gen
}

// ReportError sets the user-facing error without touching the phase.
func (s *Store) ReportError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commitLocked("report_error", 0, func(next *Snapshot) {
		next.Error = msg
	})
}

// FailOutline returns the session to idle after the outline step failed.
func (s *Store) FailOutline(gen uint64, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(gen); err != nil {
		return err
	}
	s.commitLocked("fail_outline", 0, func(next *Snapshot) {
		next.Phase = PhaseIdle
		next.Book = nil
		next.SelectedChapterID = 0
		next.Error = msg
	})
	return nil
}

// ApplyOutline replaces the book wholesale with one built from the outline.
// All chapters start pending and the cover is marked as generating.
func (s *Store) ApplyOutline(gen uint64, outline Outline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(gen); err != nil {
		return err
	}
	chapters := make([]Chapter, len(outline.Chapters))
	for i, stub := range outline.Chapters {
		chapters[i] = Chapter{
			ID:          stub.ID,
			Title:       stub.Title,
			Description: stub.Description,
			Status:      StatusPending,
		}
	}
	newBook := &Book{
		Title:             outline.Title,
		Description:       outline.Description,
		TargetAudience:    outline.TargetAudience,
		IsGeneratingCover: true,
		Chapters:          chapters,
	}
	s.commitLocked("apply_outline", 0, func(next *Snapshot) {
		next.Book = newBook
		next.Phase = PhaseCreating
		next.GeneratedChapters = 0
		next.Error = ""
	})
	return nil
}

// PatchCover records the outcome of cover generation. A nil or empty image
// leaves the cover unavailable; IsGeneratingCover is cleared either way.
func (s *Store) PatchCover(gen uint64, image *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(gen); err != nil {
		return err
	}
	if s.snap.Book == nil {
		return ErrNoBook
	}
	updated := s.snap.Book.clone()
	if image != nil && *image != "" {
		img := *image
		updated.CoverImageBase64 = &img
	}
	updated.IsGeneratingCover = false
	s.commitLocked("patch_cover", 0, func(next *Snapshot) {
		next.Book = updated
	})
	return nil
}

// PatchChapterStatus moves the chapter at pos to status and, when content is
// non-nil, replaces its content in the same patch. Completing a chapter also
// bumps the generated counter.
func (s *Store) PatchChapterStatus(gen uint64, pos int, status Status, content *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(gen); err != nil {
		return err
	}
	if s.snap.Book == nil {
		return ErrNoBook
	}
	if pos < 0 || pos >= len(s.snap.Book.Chapters) {
		return ErrChapterOutOfRange
	}
	current := s.snap.Book.Chapters[pos]
	if !current.Status.CanTransition(status) {
		return newErrIllegalTransition(current.Status, status)
	}
	updated := s.snap.Book.clone()
	updated.Chapters[pos].Status = status
	if content != nil {
		updated.Chapters[pos].Content = *content
	}
	s.commitLocked("patch_chapter_status", current.ID, func(next *Snapshot) {
		next.Book = updated
		if status == StatusCompleted {
			next.GeneratedChapters++
		}
	})
	return nil
}

// SelectChapter sets the reading selection on behalf of a user. Zero selects
// the overview.
func (s *Store) SelectChapter(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectLocked(id)
}

// SelectChapterFor is SelectChapter guarded by a generation token.
func (s *Store) SelectChapterFor(gen uint64, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(gen); err != nil {
		return err
	}
	return s.selectLocked(id)
}

// Finish marks the chapter loop of gen as done.
func (s *Store) Finish(gen uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(gen); err != nil {
		return err
	}
	if s.snap.Book == nil {
		return ErrNoBook
	}
	s.commitLocked("finish", 0, func(next *Snapshot) {
		next.Phase = PhaseFinished
	})
	return nil
}

// Abort ends gen early. The chapter being written moves to error with
// content, the cover flag is cleared and the phase becomes finished so
// readers stop waiting. Pending chapters stay pending. Without a book the
// session returns to idle.
func (s *Store) Abort(gen uint64, msg, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(gen); err != nil {
		return err
	}
	if s.snap.Book == nil {
		s.commitLocked("abort", 0, func(next *Snapshot) {
			next.Phase = PhaseIdle
			next.Error = msg
		})
		return nil
	}
	updated := s.snap.Book.clone()
	updated.IsGeneratingCover = false
	for i := range updated.Chapters {
		if updated.Chapters[i].Status == StatusGenerating {
			updated.Chapters[i].Status = StatusError
			updated.Chapters[i].Content = content
		}
	}
	s.commitLocked("abort", 0, func(next *Snapshot) {
		next.Book = updated
		next.Phase = PhaseFinished
		next.Error = msg
	})
	return nil
}

func (s *Store) selectLocked(id int) error {
	if id != 0 {
		if s.snap.Book == nil {
			return ErrNoBook
		}
		if _, _, ok := s.snap.Book.ChapterByID(id); !ok {
			return ErrUnknownChapter
		}
	}
	s.commitLocked("select_chapter", id, func(next *Snapshot) {
		next.SelectedChapterID = id
	})
	return nil
}

func (s *Store) checkLocked(gen uint64) error {
	if gen != s.snap.Generation {
		return ErrStaleGeneration
	}
	return nil
}

// commitLocked applies mutate to a copy of the current snapshot, publishes it
// and appends to the patch log. Callers hold s.mu.
func (s *Store) commitLocked(op string, chapterID int, mutate func(next *Snapshot)) {
	next := s.snap
	mutate(&next)
	next.Revision = s.snap.Revision + 1
	next.UpdatedAt = time.Now()
	s.snap = next

	s.history = append(s.history, PatchRecord{
		Op:         op,
		Generation: next.Generation,
		Revision:   next.Revision,
		ChapterID:  chapterID,
		At:         next.UpdatedAt,
	})
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}

	for w := range s.watchers {
		select {
		case w <- next:
		default:
			select {
			case <-w:
			default:
			}
			select {
			case w <- next:
			default:
			}
		}
	}
}
