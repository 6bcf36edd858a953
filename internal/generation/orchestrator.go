package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"ebookfactory/internal/book"
	"ebookfactory/internal/gateway"
	"ebookfactory/internal/metrics"
)

// environment is shared by every orchestrator of a Manager.
type environment struct {
	mu            sync.RWMutex
	gw            gateway.Gateway
	baseCtx       context.Context
	credentialKey string
	hasCredential bool
	slots         chan struct{}
	workersWG     sync.WaitGroup
}

func (e *environment) gateway() gateway.Gateway {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.gw
}

func (e *environment) baseContext() context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.baseCtx == nil {
		return context.Background()
	}
	return e.baseCtx
}

func (e *environment) tryAcquire() bool {
	select {
	case e.slots <- struct{}{}:
		metrics.ActiveGenerations.Inc()
		return true
	default:
		return false
	}
}

func (e *environment) release() {
	<-e.slots
	metrics.ActiveGenerations.Dec()
}

// run is one generation of a session.
type run struct {
	gen        uint64
	cancel     context.CancelFunc
	done       chan struct{}
	once       sync.Once
	env        *environment
	superseded atomic.Bool
}

// supersede cancels a run on behalf of a newer StartGeneration.
func (r *run) supersede() {
	r.superseded.Store(true)
	r.cancel()
}

func (r *run) finish() {
	r.once.Do(func() {
		r.cancel()
		r.env.release()
		close(r.done)
	})
}

// Orchestrator drives the outline, cover and chapter steps of one session
// and writes every result to its store.
type Orchestrator struct {
	sessionID string
	store     *book.Store
	env       *environment

	mu  sync.Mutex
	cur *run
}

// newOrchestrator returns a standalone orchestrator with a single generation
// slot. Sessions created by a Manager share the manager's slots instead.
func newOrchestrator(store *book.Store, gw gateway.Gateway, credentialConfigured bool) *Orchestrator {
	env := &environment{
		gw:            gw,
		baseCtx:       context.Background(),
		credentialKey: "API_KEY",
		hasCredential: credentialConfigured,
		slots:         make(chan struct{}, 1),
	}
	return &Orchestrator{store: store, env: env}
}

// StartGeneration plans a book for topic and, once the outline is in the
// store, starts the cover and chapter steps in the background. The previous
// run of this session, if any, is cancelled first.
func (o *Orchestrator) StartGeneration(ctx context.Context, topic string) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ErrEmptyTopic
	}
	if !o.env.hasCredential {
		o.store.ReportError(MissingCredentialMessage)
		return &ConfigError{Key: o.env.credentialKey}
	}
	gw := o.env.gateway()
	if gw == nil {
		o.store.ReportError(MissingCredentialMessage)
		return &ConfigError{Key: "gateway"}
	}

	if err := o.cancelCurrent(ctx); err != nil {
		return err
	}
	if !o.env.tryAcquire() {
		return ErrBusy
	}

	runCtx, cancel := context.WithCancel(o.env.baseContext())
	r := &run{cancel: cancel, done: make(chan struct{}), env: o.env}
	r.gen = o.store.Begin(topic)
	o.swap(r)

	logger := log.With().Str("session_id", o.sessionID).Uint64("generation", r.gen).Logger()
	logger.Info().Str("topic", topic).Msg("generation started")

	outline, err := gw.SynthesizeOutline(runCtx, topic)
	if err != nil {
		ferr := o.store.FailOutline(r.gen, OutlineFailureMessage)
		r.finish()
		if ferr != nil {
			logger.Debug().Err(ferr).Msg("outline failure not recorded")
		}
		if r.superseded.Load() {
			metrics.GenerationsTotal.WithLabelValues("superseded").Inc()
			logger.Info().Msg("outline superseded")
			return ErrSuperseded
		}
		metrics.GenerationsTotal.WithLabelValues("outline_failed").Inc()
		logger.Warn().Err(err).Msg("outline failed")
		var oe *gateway.OutlineError
		if !errors.As(err, &oe) {
			err = &gateway.OutlineError{Topic: topic, Err: err}
		}
		return err
	}

	if err := o.store.ApplyOutline(r.gen, toBookOutline(outline)); err != nil {
		r.finish()
		if errors.Is(err, book.ErrStaleGeneration) {
			metrics.GenerationsTotal.WithLabelValues("superseded").Inc()
			logger.Info().Msg("outline superseded")
			return ErrSuperseded
		}
		return fmt.Errorf("apply outline: %w", err)
	}
	snap := o.store.Snapshot()
	if snap.Generation != r.gen || snap.Book == nil {
		r.finish()
		return ErrSuperseded
	}
	logger.Info().Str("title", snap.Book.Title).Int("chapters", len(snap.Book.Chapters)).Msg("outline applied")

	o.env.workersWG.Add(1)
	go func() {
		defer o.env.workersWG.Done()
		defer r.finish()

		var g errgroup.Group
		g.Go(func() error {
			o.generateCover(runCtx, gw, r.gen, snap)
			return nil
		})
		g.Go(func() error {
			return o.generateChapters(runCtx, gw, r.gen, *snap.Book)
		})
		err := g.Wait()
		switch {
		case err == nil:
			metrics.GenerationsTotal.WithLabelValues("finished").Inc()
			logger.Info().Msg("generation finished")
			return
		case errors.Is(err, book.ErrStaleGeneration):
			metrics.GenerationsTotal.WithLabelValues("superseded").Inc()
			logger.Info().Msg("generation superseded")
			return
		case errors.Is(err, context.Canceled):
			metrics.GenerationsTotal.WithLabelValues("cancelled").Inc()
			logger.Info().Msg("generation cancelled")
		default:
			metrics.GenerationsTotal.WithLabelValues("failed").Inc()
			logger.Error().Err(err).Msg("generation stopped")
		}
		// A replacing run overwrites this on Begin; a run that is not
		// replaced must not leave the book half written.
		if aerr := o.store.Abort(r.gen, StoppedMessage, gateway.ChapterFallback); aerr != nil {
			logger.Debug().Err(aerr).Msg("abort not recorded")
		}
	}()
	return nil
}

// Wait blocks until the current run has finished or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) bool {
	o.mu.Lock()
	r := o.cur
	o.mu.Unlock()
	if r == nil {
		return true
	}
	select {
	case <-r.done:
		return true
	case <-ctx.Done():
		return false
	}
}

// Running reports whether a run of this session still holds a slot.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	r := o.cur
	o.mu.Unlock()
	if r == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

func (o *Orchestrator) cancelCurrent(ctx context.Context) error {
	o.mu.Lock()
	prev := o.cur
	o.mu.Unlock()
	if prev == nil {
		return nil
	}
	prev.supersede()
	select {
	case <-prev.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) swap(r *run) {
	o.mu.Lock()
	prev := o.cur
	o.cur = r
	o.mu.Unlock()
	if prev != nil && prev != r {
		prev.supersede()
	}
}

func (o *Orchestrator) generateCover(ctx context.Context, gw gateway.Gateway, gen uint64, snap book.Snapshot) {
	img, err := gw.SynthesizeCover(ctx, gateway.CoverRequest{
		Title:    snap.Book.Title,
		Topic:    snap.Topic,
		Audience: snap.Book.TargetAudience,
	})
	metrics.CoversTotal.WithLabelValues(metrics.Result(err)).Inc()

	var image *string
	if err != nil {
		log.Warn().Str("session_id", o.sessionID).Uint64("generation", gen).Err(err).Msg("cover failed")
	} else {
		image = &img
	}
	if err := o.store.PatchCover(gen, image); err != nil {
		log.Debug().Str("session_id", o.sessionID).Uint64("generation", gen).Err(err).Msg("cover not recorded")
	}
}

// generateChapters writes the chapters strictly one after another, in
// outline order. A stale generation stops the loop.
func (o *Orchestrator) generateChapters(ctx context.Context, gw gateway.Gateway, gen uint64, b book.Book) error {
	bookContext := ChapterContext(b.Title, b.Description)
	for pos, ch := range b.Chapters {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.store.PatchChapterStatus(gen, pos, book.StatusGenerating, nil); err != nil {
			return err
		}
		if pos == 0 {
			if err := o.store.SelectChapterFor(gen, ch.ID); err != nil {
				return err
			}
		}

		status := book.StatusCompleted
		content, err := gw.SynthesizeChapterBody(ctx, gateway.ChapterRequest{
			ChapterTitle: ch.Title,
			BookTitle:    b.Title,
			BookContext:  bookContext,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().
				Str("session_id", o.sessionID).
				Uint64("generation", gen).
				Int("chapter_id", ch.ID).
				Err(err).
				Msg("chapter failed")
			status = book.StatusError
			content = gateway.ChapterFallback
			var ce *gateway.ChapterError
			if errors.As(err, &ce) {
				content = ce.Fallback()
			}
		}
		if err := o.store.PatchChapterStatus(gen, pos, status, &content); err != nil {
			return err
		}
		metrics.ChaptersTotal.WithLabelValues(string(status)).Inc()
	}
	return o.store.Finish(gen)
}

// ChapterContext is the book summary sent with every chapter request.
func ChapterContext(title, description string) string {
	return fmt.Sprintf("Title: %s. Description: %s.", title, description)
}

func toBookOutline(o gateway.Outline) book.Outline {
	out := book.Outline{
		Title:          o.Title,
		Description:    o.Description,
		TargetAudience: o.TargetAudience,
		Chapters:       make([]book.ChapterStub, len(o.Chapters)),
	}
	for i, ch := range o.Chapters {
		out.Chapters[i] = book.ChapterStub{ID: ch.ID, Title: ch.Title, Description: ch.Description}
	}
	return out
}
