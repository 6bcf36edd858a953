package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"ebookfactory/internal/book"
	"ebookfactory/internal/cover"
	"ebookfactory/internal/export"
	"ebookfactory/internal/gateway"
	"ebookfactory/internal/generation"
	"ebookfactory/internal/markdown"
)

type Options struct {
	DataDir          string
	ExpectedChapters int
}

type API struct {
	manager          *generation.Manager
	dataDir          string
	expectedChapters int
}

func NewAPI(manager *generation.Manager, opts Options) *API {
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	if opts.ExpectedChapters <= 0 {
		opts.ExpectedChapters = gateway.RequestedChapters
	}
	return &API{manager: manager, dataDir: opts.DataDir, expectedChapters: opts.ExpectedChapters}
}

type createSessionResponse struct {
	SessionID string     `json:"session_id"`
	Phase     book.Phase `json:"phase"`
}

type generateRequest struct {
	Topic string `json:"topic"`
}

type selectionRequest struct {
	ChapterID *int `json:"chapter_id" binding:"required"`
}

type chapterSummary struct {
	ID          int         `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Status      book.Status `json:"status"`
	HasContent  bool        `json:"has_content"`
}

type bookResponse struct {
	Title             string           `json:"title"`
	Description       string           `json:"description"`
	TargetAudience    string           `json:"target_audience"`
	HasCover          bool             `json:"has_cover"`
	IsGeneratingCover bool             `json:"is_generating_cover"`
	Chapters          []chapterSummary `json:"chapters"`
}

type snapshotResponse struct {
	SessionID         string        `json:"session_id"`
	Generation        uint64        `json:"generation"`
	Revision          uint64        `json:"revision"`
	Phase             book.Phase    `json:"phase"`
	Topic             string        `json:"topic,omitempty"`
	Book              *bookResponse `json:"book,omitempty"`
	SelectedChapterID int           `json:"selected_chapter_id"`
	GeneratedChapters int           `json:"generated_chapters"`
	TotalChapters     int           `json:"total_chapters"`
	FailedChapters    int           `json:"failed_chapters"`
	Running           bool          `json:"running"`
	Error             string        `json:"error,omitempty"`
	UpdatedAt         string        `json:"updated_at"`
	CoverURL          string        `json:"cover_url,omitempty"`
	ExportURL         string        `json:"export_url,omitempty"`
}

type chapterResponse struct {
	Chapter book.Chapter     `json:"chapter"`
	Blocks  []markdown.Block `json:"blocks"`
	Loading bool             `json:"loading"`
	PrevID  int              `json:"prev_id,omitempty"`
	NextID  int              `json:"next_id,omitempty"`
}

type historyResponse struct {
	SessionID string             `json:"session_id"`
	Patches   []book.PatchRecord `json:"patches"`
}

type configResponse struct {
	CredentialConfigured bool `json:"credential_configured"`
	ExpectedChapters     int  `json:"expected_chapters"`
	Busy                 bool `json:"busy"`
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", a.Health)
	api := router.Group("/api/v1")
	{
		api.GET("/config", a.GetConfig)
		api.POST("/sessions", a.CreateSession)
		api.GET("/sessions/:id", a.GetSession)
		api.POST("/sessions/:id/generate", a.Generate)
		api.PUT("/sessions/:id/selection", a.Select)
		api.GET("/sessions/:id/chapters/:chapter", a.GetChapter)
		api.GET("/sessions/:id/cover", a.GetCover)
		api.GET("/sessions/:id/events", a.Events)
		api.GET("/sessions/:id/history", a.History)
		api.GET("/sessions/:id/export", a.Export)
	}
}

func (a *API) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, configResponse{
		CredentialConfigured: a.manager.CredentialConfigured(),
		ExpectedChapters:     a.expectedChapters,
		Busy:                 a.manager.IsBusy(),
	})
}

// CreateSession opens a new idle session
func (a *API) CreateSession(c *gin.Context) {
	s := a.manager.CreateSession()
	log.Info().Str("session_id", s.ID).Msg("session created")
	c.JSON(http.StatusCreated, createSessionResponse{SessionID: s.ID, Phase: s.Store.Snapshot().Phase})
}

func (a *API) GetSession(c *gin.Context) {
	s, ok := a.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toSnapshotResponse(s, s.Store.Snapshot()))
}

// Generate plans a book for the topic. It returns once the outline is in
// place; cover and chapters continue in the background.
func (a *API) Generate(c *gin.Context) {
	id := c.Param("id")
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Str("session_id", id).Err(err).Msg("invalid generate request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	s, err := a.manager.Start(c.Request.Context(), id, req.Topic)
	if err != nil {
		status, msg := generateErrorStatus(err)
		log.Warn().Str("session_id", id).Int("status", status).Err(err).Msg("generation not started")
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusAccepted, toSnapshotResponse(s, s.Store.Snapshot()))
}

func generateErrorStatus(err error) (int, string) {
	var cfgErr *generation.ConfigError
	var outlineErr *gateway.OutlineError
	switch {
	case errors.Is(err, generation.ErrSessionNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, generation.ErrEmptyTopic):
		return http.StatusBadRequest, err.Error()
	case errors.As(err, &cfgErr):
		return http.StatusPreconditionFailed, generation.MissingCredentialMessage
	case errors.As(err, &outlineErr):
		return http.StatusBadGateway, generation.OutlineFailureMessage
	case errors.Is(err, generation.ErrBusy):
		return http.StatusServiceUnavailable, "server busy"
	case errors.Is(err, generation.ErrSuperseded):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// Select moves the reading selection; chapter_id 0 selects the overview.
func (a *API) Select(c *gin.Context) {
	s, ok := a.session(c)
	if !ok {
		return
	}
	var req selectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := s.Store.SelectChapter(*req.ChapterID); err != nil {
		switch {
		case errors.Is(err, book.ErrNoBook):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, book.ErrUnknownChapter):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	c.JSON(http.StatusOK, toSnapshotResponse(s, s.Store.Snapshot()))
}

func (a *API) GetChapter(c *gin.Context) {
	s, ok := a.session(c)
	if !ok {
		return
	}
	chapterID, err := strconv.Atoi(c.Param("chapter"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chapter id"})
		return
	}
	snap := s.Store.Snapshot()
	if snap.Book == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": book.ErrNoBook.Error()})
		return
	}
	ch, pos, found := snap.Book.ChapterByID(chapterID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": book.ErrUnknownChapter.Error()})
		return
	}
	resp := chapterResponse{
		Chapter: ch,
		Loading: chapterLoading(ch, snap.Phase),
	}
	if !resp.Loading && ch.Status != book.StatusPending {
		resp.Blocks = markdown.Render(ch.Content)
	}
	resp.PrevID, resp.NextID = neighbours(snap.Book, pos)
	c.JSON(http.StatusOK, resp)
}

// GetCover serves the cover image; ?size=thumb serves a scaled copy.
func (a *API) GetCover(c *gin.Context) {
	s, ok := a.session(c)
	if !ok {
		return
	}
	snap := s.Store.Snapshot()
	if snap.Book == nil || !snap.Book.HasCover() {
		c.JSON(http.StatusNotFound, gin.H{"error": "cover not available"})
		return
	}
	img, err := cover.Decode(*snap.Book.CoverImageBase64)
	if err != nil {
		log.Warn().Str("session_id", s.ID).Err(err).Msg("stored cover unreadable")
		c.JSON(http.StatusNotFound, gin.H{"error": "cover not available"})
		return
	}
	if c.Query("size") == "thumb" {
		if img, err = cover.Thumbnail(img); err != nil {
			log.Warn().Str("session_id", s.ID).Err(err).Msg("thumbnail failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "thumbnail failed"})
			return
		}
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, img.ContentType, img.Data)
}

// Events streams a snapshot on every state change until the client leaves.
func (a *API) Events(c *gin.Context) {
	s, ok := a.session(c)
	if !ok {
		return
	}
	updates := s.Store.Watch(c.Request.Context())
	c.Header("Cache-Control", "no-cache")
	c.Stream(func(_ io.Writer) bool {
		snap, open := <-updates
		if !open {
			return false
		}
		c.SSEvent("snapshot", toSnapshotResponse(s, snap))
		return true
	})
}

// History returns the patch log of the session, oldest first.
func (a *API) History(c *gin.Context) {
	s, ok := a.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, historyResponse{SessionID: s.ID, Patches: s.Store.History()})
}

// Export builds the zip for the current book and serves it
func (a *API) Export(c *gin.Context) {
	s, ok := a.session(c)
	if !ok {
		return
	}
	snap := s.Store.Snapshot()
	if snap.Book == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "no book to export yet"})
		return
	}
	res, err := export.Build(c.Request.Context(), a.dataDir, s.ID, snap)
	if err != nil {
		log.Error().Str("session_id", s.ID).Err(err).Msg("export failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		return
	}
	log.Info().Str("session_id", s.ID).Str("path", res.Path).Msg("serving export download")
	c.FileAttachment(res.Path, res.Filename)
}

func (a *API) session(c *gin.Context) (*generation.Session, bool) {
	id := c.Param("id")
	s, ok := a.manager.GetSession(id)
	if !ok {
		log.Warn().Str("session_id", id).Msg("session not found")
		c.JSON(http.StatusNotFound, gin.H{"error": generation.ErrSessionNotFound.Error()})
		return nil, false
	}
	return s, true
}

// chapterLoading reports whether a chapter is still expected to arrive. Once
// the run is over, unwritten chapters are shown as such instead of loading.
func chapterLoading(ch book.Chapter, phase book.Phase) bool {
	return !ch.Status.Terminal() && phase == book.PhaseCreating
}

// neighbours returns the ids of the chapters before and after pos, 0 if none.
func neighbours(b *book.Book, pos int) (prev, next int) {
	if pos > 0 {
		prev = b.Chapters[pos-1].ID
	}
	if pos+1 < len(b.Chapters) {
		next = b.Chapters[pos+1].ID
	}
	return prev, next
}

func toSnapshotResponse(s *generation.Session, snap book.Snapshot) snapshotResponse {
	sessionID := s.ID
	resp := snapshotResponse{
		SessionID:         sessionID,
		Running:           s.Orchestrator.Running(),
		Generation:        snap.Generation,
		Revision:          snap.Revision,
		Phase:             snap.Phase,
		Topic:             snap.Topic,
		SelectedChapterID: snap.SelectedChapterID,
		GeneratedChapters: snap.GeneratedChapters,
		TotalChapters:     snap.TotalChapters(),
		Error:             snap.Error,
		UpdatedAt:         snap.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if snap.Book == nil {
		return resp
	}
	b := snap.Book
	br := &bookResponse{
		Title:             b.Title,
		Description:       b.Description,
		TargetAudience:    b.TargetAudience,
		HasCover:          b.HasCover(),
		IsGeneratingCover: b.IsGeneratingCover,
		Chapters:          make([]chapterSummary, len(b.Chapters)),
	}
	for i, ch := range b.Chapters {
		br.Chapters[i] = chapterSummary{
			ID:          ch.ID,
			Title:       ch.Title,
			Description: ch.Description,
			Status:      ch.Status,
			HasContent:  ch.Content != "",
		}
	}
	resp.Book = br
	resp.FailedChapters = b.CountStatus(book.StatusError)
	base := "/api/v1/sessions/" + sessionID
	if br.HasCover {
		resp.CoverURL = base + "/cover"
	}
	resp.ExportURL = base + "/export"
	return resp
}
