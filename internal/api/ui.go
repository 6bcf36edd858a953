package api

import (
	"embed"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"ebookfactory/internal/book"
	"ebookfactory/internal/generation"
	"ebookfactory/internal/markdown"
)

//go:embed templates/*.html
var templatesFS embed.FS

var uiTemplates = template.Must(template.New("ui").ParseFS(templatesFS, "templates/*.html"))

type sessionLink struct {
	ID    string
	Title string
	Phase book.Phase
}

type heroView struct {
	Title            string
	Refresh          bool
	SessionID        string
	Topic            string
	Error            string
	HasCredential    bool
	Planning         bool
	ExpectedChapters int
	Sessions         []sessionLink
}

type chapterLink struct {
	ID       int
	Title    string
	Status   book.Status
	Selected bool
}

type dashboardView struct {
	Title          string
	Refresh        bool
	SessionID      string
	Error          string
	Book           *book.Book
	Chapters       []chapterLink
	SelectedID     int
	Selected       *book.Chapter
	MissingChapter bool
	Loading        bool
	NotWritten     bool
	Blocks         []markdown.Block
	PrevID         int
	NextID         int
	FirstID        int
	Generated      int
	Failed         int
	Total          int
	Finished       bool
}

// RegisterUIRoutes registers minimal HTML UI without JS
func (a *API) RegisterUIRoutes(router *gin.Engine) {
	router.SetHTMLTemplate(uiTemplates)
	router.GET("/", a.UIHome)
	router.POST("/ui/generate", a.UIGenerate)
	router.GET("/ui/sessions/:id", a.UISession)
	router.POST("/ui/sessions/:id/generate", a.UIRegenerate)
	router.POST("/ui/sessions/:id/select", a.UISelect)
}

// UIHome renders the topic form
func (a *API) UIHome(c *gin.Context) {
	c.HTML(http.StatusOK, "hero", a.heroView())
}

// UIGenerate starts a book from the topic form, reusing the session of a
// previous failed attempt when the form carries one.
func (a *API) UIGenerate(c *gin.Context) {
	topic := strings.TrimSpace(c.PostForm("topic"))
	view := a.heroView()
	view.Topic = topic

	if !a.manager.CredentialConfigured() {
		view.Error = generation.MissingCredentialMessage
		c.HTML(http.StatusPreconditionFailed, "hero", view)
		return
	}
	if topic == "" {
		view.Error = "Please enter a topic."
		c.HTML(http.StatusBadRequest, "hero", view)
		return
	}

	s, ok := a.manager.GetSession(c.PostForm("session_id"))
	if !ok {
		s = a.manager.CreateSession()
	}
	a.startFromUI(c, s, topic, view)
}

// UIRegenerate restarts an existing session with a new topic
func (a *API) UIRegenerate(c *gin.Context) {
	s, ok := a.manager.GetSession(c.Param("id"))
	if !ok {
		a.uiNotFound(c)
		return
	}
	topic := strings.TrimSpace(c.PostForm("topic"))
	if topic == "" {
		c.Redirect(http.StatusSeeOther, "/ui/sessions/"+s.ID)
		return
	}
	view := a.heroView()
	view.Topic = topic
	a.startFromUI(c, s, topic, view)
}

func (a *API) startFromUI(c *gin.Context, s *generation.Session, topic string, view heroView) {
	if _, err := a.manager.Start(c.Request.Context(), s.ID, topic); err != nil {
		status, msg := generateErrorStatus(err)
		log.Warn().Str("session_id", s.ID).Int("status", status).Err(err).Msg("ui generation not started")
		view.SessionID = s.ID
		view.Error = msg
		c.HTML(status, "hero", view)
		return
	}
	c.Redirect(http.StatusSeeOther, "/ui/sessions/"+s.ID)
}

// UISelect changes the reading selection and returns to the dashboard
func (a *API) UISelect(c *gin.Context) {
	s, ok := a.manager.GetSession(c.Param("id"))
	if !ok {
		a.uiNotFound(c)
		return
	}
	chapterID, err := strconv.Atoi(c.PostForm("chapter_id"))
	if err == nil {
		if err := s.Store.SelectChapter(chapterID); err != nil && !errors.Is(err, book.ErrUnknownChapter) {
			log.Warn().Str("session_id", s.ID).Err(err).Msg("ui select failed")
		}
	}
	c.Redirect(http.StatusSeeOther, "/ui/sessions/"+s.ID)
}

// UISession renders the dashboard, or the topic form while there is no book
func (a *API) UISession(c *gin.Context) {
	s, ok := a.manager.GetSession(c.Param("id"))
	if !ok {
		a.uiNotFound(c)
		return
	}
	snap := s.Store.Snapshot()
	if snap.Book == nil || !snap.Phase.ShowsDashboard() {
		view := a.heroView()
		view.SessionID = s.ID
		view.Topic = snap.Topic
		view.Error = snap.Error
		view.Planning = snap.Phase == book.PhasePlanning
		view.Refresh = view.Planning
		c.HTML(http.StatusOK, "hero", view)
		return
	}
	c.HTML(http.StatusOK, "dashboard", buildDashboard(s.ID, snap))
}

func (a *API) uiNotFound(c *gin.Context) {
	view := a.heroView()
	view.Error = "session not found"
	c.HTML(http.StatusNotFound, "hero", view)
}

func (a *API) heroView() heroView {
	view := heroView{
		HasCredential:    a.manager.CredentialConfigured(),
		ExpectedChapters: a.expectedChapters,
	}
	for _, s := range a.manager.Sessions() {
		snap := s.Store.Snapshot()
		if snap.Book == nil {
			continue
		}
		view.Sessions = append(view.Sessions, sessionLink{ID: s.ID, Title: snap.Book.Title, Phase: snap.Phase})
	}
	return view
}

func buildDashboard(sessionID string, snap book.Snapshot) dashboardView {
	b := snap.Book
	view := dashboardView{
		Title:      b.Title,
		Refresh:    snap.Phase == book.PhaseCreating || b.IsGeneratingCover,
		SessionID:  sessionID,
		Error:      snap.Error,
		Book:       b,
		Chapters:   make([]chapterLink, len(b.Chapters)),
		SelectedID: snap.SelectedChapterID,
		Generated:  snap.GeneratedChapters,
		Failed:     b.CountStatus(book.StatusError),
		Total:      snap.TotalChapters(),
		Finished:   snap.Phase == book.PhaseFinished,
	}
	if len(b.Chapters) > 0 {
		view.FirstID = b.Chapters[0].ID
	}
	for i, ch := range b.Chapters {
		view.Chapters[i] = chapterLink{ID: ch.ID, Title: ch.Title, Status: ch.Status, Selected: ch.ID == snap.SelectedChapterID}
	}
	if snap.SelectedChapterID == 0 {
		return view
	}
	ch, pos, found := b.ChapterByID(snap.SelectedChapterID)
	if !found {
		view.MissingChapter = true
		return view
	}
	view.Selected = &ch
	view.Loading = chapterLoading(ch, snap.Phase)
	view.NotWritten = !view.Loading && ch.Status == book.StatusPending
	if !view.Loading && !view.NotWritten {
		view.Blocks = markdown.Render(ch.Content)
	}
	view.PrevID, view.NextID = neighbours(b, pos)
	return view
}
