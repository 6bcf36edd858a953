package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"ebookfactory/internal/book"
	"ebookfactory/internal/gateway"
	"ebookfactory/internal/generation"
)

// 1x1 PNG
const tinyPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

type stubGateway struct {
	outlineErr error
	block      bool
}

func (g *stubGateway) SynthesizeOutline(_ context.Context, topic string) (gateway.Outline, error) {
	if g.outlineErr != nil {
		return gateway.Outline{}, g.outlineErr
	}
	out := gateway.Outline{Title: "Mastering " + topic, Description: "Sell it", TargetAudience: "Beginners"}
	for i := 1; i <= 3; i++ {
		out.Chapters = append(out.Chapters, gateway.ChapterStub{ID: i, Title: fmt.Sprintf("Part %d", i)})
	}
	return out, nil
}

func (g *stubGateway) SynthesizeCover(context.Context, gateway.CoverRequest) (string, error) {
	return tinyPNG, nil
}

func (g *stubGateway) SynthesizeChapterBody(ctx context.Context, req gateway.ChapterRequest) (string, error) {
	if g.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return "## " + req.ChapterTitle + "\n- **key** point\nPlain text", nil
}

// streamRecorder adds the CloseNotifier that gin's Stream requires.
type streamRecorder struct {
	*httptest.ResponseRecorder
}

func (streamRecorder) CloseNotify() <-chan bool { return make(chan bool) }

func newTestAPI(t *testing.T, gw gateway.Gateway, opts generation.Options) (*gin.Engine, *generation.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Metrics())
	manager := generation.NewManager(gw, opts)
	apiHandler := NewAPI(manager, Options{DataDir: t.TempDir()})
	apiHandler.RegisterRoutes(router)
	apiHandler.RegisterUIRoutes(router)
	return router, manager
}

func setupRouter(t *testing.T) (*gin.Engine, *generation.Manager) {
	return newTestAPI(t, &stubGateway{}, generation.Options{MaxConcurrentGenerations: 2, CredentialConfigured: true})
}

func doJSON(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createSession(t *testing.T, router *gin.Engine) string {
	t.Helper()
	w := doJSON(router, http.MethodPost, "/api/v1/sessions", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d", http.StatusCreated, w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	id, _ := resp["session_id"].(string)
	if id == "" {
		t.Fatalf("expected non-empty session_id")
	}
	if resp["phase"] != string(book.PhaseIdle) {
		t.Fatalf("expected phase idle, got %v", resp["phase"])
	}
	return id
}

func waitFinished(t *testing.T, manager *generation.Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if !manager.WaitAll(ctx) {
		t.Fatalf("timeout waiting for generation")
	}
}

func TestCreateAndGetSession(t *testing.T) {
	router, _ := setupRouter(t)
	id := createSession(t, router)

	w := doJSON(router, http.MethodGet, "/api/v1/sessions/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"phase":"idle"`) {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}

	w = doJSON(router, http.MethodGet, "/api/v1/sessions/nope", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGenerateFullFlow(t *testing.T) {
	router, manager := setupRouter(t)
	id := createSession(t, router)

	w := doJSON(router, http.MethodPost, "/api/v1/sessions/"+id+"/generate", `{"topic":"chess"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	waitFinished(t, manager)

	w = doJSON(router, http.MethodGet, "/api/v1/sessions/"+id, "")
	var snap snapshotResponse
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.Phase != book.PhaseFinished || snap.GeneratedChapters != 3 || snap.TotalChapters != 3 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Book == nil || snap.Book.Title != "Mastering chess" || !snap.Book.HasCover {
		t.Fatalf("unexpected book: %+v", snap.Book)
	}
	if snap.Running || snap.FailedChapters != 0 {
		t.Fatalf("finished run should not be running or have failures: %+v", snap)
	}
	if snap.SelectedChapterID != 1 || snap.CoverURL == "" {
		t.Fatalf("expected first chapter selected and cover url: %+v", snap)
	}

	w = doJSON(router, http.MethodGet, "/api/v1/sessions/"+id+"/chapters/1", "")
	var ch chapterResponse
	if err := json.Unmarshal(w.Body.Bytes(), &ch); err != nil {
		t.Fatalf("unmarshal chapter: %v", err)
	}
	if ch.Loading || len(ch.Blocks) != 3 || ch.PrevID != 0 || ch.NextID != 2 {
		t.Fatalf("unexpected chapter response: %+v", ch)
	}
	if ch.Blocks[1].Kind != "bullet" {
		t.Fatalf("expected bullet block, got %+v", ch.Blocks[1])
	}

	w = doJSON(router, http.MethodGet, "/api/v1/sessions/"+id+"/chapters/9", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown chapter, got %d", w.Code)
	}

	w = doJSON(router, http.MethodGet, "/api/v1/sessions/"+id+"/cover", "")
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("unexpected cover response: %d %s", w.Code, w.Header().Get("Content-Type"))
	}
	w = doJSON(router, http.MethodGet, "/api/v1/sessions/"+id+"/cover?size=thumb", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected thumbnail, got %d", w.Code)
	}

	w = doJSON(router, http.MethodPut, "/api/v1/sessions/"+id+"/selection", `{"chapter_id":3}`)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"selected_chapter_id":3`) {
		t.Fatalf("unexpected selection response: %d %s", w.Code, w.Body.String())
	}
	w = doJSON(router, http.MethodPut, "/api/v1/sessions/"+id+"/selection", `{"chapter_id":42}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown chapter, got %d", w.Code)
	}
	w = doJSON(router, http.MethodPut, "/api/v1/sessions/"+id+"/selection", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without chapter_id, got %d", w.Code)
	}

	w = doJSON(router, http.MethodGet, "/api/v1/sessions/"+id+"/history", "")
	var hist historyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &hist); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(hist.Patches) == 0 || hist.Patches[0].Op != "begin" || hist.Patches[len(hist.Patches)-1].Op != "select_chapter" {
		t.Fatalf("unexpected history: %+v", hist.Patches)
	}

	w = doJSON(router, http.MethodGet, "/api/v1/sessions/"+id+"/export", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected export 200, got %d", w.Code)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "mastering-chess.zip") {
		t.Fatalf("unexpected content disposition %q", cd)
	}
}

func TestGenerateErrors(t *testing.T) {
	t.Run("empty topic", func(t *testing.T) {
		router, _ := setupRouter(t)
		id := createSession(t, router)
		w := doJSON(router, http.MethodPost, "/api/v1/sessions/"+id+"/generate", `{"topic":"   "}`)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", w.Code)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		router, _ := setupRouter(t)
		w := doJSON(router, http.MethodPost, "/api/v1/sessions/missing/generate", `{"topic":"x"}`)
		if w.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", w.Code)
		}
	})

	t.Run("missing credential", func(t *testing.T) {
		router, _ := newTestAPI(t, &stubGateway{}, generation.Options{CredentialConfigured: false})
		id := createSession(t, router)
		w := doJSON(router, http.MethodPost, "/api/v1/sessions/"+id+"/generate", `{"topic":"x"}`)
		if w.Code != http.StatusPreconditionFailed {
			t.Fatalf("expected 412, got %d", w.Code)
		}
		w = doJSON(router, http.MethodGet, "/api/v1/sessions/"+id, "")
		if !strings.Contains(w.Body.String(), `"phase":"idle"`) || !strings.Contains(w.Body.String(), "API key") {
			t.Fatalf("expected idle session with error, got %s", w.Body.String())
		}
	})

	t.Run("outline failure", func(t *testing.T) {
		gw := &stubGateway{outlineErr: &gateway.OutlineError{Topic: "x", Err: errors.New("garbage")}}
		router, _ := newTestAPI(t, gw, generation.Options{CredentialConfigured: true})
		id := createSession(t, router)
		w := doJSON(router, http.MethodPost, "/api/v1/sessions/"+id+"/generate", `{"topic":"x"}`)
		if w.Code != http.StatusBadGateway {
			t.Fatalf("expected 502, got %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), generation.OutlineFailureMessage) {
			t.Fatalf("expected generic failure message, got %s", w.Body.String())
		}
	})

	t.Run("busy", func(t *testing.T) {
		router, manager := newTestAPI(t, &stubGateway{block: true}, generation.Options{MaxConcurrentGenerations: 1, CredentialConfigured: true})
		ctx, cancel := context.WithCancel(context.Background())
		manager.SetBaseContext(ctx)
		defer func() {
			cancel()
			waitFinished(t, manager)
		}()

		first := createSession(t, router)
		second := createSession(t, router)
		if w := doJSON(router, http.MethodPost, "/api/v1/sessions/"+first+"/generate", `{"topic":"a"}`); w.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d", w.Code)
		}
		if w := doJSON(router, http.MethodPost, "/api/v1/sessions/"+second+"/generate", `{"topic":"b"}`); w.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", w.Code)
		}
		w := doJSON(router, http.MethodGet, "/api/v1/config", "")
		if !strings.Contains(w.Body.String(), `"busy":true`) {
			t.Fatalf("expected busy config, got %s", w.Body.String())
		}
	})
}

func TestExportWithoutBook(t *testing.T) {
	router, _ := setupRouter(t)
	id := createSession(t, router)
	w := doJSON(router, http.MethodGet, "/api/v1/sessions/"+id+"/export", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	w = doJSON(router, http.MethodGet, "/api/v1/sessions/"+id+"/cover", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 cover, got %d", w.Code)
	}
}

func TestConfigAndHealth(t *testing.T) {
	router, _ := setupRouter(t)
	w := doJSON(router, http.MethodGet, "/api/v1/config", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp configResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.CredentialConfigured || resp.ExpectedChapters != gateway.RequestedChapters {
		t.Fatalf("unexpected config: %+v", resp)
	}
	if w := doJSON(router, http.MethodGet, "/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", w.Code)
	}
}

func TestEventsStreamsSnapshots(t *testing.T) {
	router, _ := setupRouter(t)
	id := createSession(t, router)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+id+"/events", nil).WithContext(ctx)
	w := streamRecorder{httptest.NewRecorder()}
	router.ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "event:snapshot") || !strings.Contains(body, id) {
		t.Fatalf("expected snapshot event, got %q", body)
	}
}

func TestGenerateErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{generation.ErrSessionNotFound, http.StatusNotFound},
		{generation.ErrEmptyTopic, http.StatusBadRequest},
		{&generation.ConfigError{Key: "API_KEY"}, http.StatusPreconditionFailed},
		{&gateway.OutlineError{Topic: "x", Err: errors.New("bad")}, http.StatusBadGateway},
		{generation.ErrBusy, http.StatusServiceUnavailable},
		{generation.ErrSuperseded, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got, _ := generateErrorStatus(c.err); got != c.want {
			t.Fatalf("%v: expected %d, got %d", c.err, c.want, got)
		}
	}
}

func TestChapterLoading(t *testing.T) {
	pending := book.Chapter{Status: book.StatusPending}
	if !chapterLoading(pending, book.PhaseCreating) {
		t.Fatalf("pending chapter should load while creating")
	}
	if chapterLoading(pending, book.PhaseFinished) {
		t.Fatalf("pending chapter of a stopped run should not load")
	}
	if chapterLoading(book.Chapter{Status: book.StatusError}, book.PhaseCreating) {
		t.Fatalf("failed chapter should not load")
	}
}
