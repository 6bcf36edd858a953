package generation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ebookfactory/internal/book"
)

func newTestManager(t *testing.T, gw *fakeGateway, maxConcurrent int) *Manager {
	t.Helper()
	return NewManager(gw, Options{MaxConcurrentGenerations: maxConcurrent, CredentialConfigured: true})
}

func TestManagerSessions(t *testing.T) {
	m := newTestManager(t, &fakeGateway{}, 1)
	a := m.CreateSession()
	b := m.CreateSession()
	require.NotEqual(t, a.ID, b.ID)

	got, ok := m.GetSession(a.ID)
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, book.PhaseIdle, got.Store.Snapshot().Phase)

	_, ok = m.GetSession("missing")
	assert.False(t, ok)
	assert.Len(t, m.Sessions(), 2)

	_, err := m.Start(context.Background(), "missing", "topic")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManagerBusy(t *testing.T) {
	gw := &fakeGateway{blockTitle: "Book: slow"}
	m := newTestManager(t, gw, 1)
	ctx, cancel := context.WithCancel(context.Background())
	m.SetBaseContext(ctx)

	a := m.CreateSession()
	b := m.CreateSession()

	_, err := m.Start(context.Background(), a.ID, "slow")
	require.NoError(t, err)
	assert.True(t, m.IsBusy())

	_, err = m.Start(context.Background(), b.ID, "fast")
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, book.PhaseIdle, b.Store.Snapshot().Phase)

	cancel()
	waitCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	require.True(t, m.WaitAll(waitCtx))
	assert.False(t, m.IsBusy())
	snap := a.Store.Snapshot()
	assert.Equal(t, book.PhaseFinished, snap.Phase)
	assert.Equal(t, StoppedMessage, snap.Error)
	assert.Zero(t, snap.Book.CountStatus(book.StatusGenerating))
}

func TestManagerRunsSessionsIndependently(t *testing.T) {
	gw := &fakeGateway{}
	m := newTestManager(t, gw, 2)

	a := m.CreateSession()
	b := m.CreateSession()
	_, err := m.Start(context.Background(), a.ID, "alpha")
	require.NoError(t, err)
	_, err = m.Start(context.Background(), b.ID, "beta")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.True(t, m.WaitAll(waitCtx))

	assert.Equal(t, "Book: alpha", a.Store.Snapshot().Book.Title)
	assert.Equal(t, "Book: beta", b.Store.Snapshot().Book.Title)
	assert.Equal(t, book.PhaseFinished, b.Store.Snapshot().Phase)
}

func TestManagerUseGatewayAndCredential(t *testing.T) {
	m := NewManager(nil, Options{CredentialConfigured: true})
	assert.True(t, m.CredentialConfigured())

	s := m.CreateSession()
	var ce *ConfigError
	_, err := m.Start(context.Background(), s.ID, "topic")
	require.ErrorAs(t, err, &ce)

	m.UseGateway(&fakeGateway{})
	_, err = m.Start(context.Background(), s.ID, "topic")
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.True(t, s.Orchestrator.Wait(waitCtx))
	assert.Equal(t, book.PhaseFinished, s.Store.Snapshot().Phase)
}
