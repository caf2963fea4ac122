package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rand/council/internal/config"
	"github.com/rand/council/internal/council"
	"github.com/rand/council/internal/gateway"
	"github.com/rand/council/internal/pipeline"
	"github.com/rand/council/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cannedBackend struct{}

func (cannedBackend) Generate(context.Context, []council.ChatMessage) (gateway.Completion, error) {
	return gateway.Completion{Text: "FINAL RANKING:\n1. Response A\n2. Response B\n3. Response C", Usage: council.Usage{TotalTokens: 1}}, nil
}

func cannedFactory(context.Context, council.Binding) (gateway.Backend, error) {
	return cannedBackend{}, nil
}

func testConfig(t *testing.T, backend store.Backend) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Options.DataDirectory = filepath.Join(t.TempDir(), "data")
	cfg.Storage = store.Config{Backend: backend}
	return cfg
}

func TestNew_WiresEverything(t *testing.T) {
	for _, backend := range []store.Backend{store.BackendFile, store.BackendSQLite} {
		t.Run(string(backend), func(t *testing.T) {
			cfg := testConfig(t, backend)
			a, err := New(context.Background(), cfg, Options{Factory: cannedFactory})
			require.NoError(t, err)
			t.Cleanup(func() { a.Shutdown() })

			_, err = os.Stat(cfg.Options.DataDirectory)
			require.NoError(t, err)
			assert.Same(t, cfg, a.Config())

			conv, err := a.Store.Create(context.Background(), store.NewID())
			require.NoError(t, err)

			turn, err := a.Orchestrator.Run(context.Background(), pipeline.Request{ConversationID: conv.ID, Content: "How should students document wound care?"})
			require.NoError(t, err)
			assert.Len(t, turn.Stage1, 3)
			assert.Len(t, turn.Metadata.AggregateRanking, 3)
			assert.False(t, turn.Stage3.Placeholder)
			// Three answers, three rankings, the chairman and the title.
			assert.Equal(t, 8, a.Gateway.Budget().State().Calls)

			srv, err := a.Server()
			require.NoError(t, err)
			assert.NotNil(t, srv.Handler())
		})
	}
}

func TestNew_MissingKeysFailPerMember(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "")
	cfg := testConfig(t, store.BackendFile)
	a, err := New(context.Background(), cfg, Options{})
	require.NoError(t, err)
	defer a.Shutdown()

	conv, err := a.Store.Create(context.Background(), store.NewID())
	require.NoError(t, err)
	turn, err := a.Orchestrator.Run(context.Background(), pipeline.Request{ConversationID: conv.ID, Content: "q"})
	require.NoError(t, err)
	for _, r := range turn.Stage1 {
		assert.False(t, r.OK())
		assert.Contains(t, r.Error, "OPENROUTER_API_KEY")
	}
	assert.True(t, turn.Stage3.Placeholder)
}

func TestShutdownIsIdempotent(t *testing.T) {
	cfg := testConfig(t, store.BackendSQLite)
	a, err := New(context.Background(), cfg, Options{Factory: cannedFactory})
	require.NoError(t, err)
	require.NoError(t, a.Shutdown())
	require.NoError(t, a.Shutdown())
}

func TestNew_ExternalStoreIsNotClosed(t *testing.T) {
	st, err := store.NewSQLiteStore(store.SQLiteOptions{})
	require.NoError(t, err)
	defer st.Close()

	a, err := New(context.Background(), testConfig(t, store.BackendFile), Options{Factory: cannedFactory, Store: st})
	require.NoError(t, err)
	require.NoError(t, a.Shutdown())

	_, err = st.Create(context.Background(), "still-open")
	assert.NoError(t, err)
}
