package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/statecrawler/internal/session"
)

type mockRunner struct {
	mock.Mock
}

func (m *mockRunner) Run(ctx context.Context, name string, args []string, env []string) ([]byte, error) {
	a := m.Called(ctx, name, args, env)
	out, _ := a.Get(0).([]byte)
	return out, a.Error(1)
}

func newStore(t *testing.T) *session.Store {
	t.Helper()
	dir := t.TempDir()
	return session.NewStore(filepath.Join(dir, "session.json"), filepath.Join(dir, "state.json"))
}

func TestPublicUserResetsSessionFiles(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	require.NoError(t, os.WriteFile(store.SnapshotPath(), []byte(`{"token":"old"}`), 0o600))
	runner := &mockRunner{}
	a := New(Config{Command: []string{"node", "auth.js"}}, store, WithRunner(runner))

	require.NoError(t, a.Authenticate(context.Background(), Credentials{User: PublicUser}))

	raw, err := os.ReadFile(store.SnapshotPath())
	require.NoError(t, err)
	assert.Equal(t, `""`, string(raw))
	snap, err := store.LoadSnapshot()
	require.NoError(t, err)
	assert.Empty(t, snap)

	state, err := os.ReadFile(store.StatePath())
	require.NoError(t, err)
	assert.JSONEq(t, `{"cookies":[],"origins":[]}`, string(state))
	runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRunsCommandWithCredentials(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	runner := &mockRunner{}
	runner.On("Run", mock.Anything, "node", []string{"auth.js", "alice", "s3cret"}, mock.MatchedBy(func(env []string) bool {
		return assert.ObjectsAreEqual(env, []string{
			"STATECRAWLER_USER=alice",
			"STATECRAWLER_PASS=s3cret",
			"STATECRAWLER_STATE_PATH=" + store.StatePath(),
			"STATECRAWLER_SESSION_PATH=" + store.SnapshotPath(),
		})
	})).Return([]byte("logged in\n\nstorage written\n"), nil).Once()

	core, logs := observer.New(zapcore.DebugLevel)
	a := New(Config{Command: []string{"node", "auth.js"}}, store, WithRunner(runner), WithLogger(zap.New(core)))

	require.NoError(t, a.Authenticate(context.Background(), Credentials{User: "alice", Pass: "s3cret"}))
	runner.AssertExpectations(t)
	assert.Equal(t, 2, logs.FilterMessage("auth output").Len())
}

func TestCommandFailure(t *testing.T) {
	t.Parallel()

	runner := &mockRunner{}
	runner.On("Run", mock.Anything, "./login.sh", []string{"bob", "pw"}, mock.Anything).
		Return([]byte("bad password"), errors.New("exit status 1")).Once()

	a := New(Config{Command: []string{"./login.sh"}}, newStore(t), WithRunner(runner))
	err := a.Authenticate(context.Background(), Credentials{User: "bob", Pass: "pw"})
	require.ErrorContains(t, err, "exit status 1")
}

func TestNoCommandKeepsExistingFiles(t *testing.T) {
	t.Parallel()

	store := newStore(t)
	require.NoError(t, os.WriteFile(store.SnapshotPath(), []byte(`{"token":"keep"}`), 0o600))
	core, logs := observer.New(zapcore.WarnLevel)
	a := New(Config{}, store, WithLogger(zap.New(core)))

	require.NoError(t, a.Authenticate(context.Background(), Credentials{User: "carol"}))
	snap, err := store.LoadSnapshot()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"token": "keep"}, snap)
	assert.Equal(t, 1, logs.Len())
}

func TestCredentialsPublic(t *testing.T) {
	t.Parallel()

	assert.True(t, Credentials{}.Public())
	assert.True(t, Credentials{User: "public"}.Public())
	assert.False(t, Credentials{User: "admin"}.Public())
}
