package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/decksync/internal/auth"
	"github.com/mesh-intelligence/decksync/internal/server"
	"github.com/mesh-intelligence/decksync/internal/sqlite"
	"github.com/mesh-intelligence/decksync/pkg/types"
)

type device struct {
	configDir string
	dataDir   string
}

func newDevice(t *testing.T) device {
	t.Helper()
	return device{configDir: t.TempDir(), dataDir: filepath.Join(t.TempDir(), "collection")}
}

// run executes the command tree with args against d and returns stdout.
func (d device) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	flags = rootFlags{}
	app = env{}
	var out, errOut bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--config-dir", d.configDir, "--data-dir", d.dataDir}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (d device) config(t *testing.T) map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(d.configDir, "config.yaml"))
	require.NoError(t, err)
	doc := map[string]any{}
	require.NoError(t, yaml.Unmarshal(data, &doc))
	return doc
}

func TestVersion(t *testing.T) {
	out, err := newDevice(t).run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "decksync v"+Version)
	assert.Contains(t, out, "protocol: 1")
}

func TestInit(t *testing.T) {
	d := newDevice(t)
	out, err := d.run(t, "init", "--server", "http://sync.example", "--username", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "Collection initialized")
	assert.FileExists(t, filepath.Join(d.dataDir, sqlite.CollectionFile))
	assert.DirExists(t, filepath.Join(d.dataDir, "media"))

	syncCfg := d.config(t)["sync"].(map[string]any)
	id := syncCfg["client_id"]
	require.NotEmpty(t, id)
	assert.Equal(t, "http://sync.example", syncCfg["server_url"])
	assert.Equal(t, "alice", syncCfg["username"])
	assert.Equal(t, "remote", syncCfg["tie_break"], "defaults written on first run survive")

	_, err = d.run(t, "init")
	require.NoError(t, err)
	assert.Equal(t, id, d.config(t)["sync"].(map[string]any)["client_id"], "init keeps the client id")
}

func TestInvalidConfig(t *testing.T) {
	d := newDevice(t)
	require.NoError(t, os.WriteFile(filepath.Join(d.configDir, "config.yaml"), []byte("sync:\n  tie_break: coin-flip\n"), 0o600))
	_, err := d.run(t, "status")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTieBreakUnknown)
	assert.Equal(t, exitUserError, exitCode(err))
}

func TestSyncNeedsServer(t *testing.T) {
	d := newDevice(t)
	_, err := d.run(t, "init")
	require.NoError(t, err)
	_, err = d.run(t, "sync")
	require.Error(t, err)
	assert.Equal(t, exitUserError, exitCode(err))

	_, err = d.run(t, "sync", "--full-upload", "--full-download")
	assert.Error(t, err)
}

func TestStatusJSON(t *testing.T) {
	d := newDevice(t)
	_, err := d.run(t, "init")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(d.dataDir, "media", "cat.jpg"), []byte("meow"), 0o644))

	out, err := d.run(t, "--json", "status")
	require.NoError(t, err)
	var st status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.True(t, st.Empty)
	assert.Zero(t, st.LastSync)
	assert.Equal(t, 1, st.Media)
	assert.Equal(t, 1, st.MediaDirty)
}

func TestMediaScan(t *testing.T) {
	d := newDevice(t)
	_, err := d.run(t, "init")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(d.dataDir, "media", "a.png"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(d.dataDir, "media", "empty.png"), nil, 0o644))

	out, err := d.run(t, "media", "scan")
	require.NoError(t, err)
	assert.Contains(t, out, "1 added, 0 changed, 0 removed")
}

func TestUserAdd(t *testing.T) {
	d := newDevice(t)
	t.Setenv(EnvPassword, "correct horse")
	_, err := d.run(t, "user", "add", "Alice")
	require.NoError(t, err)

	users := d.config(t)["server"].(map[string]any)["users"].(map[string]any)
	hash, ok := users["alice"].(string)
	require.True(t, ok)
	accounts := auth.NewAccounts(map[string]string{"alice": hash})
	assert.NoError(t, accounts.Verify("alice", "correct horse"))

	_, err = d.run(t, "user", "add", "../root")
	assert.Error(t, err)
}

func TestSyncAgainstServer(t *testing.T) {
	hash, err := auth.HashSecret("correct horse")
	require.NoError(t, err)
	srv, err := server.New(types.ServerConfig{
		DataDir:   t.TempDir(),
		JWTSecret: "test-secret",
		Users:     map[string]string{"alice": hash},
	})
	require.NoError(t, err)
	ts := httptest.NewServer(server.NewRouter(srv))
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	t.Setenv(EnvPassword, "correct horse")

	laptop, phone := newDevice(t), newDevice(t)
	for _, d := range []device{laptop, phone} {
		_, err := d.run(t, "init", "--server", ts.URL, "--username", "alice")
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(laptop.dataDir, "media", "cat.jpg"), []byte("meow"), 0o644))

	out, err := laptop.run(t, "--json", "sync")
	require.NoError(t, err)
	var rep syncReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, "success", rep.Outcome)
	assert.Equal(t, 1, rep.MediaUp)

	out, err = phone.run(t, "--json", "sync")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, 1, rep.MediaDown)
	got, err := os.ReadFile(filepath.Join(phone.dataDir, "media", "cat.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "meow", string(got))

	t.Run("wrong password", func(t *testing.T) {
		t.Setenv(EnvPassword, "wrong")
		_, err := laptop.run(t, "sync")
		var se *types.SyncError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, types.KindAuth, se.Kind)
		assert.Equal(t, exitUserError, exitCode(err))
	})
}
