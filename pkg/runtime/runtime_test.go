package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oldeucryptoboi/karnevil9/pkg/config"
	"github.com/oldeucryptoboi/karnevil9/pkg/session"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{DataDir: dir}
	cfg.Policy.AllowedPaths = []string{dir}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestRuntimeRunsDirectPlannerSession(t *testing.T) {
	cfg := testConfig(t)
	rt, err := New(cfg, Options{Planner: DirectPlanner{}})
	require.NoError(t, err)
	defer rt.Stop(context.Background())

	sess := rt.NewSession("say hello", session.ModeMock)
	require.NoError(t, rt.RunSession(context.Background(), sess))
	assert.Equal(t, session.StatusCompleted, sess.Status())

	report, err := rt.Journal.VerifyIntegrity()
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestRuntimeCreatesDataDir(t *testing.T) {
	base := t.TempDir()
	cfg := &config.Config{DataDir: filepath.Join(base, "nested", "data")}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	rt, err := New(cfg, Options{Planner: DirectPlanner{}})
	require.NoError(t, err)
	defer rt.Stop(context.Background())

	_, err = os.Stat(cfg.DataDir)
	assert.NoError(t, err)
}

func TestRuntimePreGrants(t *testing.T) {
	cfg := testConfig(t)
	cfg.Permission.PreGrants = []string{"fs:read:*"}

	rt, err := New(cfg, Options{Planner: DirectPlanner{}})
	require.NoError(t, err)
	defer rt.Stop(context.Background())

	sess := rt.NewSession("task", session.ModeMock)
	assert.True(t, rt.Perm.IsGranted("fs:read:/anything", sess.ID))
	assert.False(t, rt.Perm.IsGranted("fs:write:/anything", sess.ID))
}

func TestRuntimeRegistersBuiltinTools(t *testing.T) {
	cfg := testConfig(t)
	rt, err := New(cfg, Options{Planner: DirectPlanner{}})
	require.NoError(t, err)
	defer rt.Stop(context.Background())

	schemas := rt.Registry.Schemas()
	for _, name := range []string{"echo", "respond", "read-file", "write-file", "execute-command", "web-request"} {
		_, ok := schemas[name]
		assert.True(t, ok, "builtin %s missing", name)
	}
}
