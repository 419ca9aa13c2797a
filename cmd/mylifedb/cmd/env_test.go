package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/ai"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/config"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/db"
)

func withRoot(t *testing.T) string {
	t.Helper()
	orig := rootFlag
	t.Cleanup(func() { rootFlag = orig })
	rootFlag = t.TempDir()
	return rootFlag
}

func TestOpenEnv_CreatesDataDir(t *testing.T) {
	root := withRoot(t)

	env, err := openEnv(false)
	require.NoError(t, err)
	defer env.Close()

	assert.Equal(t, root, env.root)
	assert.DirExists(t, env.dataDir)
	assert.NotNil(t, env.store)
	assert.Nil(t, env.lock)
}

func TestOpenEnv_ExclusiveTakesLock(t *testing.T) {
	withRoot(t)

	env, err := openEnv(true)
	require.NoError(t, err)
	defer env.Close()

	require.NotNil(t, env.lock)

	// A second exclusive open must fail while the lock is held.
	_, err = openEnv(true)
	assert.Error(t, err)
}

func TestBuildRegistry_PipelineOrder(t *testing.T) {
	withRoot(t)

	env, err := openEnv(false)
	require.NoError(t, err)
	defer env.Close()

	registry, err := buildRegistry(env.root, env.store, ai.NewClient(config.DefaultConfig().AI), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"speech-recognition",
		"slug",
		"tags",
		digesterSearchKeyword,
		digesterSearchSemantic,
	}, registry.Names())
}

func TestSearchDigesterEngines(t *testing.T) {
	engines := searchDigesterEngines()
	assert.Equal(t, db.EngineKeyword, engines[digesterSearchKeyword])
	assert.Equal(t, db.EngineVector, engines[digesterSearchSemantic])
}
