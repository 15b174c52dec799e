package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const legacyJSON = `{
  "types": ["Baidu", "Ruten"],
  "container": [
    {"id": 1, "typeId": 0, "nickname": "MMD Teiba", "list": [
      {"id": 1, "title": "a", "href": "https://b/1", "img": "https://b/1.png", "isNoticed": true},
      {"id": 2, "title": "b", "href": "https://b/2", "img": "https://b/2.png", "isNoticed": false},
      {"id": 3, "title": "b", "href": "https://b/2", "img": "https://b/2.png", "isNoticed": false},
      {"id": 4, "title": "", "href": "https://b/3", "img": "https://b/3.png"}
    ]},
    {"id": 2, "typeId": 1, "nickname": "shop", "list": [
      {"id": 1, "title": "c", "href": "https://r/1", "img": "https://r/1.png", "isNoticed": true}
    ]}
  ]
}`

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "subscriptiondb", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"serve", "rehydrate", "migrate", "dump", "import-json"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)

	cfg := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, cfg)
	assert.Equal(t, "", cfg.DefValue)

	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	assert.NotNil(t, serve.Flags().Lookup("addr"))
	assert.NotNil(t, serve.Flags().Lookup("no-harvest"))
}

func TestParseLegacy(t *testing.T) {
	entries, err := parseLegacy(strings.NewReader(legacyJSON))
	require.NoError(t, err)
	require.Len(t, entries, 5)
	assert.Equal(t, "Baidu", entries[0].req.Type)
	assert.True(t, entries[0].isNoticed)
	assert.Equal(t, "Ruten", entries[4].req.Type)

	_, err = parseLegacy(strings.NewReader(`{"types":[],"container":[{"typeId":3,"nickname":"x","list":[]}]}`))
	assert.ErrorContains(t, err, "out of range")
}

// run executes the root command with a config pointing at dir and returns stdout.
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cfgPath := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		body := "database:\n  dsn: " + filepath.Join(dir, "data", "subs.db") + "\nengine:\n  migrate_threshold: 0\n"
		require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))
	}

	cmd := NewRootCommand()
	var out, logs bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&logs)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestImportDumpMigrate(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "container.json")
	require.NoError(t, os.WriteFile(legacy, []byte(legacyJSON), 0o600))

	out, err := run(t, dir, "import-json", legacy)
	require.NoError(t, err)
	assert.Equal(t, "accepted=3 duplicates=1 rejected=1 noticed=2\n", out)

	out, err = run(t, dir, "import-json", legacy)
	require.NoError(t, err)
	assert.Equal(t, "accepted=0 duplicates=4 rejected=1 noticed=0\n", out, "a re-import only yields duplicates")

	out, err = run(t, dir, "dump")
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(out, "mutable["))
	assert.Contains(t, out, `types[1] = "Baidu"`)

	out, err = run(t, dir, "migrate")
	require.NoError(t, err)
	assert.Equal(t, "moved=2 active=1 archived=2\n", out)

	out, err = run(t, dir, "rehydrate")
	require.NoError(t, err)
	assert.Equal(t, "active=1 noticed=0 archived=2 types=2 migrated=false\n", out)
}

func TestImportJSON_MissingFile(t *testing.T) {
	_, err := run(t, t.TempDir(), "import-json", "/nonexistent/container.json")
	assert.ErrorContains(t, err, "open container file")
}
