package application

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfigYAML = `
server:
  addr: ":9090"
catalog:
  path: configs/facets.csv
inference:
  models:
    - id: test/small-7b
      params_b: 7
      context_window: 8192
      endpoint: http://localhost:8000/v1
      api_key: ${TEST_INFERENCE_KEY}
engine:
  default_model: test/small-7b
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("TEST_INFERENCE_KEY", "sk-local-test")

	cfg, err := LoadConfig(writeConfig(t, validConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "configs/facets.csv", cfg.Catalog.Path)
	require.Len(t, cfg.Inference.Models, 1)
	assert.Equal(t, "test/small-7b", cfg.Inference.Models[0].ID)
	assert.Equal(t, "sk-local-test", cfg.Inference.Models[0].APIKey,
		"environment references expand before parsing")
	assert.Equal(t, "test/small-7b", cfg.Engine.DefaultModel)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
catalog:
  path: facets.csv
inference:
  models:
    - id: m
      params_b: 7
      context_window: 8192
engine:
  default_model: m
`))
	require.NoError(t, err)

	assert.Equal(t, DefaultServerAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultReadTimeout, cfg.Server.ReadTimeout)
	assert.Equal(t, DefaultUnitConcurrency, cfg.Engine.UnitConcurrency)
	assert.Equal(t, DefaultBatchConcurrency, cfg.Engine.BatchConcurrency)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name     string
		contents string
	}{
		{
			name: "missing catalog path",
			contents: `
inference:
  models:
    - id: m
      params_b: 7
      context_window: 8192
engine:
  default_model: m
`,
		},
		{
			name: "no models",
			contents: `
catalog:
  path: facets.csv
engine:
  default_model: m
`,
		},
		{
			name: "missing default model",
			contents: `
catalog:
  path: facets.csv
inference:
  models:
    - id: m
      params_b: 7
      context_window: 8192
`,
		},
		{
			name:     "not yaml",
			contents: "{{{",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.contents))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestServerConfigWithDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := ServerConfig{Addr: ":7000", ReadTimeout: time.Second}.withDefaults()
	assert.Equal(t, ":7000", cfg.Addr)
	assert.Equal(t, time.Second, cfg.ReadTimeout)
	assert.Equal(t, DefaultWriteTimeout, cfg.WriteTimeout)
}
