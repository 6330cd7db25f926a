package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/ingestcoord/internal/common/config"
	"github.com/G-Research/ingestcoord/internal/ingester/configuration"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingester.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
inFlightBytes: 32Mi
hosts:
  - host: data.example.com
    maxConcurrency: 4
    requestsPerSecond: 10
partitions:
  - partition: daily
    replace: true
    urls:
      - https://data.example.com/daily/1.csv
      - https://data.example.com/daily/2.csv
decoding:
  delimiter: ";"
`), 0o600))

	cfg, err := loadConfig([]string{path})
	require.NoError(t, err)

	assert.Equal(t, config.ByteSize(32*1024*1024), cfg.InFlightBytes)
	assert.Equal(t, configuration.Default().DefaultObjectSize, cfg.DefaultObjectSize)
	assert.True(t, cfg.GateEnabled)
	assert.Equal(t, configuration.SinkMemory, cfg.Sink)
	require.Len(t, cfg.Hosts, 1)
	assert.Equal(t, 4, cfg.Hosts[0].MaxConcurrency)
	assert.Equal(t, 10.0, cfg.Hosts[0].RequestsPerSecond)
	require.Len(t, cfg.Partitions, 1)
	assert.True(t, cfg.Partitions[0].Replace)
	assert.Len(t, cfg.Partitions[0].URLs, 2)
	assert.Equal(t, ";", cfg.Decoding.Delimiter)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := map[string]string{
		"no partitions": "inFlightBytes: 1Mi\n",
		"bad url":       "partitions:\n  - partition: p\n    urls: [\"not a url\"]\n",
		"bad sink":      "sink: s3\npartitions:\n  - partition: p\n    urls: [\"https://a.example/x\"]\n",
		"bad host":      "hosts:\n  - host: a.example\n    maxConcurrency: 0\npartitions:\n  - partition: p\n    urls: [\"https://a.example/x\"]\n",
	}
	for name, contents := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "ingester.yaml")
			require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
			_, err := loadConfig([]string{path})
			assert.Error(t, err)
		})
	}
}

func TestRootCmd_Flags(t *testing.T) {
	cmd := RootCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--config", "a.yaml,b.yaml", "--dry-run"}))

	configs, err := cmd.Flags().GetStringSlice(CustomConfigLocation)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, configs)
	dryRun, err := cmd.Flags().GetBool(DryRun)
	require.NoError(t, err)
	assert.True(t, dryRun)
}
