package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeProject(t *testing.T) (cfgPath, dbDir, data string) {
	t.Helper()
	root := t.TempDir()
	data = filepath.Join(root, "data")
	dbDir = filepath.Join(root, "db")
	for sub, h := range map[string]string{"sub-01": "180", "sub-02": "170"} {
		p := filepath.Join(data, sub, sub+"_height.json")
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(`{"height": `+h+`}`), 0o644))
	}

	cfg := fmt.Sprintf(`
db_dir: %s
log_dir: %s
run_id: cli
paths:
  list: [%s]
tables:
  subjects:
    indexer:
      name: bids
      columns:
        - name: subject
          key: sub
    extractors:
      height:
        pattern: ["*_height.json"]
        label: group_a
        loader:
          name: json
        fields:
          - name: height
            type: float64
`, dbDir, filepath.Join(root, "logs"), data)
	cfgPath = filepath.Join(root, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))
	return cfgPath, dbDir, data
}

func TestCLI(t *testing.T) {
	cfgPath, dbDir, data := writeProject(t)

	out, err := execute(t, "plan", "--config", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, data+"\n", out)

	out, err = execute(t, "run", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "run cli worker 0")
	assert.Contains(t, out, "2 total, 2 processed, 0 errors")
	assert.FileExists(t, filepath.Join(dbDir, "subjects", "cli", "0000", "0000.parquet"))

	out, err = execute(t, "run", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "already ran")

	out, err = execute(t, "status", "--db-dir", dbDir)
	require.NoError(t, err)
	assert.Contains(t, out, "runs:               cli")
	assert.Contains(t, out, "directories:        1")
	assert.Contains(t, out, "missing partitions: 0")

	_, err = execute(t, "run", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
