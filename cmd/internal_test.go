package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintParsedPipeline(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "pipeline.yml")
	require.NoError(t, os.WriteFile(file, []byte(validPipeline), 0o600))

	resolved, err := resolvePipelinePath(dir)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, printParsedPipeline(&buf, resolved))

	var got struct {
		Name string `json:"name"`
		Jobs []struct {
			Name          string `json:"name"`
			Target        string `json:"target"`
			Connection    string `json:"connection"`
			RescuedColumn string `json:"rescued_data_column"`
			Retries       int    `json:"max_retries"`
		} `json:"jobs"`
		Issues []string `json:"issues"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))

	assert.Equal(t, "gold", got.Name)
	require.Len(t, got.Jobs, 1)
	assert.Equal(t, "dim_user", got.Jobs[0].Target)
	assert.Equal(t, "warehouse", got.Jobs[0].Connection)
	assert.Equal(t, "_rescued_data", got.Jobs[0].RescuedColumn)
	assert.Equal(t, 3, got.Jobs[0].Retries)
	assert.Empty(t, got.Issues)
}
