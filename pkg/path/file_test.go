package path

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lockSettings struct {
	Address string `yaml:"address" validate:"required"`
	TTL     string `yaml:"ttl"`
}

func TestReadYaml(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    lockSettings
		wantErr bool
	}{
		{
			name:    "valid file",
			content: "address: localhost:6379\nttl: 30s\n",
			want:    lockSettings{Address: "localhost:6379", TTL: "30s"},
		},
		{
			name:    "missing required field",
			content: "ttl: 30s\n",
			wantErr: true,
		},
		{
			name:    "unknown key",
			content: "address: localhost:6379\nttl: 30s\nretries: 3\n",
			wantErr: true,
		},
		{
			name:    "broken yaml",
			content: "address: [",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			fs := afero.NewMemMapFs()
			require.NoError(t, afero.WriteFile(fs, "/lock.yml", []byte(tt.content), 0o644))

			var got lockSettings
			err := ReadYaml(fs, "/lock.yml", &got)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadYaml_DescribesValidationErrors(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/lock.yml", []byte("ttl: 30s\n"), 0o644))

	var got lockSettings
	err := ReadYaml(fs, "/lock.yml", &got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'Address' is required")
}

func TestReadYaml_MissingFile(t *testing.T) {
	t.Parallel()

	var got lockSettings
	err := ReadYaml(afero.NewMemMapFs(), "/nope.yml", &got)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read file /nope.yml")
}

func TestWriteYaml(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	require.NoError(t, WriteYaml(fs, "/out.yml", lockSettings{Address: "redis:6379"}))

	var got lockSettings
	require.NoError(t, ReadYaml(fs, "/out.yml", &got))
	assert.Equal(t, "redis:6379", got.Address)
}

func TestFindFiles(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	for _, p := range []string{
		"/project/gold/pipeline.yml",
		"/project/silver/pipeline.yaml",
		"/project/silver/data/events.ndjson",
		"/project/.venv/lib/pipeline.yml",
		"/project/node_modules/x/pipeline.yml",
	} {
		require.NoError(t, afero.WriteFile(fs, p, []byte("name: x"), 0o644))
	}

	got, err := FindFiles(fs, "/project", []string{"pipeline.yml", "pipeline.yaml"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/project/gold/pipeline.yml", "/project/silver/pipeline.yaml"}, got)
}
