package job

import (
	"encoding/json"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

var PipelineFileNames = []string{"pipeline.yml", "pipeline.yaml"}

// LoadPipeline reads a pipeline definition, checks it against the pipeline
// JSON schema and fills the job defaults.
func LoadPipeline(fs afero.Fs, path string) (*Pipeline, error) {
	buf, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read pipeline file %s", path)
	}

	if err := ValidateDocument(buf); err != nil {
		return nil, errors.Wrapf(err, "invalid pipeline file %s", path)
	}

	var p Pipeline
	if err := yaml.Unmarshal(buf, &p); err != nil {
		return nil, errors.Wrapf(err, "failed to parse pipeline file %s", path)
	}
	p.path = path

	return &p, nil
}

// FindPipelineFile returns the first pipeline definition found in a directory.
func FindPipelineFile(fs afero.Fs, dir string) (string, error) {
	for _, name := range PipelineFileNames {
		candidate := strings.TrimSuffix(dir, "/") + "/" + name
		if ok, _ := afero.Exists(fs, candidate); ok {
			return candidate, nil
		}
	}
	return "", errors.Errorf("no pipeline file (%s) found in '%s'", strings.Join(PipelineFileNames, ", "), dir)
}

// Schema returns the JSON schema of a pipeline file.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		FieldNameTag:               "yaml",
		RequiredFromJSONSchemaTags: true,
		DoNotReference:             true,
	}
	return r.Reflect(&Pipeline{})
}

// ValidateDocument checks a YAML pipeline document against the schema and
// reports every violation at once.
func ValidateDocument(buf []byte) error {
	var doc any
	if err := yaml.Unmarshal(buf, &doc); err != nil {
		return errors.Wrap(err, "failed to parse YAML")
	}
	if doc == nil {
		return errors.New("the document is empty")
	}

	schema := Schema()
	schema.Version = "http://json-schema.org/draft-07/schema#"
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return errors.Wrap(err, "failed to build pipeline schema")
	}

	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schemaBytes), gojsonschema.NewGoLoader(doc))
	if err != nil {
		return errors.Wrap(err, "failed to validate document")
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return errors.New(strings.Join(msgs, "; "))
}
