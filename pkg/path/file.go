package path

import (
	"bytes"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ReadYaml decodes a YAML file into out, rejecting keys out does not declare,
// and enforces its `validate` tags.
func ReadYaml(fs afero.Fs, path string, out interface{}) error {
	buf, err := afero.ReadFile(fs, path)
	if err != nil {
		return errors.Wrapf(err, "failed to read file %s", path)
	}

	if err := ConvertYamlToObject(buf, out); err != nil {
		return errors.Wrapf(err, "invalid file %s", path)
	}
	return nil
}

func WriteYaml(fs afero.Fs, path string, content interface{}) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(content); err != nil {
		return errors.Wrap(err, "failed to marshal object to yaml")
	}
	if err := enc.Close(); err != nil {
		return errors.Wrap(err, "failed to marshal object to yaml")
	}

	if err := afero.WriteFile(fs, path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write YAML file to %s", path)
	}
	return nil
}

func ConvertYamlToObject(buf []byte, out interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	err := validate.Struct(out)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	msgs := make([]string, len(fieldErrs))
	for i, fe := range fieldErrs {
		msgs[i] = describeFieldError(fe)
	}
	return errors.New(strings.Join(msgs, "; "))
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), strings.SplitN(fe.Namespace(), ".", 2)[0]+".")
	switch fe.Tag() {
	case "required":
		return "'" + field + "' is required"
	case "required_if":
		return "'" + field + "' is required when " + strings.ReplaceAll(fe.Param(), " ", " is ")
	case "oneof":
		return "'" + field + "' must be one of: " + strings.ReplaceAll(fe.Param(), " ", ", ")
	}
	return "'" + field + "' failed the '" + fe.Tag() + "' check"
}
