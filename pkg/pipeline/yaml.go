package pipeline

import (
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

type ParseError struct {
	Load string
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Load == "" {
		return e.Msg
	}
	return "load '" + e.Load + "': " + e.Msg
}

// LoadFromFile reads and validates a pipeline definition.
func LoadFromFile(fs afero.Fs, path string) (*Pipeline, error) {
	content, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read the pipeline file at %s", path)
	}

	var p Pipeline
	if err := yaml.Unmarshal(content, &p); err != nil {
		return nil, &ParseError{Msg: "malformed pipeline YAML: " + err.Error()}
	}

	if err := p.validate(); err != nil {
		return nil, err
	}

	return &p, nil
}
