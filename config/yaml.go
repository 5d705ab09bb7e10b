package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// parseYaml decodes exactly one yaml document, rejecting unknown keys.
func parseYaml(out interface{}, blob []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(blob))
	dec.KnownFields(true)
	err := dec.Decode(out)
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: config is empty", ErrInvalidConfig)
	}
	if err != nil {
		return fmt.Errorf("can't parse yaml: %w: %v", ErrInvalidConfig, err)
	}
	var extra yaml.Node
	if err = dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: config must contain a single yaml document", ErrInvalidConfig)
	}
	return nil
}
