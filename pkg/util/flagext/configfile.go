package flagext

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigFiles is a repeatable flag listing YAML config files. Later files
// override the fields set by earlier ones.
type ConfigFiles []string

func (f *ConfigFiles) String() string { return strings.Join(*f, ",") }

func (f *ConfigFiles) Set(path string) error {
	*f = append(*f, path)
	return nil
}

// IsCumulative lets kingpin accept the flag more than once.
func (f *ConfigFiles) IsCumulative() bool { return true }

// Apply decodes every file into dst in order. Unknown fields are errors and
// empty files are skipped.
func (f ConfigFiles) Apply(dst any) error {
	for _, path := range f {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}

		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	return nil
}
