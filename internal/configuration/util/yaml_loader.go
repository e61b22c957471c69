package util

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

var ErrConfigNotFound = errors.New("config file not found")

// LoadAndExpandYaml reads <baseDir>/<name>.yml (falling back to .yaml) and
// expands environment references in it.
func LoadAndExpandYaml(baseDir, name string) ([]byte, error) {
	var raw []byte
	var err error

	for _, ext := range []string{".yml", ".yaml"} {
		raw, err = os.ReadFile(filepath.Join(baseDir, name+ext))
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s%s: %w", name, ext, err)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s.yml in %s", ErrConfigNotFound, name, baseDir)
	}

	expanded, err := ExpandEnvStrict(string(raw))
	if err != nil {
		return nil, fmt.Errorf("expand %s: %w", name, err)
	}

	return []byte(expanded), nil
}
