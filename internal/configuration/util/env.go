package util

import (
	"fmt"
	"os"
	"regexp"
)

var envVarPattern = regexp.MustCompile(`\${([^}]+)}`)

// ExpandEnvStrict expands ${VAR} references and fails on the first variable
// that is not set, instead of silently substituting an empty string.
func ExpandEnvStrict(s string) (string, error) {
	for _, m := range envVarPattern.FindAllStringSubmatch(s, -1) {
		if _, ok := os.LookupEnv(m[1]); !ok {
			return "", fmt.Errorf("environment variable %s is not set", m[1])
		}
	}

	return os.Expand(s, func(name string) string {
		return os.Getenv(name)
	}), nil
}
