// Package feedmedebug provides a mechanism to configure compatibility and
// test-only tuning parameters via the FEEDMEGODEBUG environment variable.
//
// The value of FEEDMEGODEBUG is a comma-separated list of key=value pairs.
// For example:
//
//	FEEDMEGODEBUG=dialjitter=0,reopendecrement=fast
package feedmedebug

import (
	"fmt"
	"os"
	"strings"
)

const compatibilityEnvKey = "FEEDMEGODEBUG"

var compatibilityParams map[string]string

func init() {
	var err error
	compatibilityParams, err = parseCompatibility(os.Getenv(compatibilityEnvKey))
	if err != nil {
		panic(err)
	}
}

// Value returns the value of the debug parameter with the given key.
// It returns an empty string if the key is not set.
func Value(key string) string {
	return compatibilityParams[key]
}

func parseCompatibility(envValue string) (map[string]string, error) {
	if envValue == "" {
		return nil, nil
	}

	params := make(map[string]string)
	for _, part := range strings.Split(envValue, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("FEEDMEGODEBUG: invalid format: %q", part)
		}
		params[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return params, nil
}
