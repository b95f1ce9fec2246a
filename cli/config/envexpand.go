// Package config handles circuitd.yaml loading for circuitd serve.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
)

// envVarPattern matches ${VAR}, ${VAR:-default} and ${VAR:?message},
// optionally escaped with a second leading $.
var envVarPattern = regexp.MustCompile(`\$?\$\{([A-Za-z_][A-Za-z0-9_]*)(?:(:-|:\?)([^}]*))?\}`)

// ExpandEnv replaces variable references in input:
//   - ${VAR} expands to the value, or empty string if unset
//   - ${VAR:-default} expands to the value, or default if unset/empty
//   - ${VAR:?message} expands to the value; unset/empty is an error
//   - $${VAR} is left as the literal ${VAR}
//
// Every missing required variable is reported in the returned error.
func ExpandEnv(input string) (string, error) {
	var errs []error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		if match[1] == '$' {
			return match[1:]
		}
		groups := envVarPattern.FindStringSubmatch(match)
		name, op, arg := groups[1], groups[2], groups[3]

		if value, ok := os.LookupEnv(name); ok && value != "" {
			return value
		}
		switch op {
		case ":-":
			return arg
		case ":?":
			if arg == "" {
				arg = "required"
			}
			errs = append(errs, fmt.Errorf("%s: %s", name, arg))
		}
		return ""
	})
	return out, errors.Join(errs...)
}
