package docker

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/aesterisk/aesterisk/internal/packet"
)

// ValidateEnvs checks the provided environment values against their typed
// definitions and returns the key=value pairs for the container. A missing
// required key fails the whole server; a missing optional key is skipped.
// All provided values are passed through, including ones without a
// definition.
func ValidateEnvs(envs []packet.Env, defs []packet.EnvDef) ([]string, error) {
	byKey := make(map[string]packet.Env, len(envs))
	for _, env := range envs {
		byKey[env.Key] = env
	}

	for _, def := range defs {
		env, ok := byKey[def.Key]
		exists := ok && env.Value != ""

		if def.Required && !exists {
			return nil, fmt.Errorf("missing required env: %s", def.Key)
		}

		if !exists {
			continue
		}

		if err := validateEnvValue(env.Value, def); err != nil {
			return nil, err
		}
	}

	out := make([]string, 0, len(byKey))
	for _, env := range byKey {
		out = append(out, env.Key+"="+env.Value)
	}

	return out, nil
}

func validateEnvValue(value string, def packet.EnvDef) error {
	switch def.Type {
	case packet.EnvBoolean:
		if value != "1" && value != "0" {
			return fmt.Errorf("invalid value for %s: '%s' is not a boolean value", def.Key, value)
		}

	case packet.EnvNumber:
		num, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid value for %s: '%s' is not a number", def.Key, value)
		}
		if def.Min != nil && num < *def.Min {
			return fmt.Errorf("invalid value for %s: '%s' is below the minimum value", def.Key, value)
		}
		if def.Max != nil && num > *def.Max {
			return fmt.Errorf("invalid value for %s: '%s' is above the maximum value", def.Key, value)
		}

	case packet.EnvString:
		checked := value
		if def.Trim {
			checked = strings.TrimSpace(checked)
		}

		if def.Regex != nil {
			re, err := regexp.Compile(*def.Regex)
			if err != nil {
				return fmt.Errorf("invalid regex for %s: %w", def.Key, err)
			}
			if !re.MatchString(checked) {
				return fmt.Errorf("invalid value for %s: '%s' does not match regex", def.Key, value)
			}
		}

		length := int64(len(checked))
		if def.Min != nil && length < *def.Min {
			return fmt.Errorf("invalid value for %s: '%s' is below the minimum length", def.Key, value)
		}
		if def.Max != nil && length > *def.Max {
			return fmt.Errorf("invalid value for %s: '%s' is above the maximum length", def.Key, value)
		}

	default:
		return fmt.Errorf("unknown env type for %s: %d", def.Key, def.Type)
	}

	return nil
}

// NormalizeHostPath resolves a declared mount host path against the
// server's data root. The path is treated as relative to the root (a
// leading / is stripped), and parent-dir components pop a prior normal
// component without ever crossing the root. The second return is false
// when the resolved path escapes the data root; such mounts are dropped.
func NormalizeHostPath(dataRoot, hostPath string) (string, bool) {
	safe := strings.TrimPrefix(hostPath, "/")
	joined := dataRoot + "/" + safe

	var components []string
	for _, component := range strings.Split(joined, "/") {
		switch component {
		case "", ".":
			// skip
		case "..":
			if len(components) > 0 && components[len(components)-1] != ".." {
				components = components[:len(components)-1]
			} else {
				components = append(components, component)
			}
		default:
			components = append(components, component)
		}
	}

	resolved := strings.Join(components, "/")
	if strings.HasPrefix(joined, "/") {
		resolved = "/" + resolved
	}

	root := path.Clean(dataRoot)
	if resolved != root && !strings.HasPrefix(resolved, root+"/") {
		return "", false
	}

	return resolved, true
}

// ServerDataRoot is the per-server directory bind mounts resolve under.
func ServerDataRoot(dataRoot string, serverID uint32) string {
	return path.Join(dataRoot, strconv.FormatUint(uint64(serverID), 10))
}
