package runtime

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BDNK1/steprunner/runtime/expression"
	"github.com/Jeffail/gabs/v2"
)

const (
	secretFileExtension = ".json"
	secretEnvPrefix     = "SECRET_"
)

// SecretsManager materializes secrets from a directory of JSON files and
// from SECRET_-prefixed environment variables.
type SecretsManager struct {
	dir     string
	environ []string
	l       *slog.Logger
}

func NewSecretsManager(dir string, environ []string, l *slog.Logger) *SecretsManager {
	return &SecretsManager{dir: dir, environ: environ, l: l}
}

// Retrieve returns all secrets. Each <group>.json file contributes
// GROUP_FIELD entries, nested fields joined with '_', all upper-cased.
// SECRET_X=v environment variables then contribute X=v, overriding file
// entries with the same name. A missing directory contributes nothing.
func (m *SecretsManager) Retrieve() (map[string]string, error) {
	secrets := map[string]string{}

	entries, err := os.ReadDir(m.dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, NewConfigurationError(fmt.Sprintf("failed to list secrets directory %s", m.dir), err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), secretFileExtension) {
			continue
		}
		group := strings.TrimSuffix(entry.Name(), secretFileExtension)
		values, err := m.readGroup(filepath.Join(m.dir, entry.Name()), group)
		if err != nil {
			return nil, err
		}
		for k, v := range values {
			secrets[k] = v
		}
		m.l.Debug(fmt.Sprintf("Loaded %d secrets from group %s", len(values), group))
	}

	for _, kv := range m.environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, secretEnvPrefix) || k == secretEnvPrefix {
			continue
		}
		secrets[strings.TrimPrefix(k, secretEnvPrefix)] = v
	}

	return secrets, nil
}

func (m *SecretsManager) readGroup(path, group string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigurationError(fmt.Sprintf("failed to read secret file %s", path), err)
	}
	parsed, err := gabs.ParseJSON(data)
	if err != nil {
		return nil, NewConfigurationError(fmt.Sprintf("secret file %s is not valid JSON", path), err)
	}
	flat, err := parsed.Flatten()
	if err != nil {
		return nil, NewConfigurationError(fmt.Sprintf("secret file %s must contain a JSON object", path), err)
	}

	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(flat))
	for _, k := range keys {
		name := secretName(group, k)
		out[name] = expression.Stringify(flat[k])
	}
	return out, nil
}

// secretName builds GROUP_FIELD from a group and a flattened field path.
func secretName(group, path string) string {
	name := group + "_" + strings.ReplaceAll(path, ".", "_")
	return strings.ToUpper(strings.Map(func(r rune) rune {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name))
}
