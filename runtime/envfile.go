package runtime

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadEnvDirectory reads every file in dir as a dotenv file and merges them
// in file name order, later files winning. Blank lines and # comments are
// ignored, an optional "export " prefix is dropped and quotes are removed
// from values. A missing directory yields an empty map.
func LoadEnvDirectory(dir string) (map[string]string, error) {
	env := map[string]string{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return env, nil
		}
		return nil, NewConfigurationError(fmt.Sprintf("failed to list env directory %s", dir), err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		values, err := godotenv.Read(path)
		if err != nil {
			return nil, NewConfigurationError(fmt.Sprintf("failed to parse env file %s", path), err)
		}
		for k, v := range values {
			if !envNamePattern.MatchString(k) {
				return nil, NewConfigurationError(fmt.Sprintf("%s: invalid variable name %q", path, k), nil)
			}
			env[k] = v
		}
	}
	return env, nil
}
