package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Identity returns the stable device id, generating and persisting one on
// first run. The id keys every remote row, so it must survive reinstalls of
// the binary but not of the data directory.
func Identity(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, perr := uuid.Parse(id); perr == nil {
			return id, nil
		}
		return "", fmt.Errorf("identity file %s holds an invalid id %q", path, id)
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("read identity file: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create identity directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write identity file: %w", err)
	}
	return id, nil
}
