package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateIdentity returns the device identity. A configured identity
// wins; otherwise the one stored at path is used, and on first run a new
// "device-xxxxxxxx" identity is generated and written there.
func LoadOrCreateIdentity(path, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("read identity %s: %w", path, err)
	}

	id := "device-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create identity dir: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write identity %s: %w", path, err)
	}

	log.Info().Str("device_id", id).Str("path", path).Msg("Generated device identity")

	return id, nil
}
