package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads environment variables from .env-like files.
// Existing process environment variables keep precedence, and earlier files
// win over later ones.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			continue
		}
		if _, err := os.Stat(trimmed); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(trimmed); err != nil {
			return err
		}
	}
	return nil
}
