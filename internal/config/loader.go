package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// LoadFromEnv merges ./.env, if present, without overriding set variables.
func LoadFromEnv(chainFile string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return Load(FromEnviron(), chainFile)
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}
