package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides configuration values from OFFLINENAV_* variables.
func ApplyEnv(cfg *Config) {
	set := func(key string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set("OFFLINENAV_ADDRESS", &cfg.Server.Address)
	set("OFFLINENAV_DB_PATH", &cfg.DB.Path)
	set("OFFLINENAV_OVERPASS_URL", &cfg.Endpoints.Overpass)
	set("OFFLINENAV_OSRM_URL", &cfg.Endpoints.OSRM)
	set("OFFLINENAV_NOMINATIM_URL", &cfg.Endpoints.Nominatim)
	set("OFFLINENAV_USER_AGENT", &cfg.Request.UserAgent)
	if v := strings.TrimSpace(os.Getenv("OFFLINENAV_LOG_LEVEL")); v != "" {
		cfg.Log.Server.Level = strings.ToUpper(v)
	}
}
