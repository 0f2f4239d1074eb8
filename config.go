package lightodm

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Environment variable names read when an explicit argument is not given.
const (
	EnvURL      = "MONGO_URL"
	EnvUser     = "MONGO_USER"
	EnvPassword = "MONGO_PASSWORD"
	EnvDatabase = "MONGO_DB_NAME"
)

// Config is the effective connection configuration: explicit arguments
// merged over environment values. URL and Database are required; Username
// and Password are optional (unauthenticated deployments are common in
// tests and local development).
type Config struct {
	URL      string
	Username string
	Password string
	Database string
}

// resolveConfig merges explicit arguments over environment values and
// validates the result. Empty string arguments mean "use the environment".
func resolveConfig(url, user, password, db string) (*Config, error) {
	_ = godotenv.Load()

	viper.AutomaticEnv()

	cfg := &Config{
		URL:      url,
		Username: user,
		Password: password,
		Database: db,
	}
	if cfg.URL == "" {
		cfg.URL = viper.GetString(EnvURL)
	}
	if cfg.Username == "" {
		cfg.Username = viper.GetString(EnvUser)
	}
	if cfg.Password == "" {
		cfg.Password = viper.GetString(EnvPassword)
	}
	if cfg.Database == "" {
		cfg.Database = viper.GetString(EnvDatabase)
	}

	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: connection URL not set (argument or %s)", ErrConfiguration, EnvURL)
	}
	if cfg.Database == "" {
		return nil, fmt.Errorf("%w: database name not set (argument or %s)", ErrConfiguration, EnvDatabase)
	}
	return cfg, nil
}
