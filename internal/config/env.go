package config

import (
	"os"
	"strconv"
)

// LoadFromEnv applies environment overrides. Environment wins over the
// config file so secrets can stay out of it.
func LoadFromEnv(cfg *Config) {
	if port := os.Getenv("RECOVERD_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if logLevel := os.Getenv("RECOVERD_LOG_LEVEL"); logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}

	if url := os.Getenv("RECOVERD_DATABASE_URL"); url != "" {
		cfg.Database.URL = url
	}
	if password := os.Getenv("RECOVERD_DATABASE_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}

	if url := os.Getenv("RECOVERD_ENGINE_URL"); url != "" {
		cfg.Engine.BaseURL = url
	}
	if key := os.Getenv("RECOVERD_ENGINE_API_KEY"); key != "" {
		cfg.Engine.APIKey = key
	}

	if url := os.Getenv("RECOVERD_INFRA_URL"); url != "" {
		cfg.Infra.BaseURL = url
	}
	if token := os.Getenv("RECOVERD_INFRA_TOKEN"); token != "" {
		cfg.Infra.Token = token
	}

	if path := os.Getenv("RECOVERD_KUBECONFIG"); path != "" {
		cfg.Kubernetes.Kubeconfig = path
	}

	if endpoint := os.Getenv("RECOVERD_S3_ENDPOINT"); endpoint != "" {
		cfg.ObjectStore.Endpoint = endpoint
	}
	if key := os.Getenv("RECOVERD_S3_ACCESS_KEY"); key != "" {
		cfg.ObjectStore.AccessKey = key
	}
	if secret := os.Getenv("RECOVERD_S3_SECRET_KEY"); secret != "" {
		cfg.ObjectStore.SecretKey = secret
	}

	if secret := os.Getenv("RECOVERD_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}

	if file := os.Getenv("RECOVERD_SCENARIO_FILE"); file != "" {
		cfg.Scenarios.File = file
	}
}

// GetEnvOrDefault returns environment variable or default value
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
