package app

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/Blackdeer1524/UndoDB/src/pkg/assert"
)

const (
	EnvDev  = "dev"
	EnvProd = "prod"
)

type envVars struct {
	Environment string `envconfig:"ENV" default:"dev"`
	DataDir     string `envconfig:"DATA_DIR" default:"./undodb-data"`

	PoolSize uint64 `envconfig:"POOL_SIZE" default:"1024"`

	DiscardInterval time.Duration `envconfig:"DISCARD_INTERVAL" default:"10s"`
	DiscardWorkers  int           `envconfig:"DISCARD_WORKERS"  default:"4"`
}

// mustLoadEnv reads a .env file when present, then the process
// environment. Misconfiguration is unrecoverable at startup, so it
// panics rather than returning an error.
func mustLoadEnv() envVars {
	_ = godotenv.Load()

	var env envVars
	err := envconfig.Process("UNDODB", &env)
	assert.NoError(err, "reading environment configuration")
	return env
}
