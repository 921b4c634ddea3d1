package logger

import (
	"os"
	"strings"
)

type Env string

const (
	EnvDev   Env = "dev"
	EnvStage Env = "stage"
	EnvProd  Env = "prod"
)

// envVars are consulted in order by DetectEnv.
var envVars = []string{"PARTY_ENV", "APP_ENV"}

// ParseEnv normalizes deployment names ("production", "staging", ...).
// Anything unrecognized, including "", is dev.
func ParseEnv(s string) Env {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "prod", "production", "live":
		return EnvProd
	case "stage", "staging", "preprod", "pre-production", "qa":
		return EnvStage
	default:
		return EnvDev
	}
}

func DetectEnv() Env {
	for _, k := range envVars {
		if v := os.Getenv(k); strings.TrimSpace(v) != "" {
			return ParseEnv(v)
		}
	}
	return EnvDev
}
