package config

import "strings"

// Environment identifies the runtime environment where fundwatch operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// StorageDriver selects the fund repository backend.
type StorageDriver string

const (
	// StorageMemory keeps funds in process memory only.
	StorageMemory StorageDriver = "memory"
	// StorageFile persists funds to a JSON snapshot.
	StorageFile StorageDriver = "file"
	// StoragePostgres persists funds in PostgreSQL.
	StoragePostgres StorageDriver = "postgres"
)

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
