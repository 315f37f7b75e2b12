package database

import (
	"os"
	"time"
)

// Config holds database connection settings.
type Config struct {
	// DSN is a PostgreSQL connection string (URL or key=value form).
	DSN string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// MigrateOnStart applies embedded schema migrations before the client is
	// handed out.
	MigrateOnStart bool
}

// ResolveDSN prefers the DATABASE_URL environment variable over the
// configured value so deployments can inject credentials without editing
// config files.
func ResolveDSN(configured string) string {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	return configured
}
