// Package database provides test database clients backed by a shared
// PostgreSQL testcontainer (or an external CI database).
package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edgecoder/edgecoder/pkg/database"
	"github.com/edgecoder/edgecoder/test/util"
)

// NewTestClient creates a migrated database client on a schema of its own.
// In CI (CI_DATABASE_URL set) it connects to the external service container;
// locally it uses a shared testcontainer. Schema and connections are cleaned
// up when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()

	connStr := util.CreateTestSchema(t)

	client, err := database.NewClient(context.Background(), database.Config{
		DSN:            connStr,
		MaxOpenConns:   10,
		MaxIdleConns:   5,
		MigrateOnStart: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}
