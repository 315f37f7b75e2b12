package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	dbpkg "github.com/edgecoder/edgecoder/pkg/database"
	"github.com/edgecoder/edgecoder/test/util"
)

// SharedTestDB is a single migrated schema that multiple coordinator
// replicas can share. Each replica gets its own connection pool via
// NewClient, but all pools point at the same schema, which lets tests
// exercise PostgreSQL NOTIFY/LISTEN delivery across replicas.
type SharedTestDB struct {
	connStrWithSchema string
}

// NewSharedTestDB creates the shared schema and runs migrations once.
// Schema cleanup is registered on t (LIFO order guarantees replica cleanups
// run before the schema drop).
func NewSharedTestDB(t *testing.T) *SharedTestDB {
	t.Helper()

	connStrWithSchema := util.CreateTestSchema(t)

	// Run migrations once with a throwaway client; replicas connect with
	// MigrateOnStart disabled.
	migrator, err := dbpkg.NewClient(context.Background(), dbpkg.Config{
		DSN:            connStrWithSchema,
		MaxOpenConns:   2,
		MigrateOnStart: true,
	})
	require.NoError(t, err)
	require.NoError(t, migrator.Close())

	return &SharedTestDB{connStrWithSchema: connStrWithSchema}
}

// ConnStr returns the schema-scoped connection string, used for dedicated
// LISTEN connections.
func (s *SharedTestDB) ConnStr() string {
	return s.connStrWithSchema
}

// NewClient creates an independent client backed by a fresh pool to the
// shared schema. Closed via t.Cleanup.
func (s *SharedTestDB) NewClient(t *testing.T) *dbpkg.Client {
	t.Helper()

	client, err := dbpkg.NewClient(context.Background(), dbpkg.Config{
		DSN:          s.connStrWithSchema,
		MaxOpenConns: 10,
		MaxIdleConns: 5,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})

	return client
}
