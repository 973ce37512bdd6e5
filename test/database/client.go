package database

import (
	"testing"

	"github.com/clarity-dev/clarity/pkg/database"
	"github.com/clarity-dev/clarity/test/util"
)

// NewTestClient creates a test database client.
// In CI (when CI_DATABASE_URL is set): connects to external PostgreSQL service container.
// In local dev: spins up a testcontainer with PostgreSQL.
// The schema/connection is automatically cleaned up when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()

	// Cleanup (schema drop and connection close) is handled by SetupTestDatabase.
	client, _ := util.SetupTestDatabase(t)
	return client
}
