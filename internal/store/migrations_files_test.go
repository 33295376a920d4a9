package store

import (
	"io/fs"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryMigrationCanBeRolledBack(t *testing.T) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	require.NoError(t, err)

	pattern := regexp.MustCompile(`^(\d+)_[a-z0-9_]+\.(up|down)\.sql$`)
	directions := map[string][]string{}
	for _, entry := range entries {
		match := pattern.FindStringSubmatch(entry.Name())
		require.NotNil(t, match, "unexpected file %s in migrations", entry.Name())
		directions[match[1]] = append(directions[match[1]], match[2])
	}
	require.NotEmpty(t, directions)
	for version, dirs := range directions {
		assert.ElementsMatch(t, []string{"down", "up"}, dirs, "migration %s", version)
	}
}

func TestInitialSchemaEnforcesKernelInvariants(t *testing.T) {
	raw, err := fs.ReadFile(migrationFiles, "migrations/0001_init.up.sql")
	require.NoError(t, err)
	schema := string(raw)

	for name, snippet := range map[string]string{
		"private projects grant nothing to anonymous users": "private_projects_have_no_anon_permissions",
		"one membership per user and project":               "UNIQUE (project_id, user_id)",
		"one pending invitation per email":                  "memberships_pending_email_idx",
		"refs are unique within a project":                  "UNIQUE (project_id, ref)",
		"webhook logs reject updates":                       "CREATE TRIGGER trg_webhook_logs_block_update",
	} {
		assert.Contains(t, schema, snippet, name)
	}
	assert.NotContains(t, schema, "DO INSTEAD NOTHING")
}
