package database

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/010_add_index.sql": {Data: []byte("CREATE INDEX foo ON bar (baz);")},
		"migrations/002_sessions.sql":  {Data: []byte("CREATE TABLE sessions ();")},
		"migrations/001_init.sql":      {Data: []byte("CREATE TABLE agents ();")},
		"migrations/README.md":         {Data: []byte("ignored")},
	}

	migrations, err := ReadMigrations(fsys, "migrations")
	require.NoError(t, err)
	require.Len(t, migrations, 3)

	assert.Equal(t, NewMigration(1, "001_init.sql", "CREATE TABLE agents ();"), migrations[0])
	assert.Equal(t, NewMigration(2, "002_sessions.sql", "CREATE TABLE sessions ();"), migrations[1])
	assert.Equal(t, NewMigration(10, "010_add_index.sql", "CREATE INDEX foo ON bar (baz);"), migrations[2])
}

func TestReadMigrations_BadName(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/init.sql": {Data: []byte("SELECT 1;")},
	}
	_, err := ReadMigrations(fsys, "migrations")
	assert.Error(t, err)
}

func TestCreateConnectionString(t *testing.T) {
	assert.Equal(t, `password='it\'s'`, CreateConnectionString(map[string]string{"password": "it's"}))
}
