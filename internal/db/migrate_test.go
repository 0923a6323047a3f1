package db

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverMigrations_SortsAndChecksums(t *testing.T) {
	fsys := fstest.MapFS{
		"002_views.sql": {Data: []byte("CREATE VIEW v AS SELECT 1;")},
		"001_init.sql":  {Data: []byte("CREATE TABLE t (id INT);")},
		"README.md":     {Data: []byte("ignored")},
	}

	got, err := DiscoverMigrations(fsys)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "001_init.sql", got[0].Filename)
	assert.Equal(t, "001", got[0].Version)
	assert.Equal(t, "002", got[1].Version)
	assert.Len(t, got[0].Checksum, 64)
	assert.NotEqual(t, got[0].Checksum, got[1].Checksum)
}

func TestDiscoverMigrations_RejectsDuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"001_b.sql": {Data: []byte("SELECT 2;")},
	}
	_, err := DiscoverMigrations(fsys)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate migration version 001")
}

func TestDiscoverMigrations_RejectsBadFilename(t *testing.T) {
	fsys := fstest.MapFS{"init.sql": {Data: []byte("SELECT 1;")}}
	_, err := DiscoverMigrations(fsys)
	require.Error(t, err)
}
