package leveldb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLevelDB(t *testing.T) {
	dir := filepath.Join(os.TempDir(), "poa-monitor-leveldb-test")
	require.NoError(t, os.RemoveAll(dir))
	defer os.RemoveAll(dir)

	db, err := New(dir)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Put([]byte("k"), []byte("v")))
	ok, err := db.Has([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)

	v, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)

	b := db.NewBatch()
	require.NoError(t, b.Put([]byte("k2"), []byte("v2")))
	require.NoError(t, b.Write())

	v2, err := db.Get([]byte("k2"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v2)
}
