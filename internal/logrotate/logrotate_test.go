package logrotate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAccumulatesWithoutRotatingUnderLimit(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, "proxy.log", 1, 3) // 1 MiB cap
	require.NoError(t, err)
	defer w.Close()

	n, err := w.Write([]byte("hello\n"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no rotation should have happened yet")
}

func TestWriteRotatesOnceSizeExceeded(t *testing.T) {
	dir := t.TempDir()
	// maxSizeMB can't express a tiny cap directly; open with 0 then poke the
	// field via repeated small writes against a cap derived from MB rounding
	// isn't practical here, so drive rotation through the exported Write path
	// using a Writer configured with the smallest whole-MB cap and a payload
	// that straddles it is impractical in a unit test; instead verify the
	// rotation machinery directly by writing past a cap we set to ~0.
	w, err := New(dir, "proxy.log", 0, 2)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte("first write exceeds a zero-sized cap\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("second write should trigger rotation\n"))
	require.NoError(t, err)

	rotated := filepath.Join(dir, "proxy.log.1.gz")
	_, statErr := os.Stat(rotated)
	assert.NoError(t, statErr, "expected a rotated, gzipped file after exceeding the cap")
}

func TestNewCreatesLogDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	w, err := New(dir, "proxy.log", 1, 1)
	require.NoError(t, err)
	defer w.Close()

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestMaxFilesCapsRotatedHistory(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, "proxy.log", 0, 1)
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 3; i++ {
		_, err := w.Write([]byte("line that forces rotation every time\n"))
		require.NoError(t, err)
	}

	_, err = os.Stat(filepath.Join(dir, "proxy.log.1.gz"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "proxy.log.2.gz"))
	assert.True(t, os.IsNotExist(err), "maxFiles=1 must not keep a second rotated file")
}
