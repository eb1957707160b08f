package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFileStripsEscapeSplitAcrossWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), OutputFileName)
	out, err := newOutputFile(path)
	require.NoError(t, err)

	// A color sequence cut at a pipe-read boundary must not leak into the
	// stored log once its terminator arrives.
	_, err = out.Write([]byte("summary +     1 in 00:00:10 \x1b["))
	require.NoError(t, err)
	_, err = out.Write([]byte("31mErr: 1\x1b[0m (100.00%)\n"))
	require.NoError(t, err)
	require.NoError(t, out.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "summary +     1 in 00:00:10 Err: 1 (100.00%)\n", string(data))
	assert.NotContains(t, string(data), "\x1b")
	assert.NotContains(t, string(out.Tail()), "\x1b")
}

func TestOutputFileSplitEscapeAtEveryBoundary(t *testing.T) {
	full := []byte("a\x1b[1;31mred\x1b[0mb")
	for i := 1; i < len(full); i++ {
		path := filepath.Join(t.TempDir(), OutputFileName)
		out, err := newOutputFile(path)
		require.NoError(t, err)

		_, err = out.Write(full[:i])
		require.NoError(t, err)
		_, err = out.Write(full[i:])
		require.NoError(t, err)
		require.NoError(t, out.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "aredb", string(data), "split at byte %d", i)
	}
}

func TestOutputFileFlushesPendingOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), OutputFileName)
	out, err := newOutputFile(path)
	require.NoError(t, err)

	// The process died mid-sequence; Close still makes every byte visible.
	_, err = out.Write([]byte("stopping \x1b["))
	require.NoError(t, err)
	require.NoError(t, out.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "stopping \x1b[", string(data))
}

func TestOutputFileReportsOriginalLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), OutputFileName)
	out, err := newOutputFile(path)
	require.NoError(t, err)
	defer out.Close()

	chunk := []byte("x\x1b[32m\x1b[")
	n, err := out.Write(chunk)
	require.NoError(t, err)
	assert.Equal(t, len(chunk), n)
}
