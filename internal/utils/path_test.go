package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantError bool
	}{
		{
			name:      "empty path",
			input:     "",
			wantError: true,
		},
		{
			name:      "relative path",
			input:     "./test",
			wantError: false,
		},
		{
			name:      "absolute path",
			input:     "/tmp/test",
			wantError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ResolvePath(tt.input)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, result)
			assert.True(t, filepath.IsAbs(result))
		})
	}
}

func TestNormPath(t *testing.T) {
	assert.Equal(t, "a/b/c.txt", NormPath("a/b/c.txt"))
	assert.Equal(t, "a/b", NormPath("a//b/"))
	assert.Equal(t, "a", NormPath("./a"))
}

func TestEnsureDirAndExists(t *testing.T) {
	tmp := t.TempDir()
	nested := filepath.Join(tmp, "x", "y")

	require.NoError(t, EnsureDir(nested))
	assert.True(t, DirExists(nested))
	assert.False(t, FileExists(nested))

	file := filepath.Join(nested, "f.txt")
	require.NoError(t, os.WriteFile(file, []byte("hi"), 0o644))
	assert.True(t, FileExists(file))
	assert.False(t, DirExists(file))
}

func TestWriteFileAtomic(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "deep", "file.bin")

	require.NoError(t, WriteFileAtomic(path, []byte("payload"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	// Overwrite keeps the latest content.
	require.NoError(t, WriteFileAtomic(path, []byte("v2"), 0o644))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestCopyFile(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "src.txt")
	dst := filepath.Join(tmp, "sub", "dst.txt")

	require.NoError(t, os.WriteFile(src, []byte("content"), 0o644))
	require.NoError(t, CopyFile(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}
