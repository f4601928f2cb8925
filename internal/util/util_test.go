// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// ATOMIC WRITE TESTS
// =============================================================================

func TestAtomicWriteFile_Basic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.json")

	require.NoError(t, AtomicWriteFile(path, []byte(`{"version":"1.0"}`), 0644))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"version":"1.0"}`, string(content))
}

func TestAtomicWriteFile_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "deep", "test.txt")

	require.NoError(t, AtomicWriteFile(path, []byte("test data"), 0644))

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestAtomicWriteFile_OverwritesAndLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.txt")

	require.NoError(t, AtomicWriteFile(path, []byte("initial"), 0644))
	require.NoError(t, AtomicWriteFile(path, []byte("updated"), 0644))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "updated", string(content))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files should be renamed or removed")
}

func TestAtomicWriteFile_Permissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not meaningful on Windows")
	}
	path := filepath.Join(t.TempDir(), "secret.toml")

	require.NoError(t, AtomicWriteFile(path, []byte("x"), 0600))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

// =============================================================================
// STRING TESTS
// =============================================================================

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello world", 8, "hello..."},
		{"hello", 3, "hel"},
		{"日本語テキスト", 5, "日本..."},
		{"anything", 0, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TruncateRunes(tt.in, tt.max), "TruncateRunes(%q, %d)", tt.in, tt.max)
	}
}

func TestTruncateRunesNoEllipsis(t *testing.T) {
	assert.Equal(t, "hello", TruncateRunesNoEllipsis("hello world", 5))
	assert.Equal(t, "日本", TruncateRunesNoEllipsis("日本語", 2))
	assert.Equal(t, "short", TruncateRunesNoEllipsis("short", 50))
	assert.Equal(t, "", TruncateRunesNoEllipsis("x", -1))
}

func TestTruncateWidth(t *testing.T) {
	assert.Equal(t, "hello", TruncateWidth("hello", 5))
	assert.Equal(t, "hel...", TruncateWidth("hello world", 6))
	// Each CJK character is two columns wide.
	assert.Equal(t, "日...", TruncateWidth("日本語テキスト", 6))
	assert.Equal(t, "", TruncateWidth("abc", 0))
}

func TestPadWidth(t *testing.T) {
	assert.Equal(t, "ab   ", PadWidth("ab", 5))
	assert.Equal(t, "日本 ", PadWidth("日本", 5))
	assert.Equal(t, 5, StringWidth(PadWidth("a very long title", 5)))
}

func TestSingleLine(t *testing.T) {
	assert.Equal(t, "a b c", SingleLine("  a\n b\t\tc  "))
	assert.Equal(t, "", SingleLine("\n\n"))
}
