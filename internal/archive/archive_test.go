package archive

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeTitle(t *testing.T) {
	assert.Equal(t, "A Title Episode 2", SanitizeTitle(`A /Title:? "Episode 2"`))
	assert.Equal(t, "untitled", SanitizeTitle(`???`))
	assert.Equal(t, "spaced out", SanitizeTitle("  spaced \t out  "))

	long := strings.Repeat("a", 300)
	assert.LessOrEqual(t, len(SanitizeTitle(long)), maxTitleLen)
}

func TestOutputPath(t *testing.T) {
	p := OutputPath("/data", "My: Gallery")
	assert.Equal(t, filepath.Join("/data", Subfolder, "My Gallery.zip"), p)
}

func TestPack(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "002.jpg"), []byte("second"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "001.jpg"), []byte("first"), 0o644))

	dest := filepath.Join(t.TempDir(), "out", "gallery.zip")
	require.NoError(t, Pack(context.Background(), src, dest))

	r, err := zip.OpenReader(dest)
	require.NoError(t, err)
	defer r.Close()

	require.Len(t, r.File, 2)
	// Name order, not write order.
	assert.Equal(t, "001.jpg", r.File[0].Name)
	assert.Equal(t, "002.jpg", r.File[1].Name)
}

func TestPackEmptyDirFails(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "gallery.zip")
	require.Error(t, Pack(context.Background(), t.TempDir(), dest))
}

func TestPackCancelledLeavesNoPartial(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "001.jpg"), []byte("x"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dest := filepath.Join(t.TempDir(), "gallery.zip")
	require.ErrorIs(t, Pack(ctx, src, dest), context.Canceled)

	_, err := os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(err))
}
