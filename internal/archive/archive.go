// Package archive materializes a downloaded gallery directory into the final
// packaged .cbz/.zip artifact and owns output-path naming rules.
package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Subfolder is the fixed directory under the configured output root where
// finished archives land.
const Subfolder = "galleries"

const maxTitleLen = 120

var forbiddenChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

// SanitizeTitle makes a gallery title safe to use as a filename: forbidden
// characters removed, whitespace collapsed, length-truncated.
func SanitizeTitle(title string) string {
	clean := forbiddenChars.ReplaceAllString(title, "")
	clean = strings.Join(strings.Fields(clean), " ")
	clean = strings.Trim(clean, ". ")
	if len(clean) > maxTitleLen {
		clean = strings.TrimSpace(clean[:maxTitleLen])
	}
	if clean == "" {
		clean = "untitled"
	}
	return clean
}

// OutputPath returns the final archive path for a title under the output root.
func OutputPath(outputRoot, title string) string {
	return filepath.Join(outputRoot, Subfolder, SanitizeTitle(title)+".zip")
}

// Pack zips the contents of srcDir (flat, no directory entries) into destPath.
// Files are written in name order so page numbering drives archive order.
// Cancellation is honored between files.
func Pack(ctx context.Context, srcDir, destPath string) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return fmt.Errorf("failed to read staging dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return fmt.Errorf("nothing to pack in %s", srcDir)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o750); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	// Write to a temp file first so a cancelled pack never leaves a partial
	// archive at the final path.
	tmpPath := destPath + ".part"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	zw := zip.NewWriter(out)
	packErr := func() error {
		for _, name := range names {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := addFile(zw, srcDir, name); err != nil {
				return err
			}
		}
		return nil
	}()

	if closeErr := zw.Close(); packErr == nil {
		packErr = closeErr
	}
	if closeErr := out.Close(); packErr == nil {
		packErr = closeErr
	}
	if packErr != nil {
		os.Remove(tmpPath)
		return packErr
	}
	return os.Rename(tmpPath, destPath)
}

func addFile(zw *zip.Writer, srcDir, name string) error {
	f, err := os.Open(filepath.Join(srcDir, name))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("failed to add %s to archive: %w", name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}
