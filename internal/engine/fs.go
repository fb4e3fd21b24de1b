package engine

import (
	"html"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/segmentio/ksuid"
)

var (
	badChars = regexp.MustCompile(`[\\/:*?"<>|\x00-\x1f]`)
	spaceRun = regexp.MustCompile(`\s+`)
)

// maxNameBytes keeps the temporary artifact ("." + name + "." + ksuid + ".part")
// within the 255 byte name limit of common filesystems.
const maxNameBytes = 255 - len(".") - len(".") - 27 - len(".part")

// sanitizeFileName turns an episode title into a name that is safe on
// Windows, Linux and macOS alike.
func sanitizeFileName(title string) string {
	res := html.UnescapeString(title)

	res = badChars.ReplaceAllString(res, "_")
	res = spaceRun.ReplaceAllString(res, " ")
	res = strings.Trim(res, " .")

	return strings.Trim(truncateBytes(res, maxNameBytes), " .")
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := 0
	for cut < len(s) {
		_, size := utf8.DecodeRuneInString(s[cut:])
		if cut+size > n {
			break
		}
		cut += size
	}
	return s[:cut]
}

// defaultFileName picks the file name for a task without a caller supplied
// destination. Titles and identifiers that sanitize to nothing get a unique name.
func defaultFileName(title, id string) string {
	if name := sanitizeFileName(title); name != "" {
		return name
	}
	if name := sanitizeFileName(id); name != "" {
		return name
	}
	return "episode-" + ksuid.New().String()
}

// partPath is the temporary artifact next to dest. The attempt id keeps two
// attempts for the same destination from sharing a file.
func partPath(dest, attemptID string) string {
	return filepath.Join(filepath.Dir(dest), "."+filepath.Base(dest)+"."+attemptID+".part")
}

// moveCrossDevice handles moving files between different mount points/filesystems
func moveCrossDevice(sourcePath, destPath string) error {
	src, err := os.Open(sourcePath)
	if err != nil {
		return err
	}
	defer src.Close()

	tempDest := filepath.Join(filepath.Dir(destPath), "."+filepath.Base(destPath)+".tmp")

	dst, err := os.Create(tempDest)
	if err != nil {
		return err
	}

	if _, err = io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tempDest)
		return err
	}

	if err = dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tempDest)
		return err
	}

	// Explicitly close before renaming and deleting the source
	src.Close()
	if err = dst.Close(); err != nil {
		os.Remove(tempDest)
		return err
	}

	if err = os.Rename(tempDest, destPath); err != nil {
		os.Remove(tempDest)
		return err
	}

	// Remove the original file only after copy success
	return os.Remove(sourcePath)
}

// moveFile handles the logic of moving a file, falling back to cross-device copy if rename fails.
func moveFile(source, dest string) error {
	err := os.Rename(source, dest)
	if err == nil {
		return nil
	}

	// If it fails (likely cross-device), use our helper
	return moveCrossDevice(source, dest)
}
