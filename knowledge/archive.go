package knowledge

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path"
	"path/filepath"
	"strings"

	rardecode "github.com/nwaples/rardecode/v2"
)

const (
	maxArchiveBytes int64 = 50 * 1024 * 1024
	maxEntryBytes   int64 = 5 * 1024 * 1024

	archiveFormatZip = "zip"
	archiveFormatRar = "rar"
)

// ArchiveEntry is one text document pulled out of an uploaded archive.
type ArchiveEntry struct {
	Title   string
	Content string
}

// ExtractArchive reads a .zip or .rar upload and returns one entry per
// contained .txt/.md file. Non-text entries are skipped silently.
func ExtractArchive(fileHeader *multipart.FileHeader) ([]ArchiveEntry, error) {
	if fileHeader == nil {
		return nil, errors.New("knowledge: archive file not provided")
	}
	if fileHeader.Size > 0 && fileHeader.Size > maxArchiveBytes {
		return nil, fmt.Errorf("knowledge: archive size exceeds %d bytes", maxArchiveBytes)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("knowledge: open archive: %w", err)
	}
	defer src.Close()

	tmpFile, err := os.CreateTemp("", "brand-archive-*")
	if err != nil {
		return nil, fmt.Errorf("knowledge: create temp file: %w", err)
	}
	defer func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}()

	written, err := io.Copy(tmpFile, io.LimitReader(src, maxArchiveBytes+1))
	if err != nil {
		return nil, fmt.Errorf("knowledge: copy archive: %w", err)
	}
	if written > maxArchiveBytes {
		return nil, fmt.Errorf("knowledge: archive size exceeds %d bytes", maxArchiveBytes)
	}

	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("knowledge: rewind temp file: %w", err)
	}
	format, err := detectArchiveFormat(tmpFile, fileHeader.Filename)
	if err != nil {
		return nil, err
	}

	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("knowledge: rewind temp file: %w", err)
	}

	var entries []ArchiveEntry
	switch format {
	case archiveFormatZip:
		stat, statErr := tmpFile.Stat()
		if statErr != nil {
			return nil, fmt.Errorf("knowledge: stat temp file: %w", statErr)
		}
		entries, err = extractZipEntries(tmpFile, stat.Size())
	case archiveFormatRar:
		entries, err = extractRarEntries(tmpFile.Name())
	default:
		err = errors.New("knowledge: unsupported archive format")
	}
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.New("knowledge: archive contains no .txt or .md files")
	}
	return entries, nil
}

func extractZipEntries(tmpFile *os.File, size int64) ([]ArchiveEntry, error) {
	reader, err := zip.NewReader(tmpFile, size)
	if err != nil {
		return nil, fmt.Errorf("knowledge: parse archive: %w", err)
	}

	entries := make([]ArchiveEntry, 0, len(reader.File))
	for _, file := range reader.File {
		sanitized, err := sanitizeArchiveEntry(file.Name)
		if err != nil {
			return nil, err
		}
		if sanitized == "" || file.FileInfo().IsDir() || !isTextEntry(sanitized) {
			continue
		}

		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("knowledge: open entry %s: %w", sanitized, err)
		}
		content, err := readEntry(rc, sanitized)
		rc.Close()
		if err != nil {
			return nil, err
		}
		if content == "" {
			continue
		}
		entries = append(entries, ArchiveEntry{Title: entryTitle(sanitized), Content: content})
	}
	return entries, nil
}

func extractRarEntries(tmpPath string) ([]ArchiveEntry, error) {
	f, err := os.Open(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("knowledge: reopen temp archive: %w", err)
	}
	defer f.Close()

	rr, err := rardecode.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("knowledge: parse rar archive: %w", err)
	}

	var entries []ArchiveEntry
	for {
		header, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("knowledge: read rar entry: %w", err)
		}

		sanitized, err := sanitizeArchiveEntry(header.Name)
		if err != nil {
			return nil, err
		}
		if sanitized == "" || header.IsDir || !isTextEntry(sanitized) {
			if !header.IsDir {
				if _, err := io.Copy(io.Discard, rr); err != nil {
					return nil, fmt.Errorf("knowledge: discard rar entry: %w", err)
				}
			}
			continue
		}

		content, err := readEntry(rr, sanitized)
		if err != nil {
			return nil, err
		}
		if content == "" {
			continue
		}
		entries = append(entries, ArchiveEntry{Title: entryTitle(sanitized), Content: content})
	}
	return entries, nil
}

func readEntry(r io.Reader, name string) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxEntryBytes+1))
	if err != nil {
		return "", fmt.Errorf("knowledge: read entry %s: %w", name, err)
	}
	if int64(len(data)) > maxEntryBytes {
		return "", fmt.Errorf("knowledge: entry %s exceeds %d bytes", name, maxEntryBytes)
	}
	return strings.TrimSpace(string(data)), nil
}

func detectArchiveFormat(file *os.File, originalName string) (string, error) {
	ext := strings.ToLower(strings.TrimSpace(filepath.Ext(originalName)))
	switch ext {
	case ".zip":
		return archiveFormatZip, nil
	case ".rar":
		return archiveFormatRar, nil
	}

	var header [8]byte
	n, err := file.ReadAt(header[:], 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("knowledge: read archive header: %w", err)
	}
	headerSlice := header[:n]

	if len(headerSlice) >= 2 && headerSlice[0] == 0x50 && headerSlice[1] == 0x4b {
		return archiveFormatZip, nil
	}
	if len(headerSlice) >= 6 && bytes.Equal(headerSlice[:6], []byte{0x52, 0x61, 0x72, 0x21, 0x1a, 0x07}) {
		return archiveFormatRar, nil
	}

	return "", errors.New("knowledge: unsupported archive format, only .zip and .rar are accepted")
}

func sanitizeArchiveEntry(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", nil
	}

	normalized := strings.ReplaceAll(trimmed, "\\", "/")
	normalized = path.Clean(normalized)
	normalized = strings.TrimPrefix(normalized, "./")
	if normalized == "." || normalized == "" {
		return "", nil
	}
	if strings.HasPrefix(normalized, "../") {
		return "", fmt.Errorf("knowledge: archive entry %q uses parent traversal", name)
	}
	if strings.HasPrefix(strings.ToLower(normalized), "__macosx/") {
		return "", nil
	}
	return normalized, nil
}

func isTextEntry(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".txt") || strings.HasSuffix(lower, ".md")
}

func entryTitle(name string) string {
	base := path.Base(name)
	return strings.TrimSuffix(base, path.Ext(base))
}
