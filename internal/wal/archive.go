package wal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// ArchiveCleanupError indicates the archive was created successfully but
// the source log could not be removed.
type ArchiveCleanupError struct {
	ArchivePath string
	WALPath     string
	CleanupErr  error
}

func (e *ArchiveCleanupError) Error() string {
	return fmt.Sprintf("archive created at %s but failed to remove log file %s: %v",
		e.ArchivePath, e.WALPath, e.CleanupErr)
}

func (e *ArchiveCleanupError) Unwrap() error {
	return e.CleanupErr
}

// archiveWAL compresses a log file into archiveDir/<name>.wal.zst and
// removes the source.
func archiveWAL(walPath, archiveDir, name string) (string, error) {
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	src, err := os.Open(walPath)
	if err != nil {
		return "", fmt.Errorf("failed to open log: %w", err)
	}
	defer src.Close()

	srcInfo, err := src.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat log: %w", err)
	}

	archivePath := filepath.Join(archiveDir, name+".wal.zst")
	dst, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		dst.Close()
		os.Remove(archivePath)
		return "", fmt.Errorf("failed to create encoder: %w", err)
	}

	if _, err := io.Copy(enc, src); err != nil {
		if closeErr := enc.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("Failed to close encoder during error cleanup")
		}
		dst.Close()
		os.Remove(archivePath)
		return "", fmt.Errorf("failed to compress: %w", err)
	}

	if err := enc.Close(); err != nil {
		dst.Close()
		os.Remove(archivePath)
		return "", fmt.Errorf("failed to close encoder: %w", err)
	}

	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(archivePath)
		return "", fmt.Errorf("failed to sync archive: %w", err)
	}

	if err := dst.Close(); err != nil {
		os.Remove(archivePath)
		return "", fmt.Errorf("failed to close archive: %w", err)
	}

	var compressed int64
	if info, err := os.Stat(archivePath); err == nil {
		compressed = info.Size()
	}

	log.Info().
		Str("archive_path", archivePath).
		Int64("original_bytes", srcInfo.Size()).
		Int64("compressed_bytes", compressed).
		Msg("Transaction log archived")

	if err := os.Remove(walPath); err != nil {
		log.Warn().Err(err).Str("wal_path", walPath).Msg("Failed to remove log after archiving")
		return archivePath, &ArchiveCleanupError{
			ArchivePath: archivePath,
			WALPath:     walPath,
			CleanupErr:  err,
		}
	}

	return archivePath, nil
}

// CleanupArchive removes archived logs older than the retention period.
// It returns the number of files removed.
func CleanupArchive(archiveDir string, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		log.Debug().Msg("Archive cleanup disabled (retention_days <= 0)")
		return 0, nil
	}

	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read archive directory: %w", err)
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	var (
		deleted      int
		deletedBytes int64
	)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".zst" {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			log.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to get file info, skipping")
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(archiveDir, entry.Name())
		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("file", path).Msg("Failed to delete old archive file")
			continue
		}
		deleted++
		deletedBytes += info.Size()
	}

	if deleted > 0 {
		log.Info().
			Str("archive_dir", archiveDir).
			Int("deleted_files", deleted).
			Int64("deleted_bytes", deletedBytes).
			Msg("Archive cleanup completed")
	}

	return deleted, nil
}

// DecompressArchive expands a zstd archive so it can be inspected with
// ReadFile.
func DecompressArchive(archivePath, outputPath string) error {
	src, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer src.Close()

	dec, err := zstd.NewReader(src)
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	defer dec.Close()

	dst, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}

	written, err := io.Copy(dst, dec)
	if err != nil {
		dst.Close()
		os.Remove(outputPath)
		return fmt.Errorf("failed to decompress: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to close output: %w", err)
	}

	log.Info().
		Str("archive_path", archivePath).
		Str("output_path", outputPath).
		Int64("decompressed_bytes", written).
		Msg("Archive decompressed")

	return nil
}
