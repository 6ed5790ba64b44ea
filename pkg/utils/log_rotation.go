package utils

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotationConfig holds configuration for log rotation
type RotationConfig struct {
	// Filename is the file to write logs to
	Filename string

	// MaxSize is the maximum size in megabytes before rotation (0 = no size limit)
	MaxSize int64

	// MaxBackups is the maximum number of old log files to retain (0 = retain all)
	MaxBackups int

	// Compress determines if rotated log files should be compressed
	Compress bool

	// LocalTime determines if the time used for formatting backup timestamps is local
	LocalTime bool
}

// LogRotator is an io.Writer that rotates the underlying file once it
// grows past the configured size.
type LogRotator struct {
	mu sync.Mutex

	config *RotationConfig
	file   *os.File
	size   int64
}

// NewLogRotator creates a new log rotator
func NewLogRotator(config *RotationConfig) (*LogRotator, error) {
	if config == nil {
		return nil, fmt.Errorf("rotation config is required")
	}
	if config.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}

	rotator := &LogRotator{config: config}
	if err := rotator.openFile(); err != nil {
		return nil, err
	}

	return rotator, nil
}

// Write implements io.Writer
func (lr *LogRotator) Write(p []byte) (n int, err error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.config.MaxSize > 0 && lr.size+int64(len(p)) >= lr.config.MaxSize*1024*1024 {
		if err := lr.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err = lr.file.Write(p)
	lr.size += int64(n)

	return n, err
}

// Close closes the log file
func (lr *LogRotator) Close() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file != nil {
		err := lr.file.Close()
		lr.file = nil
		return err
	}
	return nil
}

// Sync flushes the log file
func (lr *LogRotator) Sync() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file != nil {
		return lr.file.Sync()
	}
	return nil
}

// ForceRotate forces an immediate rotation
func (lr *LogRotator) ForceRotate() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.rotate()
}

// rotate closes the current file, moves it aside under a timestamped
// name, and opens a fresh one.
func (lr *LogRotator) rotate() error {
	if lr.file != nil {
		if err := lr.file.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
		lr.file = nil
	}

	backupName := lr.backupFilename(lr.backupTimestamp())

	if err := os.Rename(lr.config.Filename, backupName); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to rename log file: %w", err)
		}
	}

	if lr.config.Compress {
		if err := lr.compressFile(backupName); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to compress log file %s: %v\n", backupName, err)
		}
	}

	if err := lr.cleanupOldBackups(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to cleanup old backups: %v\n", err)
	}

	return lr.openFile()
}

// openFile opens the log file for writing
func (lr *LogRotator) openFile() error {
	dir := filepath.Dir(lr.config.Filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(lr.config.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	lr.file = file

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	lr.size = info.Size()

	return nil
}

// backupTimestamp returns the timestamp to use for backup files
func (lr *LogRotator) backupTimestamp() time.Time {
	if lr.config.LocalTime {
		return time.Now()
	}
	return time.Now().UTC()
}

// backupFilename generates a backup filename with timestamp
func (lr *LogRotator) backupFilename(timestamp time.Time) string {
	dir := filepath.Dir(lr.config.Filename)
	filename := filepath.Base(lr.config.Filename)
	ext := filepath.Ext(filename)
	prefix := filename[0 : len(filename)-len(ext)]

	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", prefix, timestamp.Format("2006-01-02T15-04-05"), ext))
}

// compressFile compresses a log file using gzip
func (lr *LogRotator) compressFile(filename string) error {
	src, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(filename + ".gz")
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()

	gzipWriter := gzip.NewWriter(dst)
	defer func() { _ = gzipWriter.Close() }()

	if _, err := io.Copy(gzipWriter, src); err != nil {
		return err
	}
	if err := gzipWriter.Close(); err != nil {
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	return os.Remove(filename)
}

// cleanupOldBackups removes the oldest backup files once more than
// MaxBackups exist.
func (lr *LogRotator) cleanupOldBackups() error {
	if lr.config.MaxBackups <= 0 {
		return nil
	}

	backups, err := lr.getBackupFiles()
	if err != nil {
		return err
	}
	if len(backups) <= lr.config.MaxBackups {
		return nil
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].ModTime().Before(backups[j].ModTime())
	})

	excess := len(backups) - lr.config.MaxBackups
	for _, backup := range backups[:excess] {
		fullPath := filepath.Join(filepath.Dir(lr.config.Filename), backup.Name())
		if err := os.Remove(fullPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to remove old backup %s: %v\n", fullPath, err)
		}
	}

	return nil
}

// getBackupFiles returns all backup files for this log
func (lr *LogRotator) getBackupFiles() ([]os.FileInfo, error) {
	dir := filepath.Dir(lr.config.Filename)
	filename := filepath.Base(lr.config.Filename)
	ext := filepath.Ext(filename)
	prefix := filename[0 : len(filename)-len(ext)]

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var backups []os.FileInfo
	for _, entry := range entries {
		name := entry.Name()
		if name == filename {
			continue
		}
		if strings.HasPrefix(name, prefix+"-") {
			if strings.HasSuffix(name, ext) || strings.HasSuffix(name, ext+".gz") {
				info, err := entry.Info()
				if err != nil {
					continue
				}
				backups = append(backups, info)
			}
		}
	}

	return backups, nil
}
