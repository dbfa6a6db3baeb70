// Package logrotate implements the size-based rotating log writer required
// by spec §6 (10 MiB x 5 files by default): once the active file exceeds
// maxSize bytes, it is closed, gzipped, and a fresh active file is opened.
// Grounded on lib/recorder.FFmpegRecorder's mutex-guarded single-resource
// lifecycle idiom, adapted from a subprocess handle to a file handle, using
// github.com/klauspost/compress/gzip for the rotated-file compression.
package logrotate

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// Writer is an io.WriteCloser that rotates itself by size.
type Writer struct {
	mu sync.Mutex

	dir         string
	baseName    string
	maxSize     int64
	maxFiles    int
	currentSize int64
	file        *os.File
}

// New opens (or creates) dir/baseName as the active log file.
func New(dir, baseName string, maxSizeMB, maxFiles int) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	w := &Writer{
		dir:      dir,
		baseName: baseName,
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
		maxFiles: maxFiles,
	}
	if err := w.openCurrent(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) activePath() string {
	return filepath.Join(w.dir, w.baseName)
}

func (w *Writer) openCurrent() error {
	f, err := os.OpenFile(w.activePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = f
	w.currentSize = info.Size()
	return nil
}

// Write implements io.Writer, rotating first if the write would exceed
// maxSize.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSize+int64(len(p)) > w.maxSize && w.currentSize > 0 {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.currentSize += int64(n)
	return n, err
}

func (w *Writer) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close log file before rotate: %w", err)
	}
	if err := w.gzipAndShift(); err != nil {
		return err
	}
	return w.openCurrent()
}

// gzipAndShift shifts baseName.1.gz -> baseName.2.gz ... up to maxFiles,
// dropping the oldest, then compresses the just-closed active file into
// baseName.1.gz.
func (w *Writer) gzipAndShift() error {
	oldest := w.rotatedPath(w.maxFiles)
	if _, err := os.Stat(oldest); err == nil {
		if err := os.Remove(oldest); err != nil {
			return fmt.Errorf("remove oldest rotated log: %w", err)
		}
	}
	for i := w.maxFiles - 1; i >= 1; i-- {
		src := w.rotatedPath(i)
		dst := w.rotatedPath(i + 1)
		if _, err := os.Stat(src); err == nil {
			if err := os.Rename(src, dst); err != nil {
				return fmt.Errorf("shift rotated log %s: %w", src, err)
			}
		}
	}
	return w.gzipActiveInto(w.rotatedPath(1))
}

func (w *Writer) rotatedPath(n int) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s.%d.gz", w.baseName, n))
}

func (w *Writer) gzipActiveInto(dst string) error {
	src, err := os.Open(w.activePath())
	if err != nil {
		return fmt.Errorf("open log file for compression: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create rotated log: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, src); err != nil {
		_ = gz.Close()
		return fmt.Errorf("compress rotated log: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("finalize rotated log: %w", err)
	}
	return os.Truncate(w.activePath(), 0)
}

// Close closes the active file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
