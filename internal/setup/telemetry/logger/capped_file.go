package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// CappedFile is an io.Writer over a log file that keeps at most maxLines lines.
// Lines are mirrored into a ring so the file can be rewritten with only the newest
// lines once twice the capacity has been written.
type CappedFile struct {
	file     *os.File
	path     string
	lines    []string
	head     int
	size     int
	written  int
	maxLines int
	mu       sync.Mutex
}

// OpenCappedFile opens (or creates) the file at path for appending.
func OpenCappedFile(path string, maxLines int) (*CappedFile, error) {
	if maxLines <= 0 {
		maxLines = 1
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open log file %s: %w", path, err)
	}

	return &CappedFile{
		file:     file,
		path:     path,
		lines:    make([]string, maxLines),
		maxLines: maxLines,
	}, nil
}

// Write implements io.Writer.
func (c *CappedFile) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.file.Write(p)
	if err != nil {
		return n, err
	}

	for line := range strings.SplitSeq(strings.TrimRight(string(p), "\n"), "\n") {
		if line == "" {
			continue
		}

		c.push(line)

		if c.written >= c.maxLines*2 {
			if err := c.truncate(); err != nil {
				return n, fmt.Errorf("failed to truncate log file: %w", err)
			}

			c.written = c.size
		}
	}

	return n, nil
}

// Sync flushes the file to disk.
func (c *CappedFile) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.file.Sync()
}

// Close closes the underlying file.
func (c *CappedFile) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.file.Close()
}

func (c *CappedFile) push(line string) {
	c.lines[c.head] = line
	c.head = (c.head + 1) % c.maxLines

	if c.size < c.maxLines {
		c.size++
	}

	c.written++
}

// retained returns the kept lines oldest first.
func (c *CappedFile) retained() []string {
	out := make([]string, 0, c.size)
	start := (c.head - c.size + c.maxLines) % c.maxLines

	for i := range c.size {
		out = append(out, c.lines[(start+i)%c.maxLines])
	}

	return out
}

// truncate replaces the file with the retained lines through a temp file rename.
func (c *CappedFile) truncate() error {
	temp, err := os.CreateTemp(filepath.Dir(c.path), "temp-log-")
	if err != nil {
		return err
	}

	tempPath := temp.Name()

	if _, err := io.WriteString(temp, strings.Join(c.retained(), "\n")+"\n"); err != nil {
		temp.Close()
		os.Remove(tempPath)

		return err
	}

	if err := temp.Close(); err != nil {
		os.Remove(tempPath)
		return err
	}

	c.file.Close()

	if err := os.Rename(tempPath, c.path); err != nil {
		return err
	}

	file, err := os.OpenFile(c.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	c.file = file

	return nil
}
