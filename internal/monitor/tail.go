package monitor

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
)

const tailChunk = 4096

// TailFile returns the last n lines of path (the configured default when
// n <= 0). It reads the file directly and leaves watch state untouched.
func (m *FileMonitor) TailFile(path string, n int) ([]string, error) {
	if n <= 0 {
		n = m.cfg.TailLines
	}
	return TailLines(path, n)
}

// TailLines reads path backwards in chunks until it has n complete lines.
func TailLines(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	var (
		end = info.Size()
		buf []byte
	)
	for end > 0 {
		size := int64(tailChunk)
		if end < size {
			size = end
		}
		chunk := make([]byte, size)
		if _, err := f.ReadAt(chunk, end-size); err != nil && err != io.EOF {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		buf = append(chunk, buf...)
		end -= size
		// one extra terminator: the last line usually ends with one
		if bytes.Count(buf, []byte{'\n'}) > n {
			break
		}
	}

	text := strings.TrimRight(string(buf), "\r\n")
	if text == "" {
		return []string{}, nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], "\r")
	}
	return lines, nil
}
