package parser

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/wwwzy/vhostlog/internal/model"
)

// ParseSummary describes one bulk parse.
type ParseSummary struct {
	Format  string
	Lines   int
	Parsed  int
	Skipped int
}

// ParseFile reads up to maxLines lines (all when maxLines <= 0). The format is
// detected once from the first non-empty line; lines that do not match it are
// skipped and counted.
func (p *Parser) ParseFile(path string, domainID uint64, maxLines int) ([]model.LogEntry, ParseSummary, error) {
	var summary ParseSummary

	f, err := os.Open(path)
	if err != nil {
		return nil, summary, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var (
		format  *LogFormat
		entries []model.LogEntry
	)
	for maxLines <= 0 || summary.Lines < maxLines {
		line, _, tooLong, err := readLine(r, p.maxLineBytes)
		if len(line) > 0 || tooLong {
			summary.Lines++
		}
		if tooLong {
			summary.Skipped++
		} else if text := strings.TrimRight(string(line), "\r\n"); strings.TrimSpace(text) != "" {
			if format == nil {
				format = p.registry.Detect(text)
				if format != nil {
					summary.Format = format.Name
				}
			}
			if entry, ok := p.ParseLine(text, domainID, format); ok {
				entries = append(entries, *entry)
				summary.Parsed++
			} else {
				summary.Skipped++
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return entries, summary, fmt.Errorf("read %s: %w", path, err)
		}
	}
	return entries, summary, nil
}

// LineHandler gets a chance to turn a line the active format rejected into an entry.
type LineHandler func(line string) (*model.LogEntry, bool)

type StreamOption func(*Stream)

// WithFormat skips detection and applies f to every line.
func WithFormat(f *LogFormat) StreamOption {
	return func(s *Stream) {
		s.format = f
	}
}

// WithLineHandler installs a fallback for unmatched lines.
func WithLineHandler(h LineHandler) StreamOption {
	return func(s *Stream) {
		s.fallback = h
	}
}

// Stream yields entries of a file one at a time, starting at a byte offset.
// Nothing is read until Next is called. A trailing line without a terminator
// is left unread so that a later stream from Offset picks it up whole.
type Stream struct {
	p        *Parser
	file     *os.File
	r        *bufio.Reader
	path     string
	domainID uint64

	format   *LogFormat
	fallback LineHandler

	offset  int64
	entry   model.LogEntry
	lines   int
	skipped int
	err     error
	done    bool
}

// StreamFile opens path at byte offset from. Callers must Close the stream.
func (p *Parser) StreamFile(path string, domainID uint64, from int64, opts ...StreamOption) (*Stream, error) {
	if from < 0 {
		from = 0
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if from > info.Size() {
		_ = f.Close()
		return nil, fmt.Errorf("stream %s: offset %d beyond end of file (%d)", path, from, info.Size())
	}
	if _, err := f.Seek(from, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("seek %s: %w", path, err)
	}

	s := &Stream{
		p:        p,
		file:     f,
		r:        bufio.NewReader(f),
		path:     path,
		domainID: domainID,
		offset:   from,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Next advances to the next parsed entry.
func (s *Stream) Next() bool {
	for !s.done {
		line, n, tooLong, err := readLine(s.r, s.p.maxLineBytes)
		complete := err == nil
		if err != nil && !errors.Is(err, io.EOF) {
			s.err = fmt.Errorf("read %s: %w", s.path, err)
		}
		if err != nil {
			s.done = true
		}
		if !complete {
			// partial or empty tail; retried from Offset next time
			return false
		}
		s.offset += int64(n)
		s.lines++

		if tooLong {
			s.skipped++
			continue
		}
		text := strings.TrimRight(string(line), "\r\n")
		if strings.TrimSpace(text) == "" {
			continue
		}
		if s.format == nil {
			s.format = s.p.registry.Detect(text)
		}
		entry, ok := s.p.ParseLine(text, s.domainID, s.format)
		if !ok && s.fallback != nil {
			entry, ok = s.fallback(text)
		}
		if !ok || entry == nil {
			s.skipped++
			continue
		}
		s.entry = *entry
		return true
	}
	return false
}

// Entry returns the entry produced by the last successful Next.
func (s *Stream) Entry() model.LogEntry {
	return s.entry
}

// Offset is the byte offset just past the last complete line consumed.
func (s *Stream) Offset() int64 {
	return s.offset
}

// Format is the format in use, nil until the first non-empty line is seen.
func (s *Stream) Format() *LogFormat {
	return s.format
}

func (s *Stream) Lines() int {
	return s.lines
}

func (s *Stream) Skipped() int {
	return s.skipped
}

func (s *Stream) Err() error {
	return s.err
}

func (s *Stream) Close() error {
	s.done = true
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// readLine reads through the next '\n'. n counts every byte consumed. A line
// longer than limit is drained and reported with tooLong. err is io.EOF when the
// input ended before a terminator; line then holds the partial tail.
func readLine(r *bufio.Reader, limit int) (line []byte, n int, tooLong bool, err error) {
	var buf bytes.Buffer
	for {
		chunk, err := r.ReadSlice('\n')
		n += len(chunk)
		if !tooLong {
			if limit > 0 && buf.Len()+len(chunk) > limit+2 {
				tooLong = true
				buf.Reset()
			} else {
				buf.Write(chunk)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return buf.Bytes(), n, tooLong, err
	}
}
