package parser

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzy/vhostlog/internal/model"
)

var fixedNow = time.Date(2026, 2, 17, 12, 0, 0, 0, time.UTC)

func newTestParser(opts ...Option) *Parser {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(NewRegistry(), opts...)
}

func writeLines(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "access.log")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseLineAccessFormat(t *testing.T) {
	p := newTestParser()
	line := `127.0.0.1 - - [10/Oct/2023:13:55:36] "GET /index.html HTTP/1.1" 200 1024`

	f := p.DetectFormat(line)
	require.NotNil(t, f)
	assert.Equal(t, FormatAccess, f.Name)

	entry, ok := p.ParseLine(line, 7, f)
	require.True(t, ok)
	assert.Equal(t, uint64(7), entry.DomainID)
	assert.Equal(t, "127.0.0.1", entry.ClientIP)
	assert.Equal(t, "GET", entry.Method)
	assert.Equal(t, "/index.html", entry.Path)
	require.NotNil(t, entry.Status)
	assert.Equal(t, 200, *entry.Status)
	require.NotNil(t, entry.Bytes)
	assert.Equal(t, int64(1024), *entry.Bytes)
	assert.True(t, entry.Timestamp.Equal(time.Date(2023, 10, 10, 13, 55, 36, 0, time.UTC)))
	assert.False(t, entry.TimestampInferred)
	assert.Equal(t, line, entry.Raw)
	assert.Equal(t, FormatAccess, entry.RawFormat)
}

func TestParseLineCombinedWithAgent(t *testing.T) {
	p := newTestParser()
	line := `10.0.0.5 - bob [17/Feb/2026:12:00:00 +0100] "POST /api/login HTTP/2.0" 401 - "https://example.com/" "curl/8.5.0"`

	entry, ok := p.ParseLine(line, 1, p.DetectFormat(line))
	require.True(t, ok)
	assert.Equal(t, "POST", entry.Method)
	assert.Equal(t, 401, *entry.Status)
	assert.Nil(t, entry.Bytes)
	assert.Equal(t, "curl/8.5.0", entry.UserAgent)
	assert.Equal(t, "https://example.com/", entry.Referer)
	assert.True(t, entry.Timestamp.Equal(time.Date(2026, 2, 17, 11, 0, 0, 0, time.UTC)))
}

func TestParseLineStructuredRecord(t *testing.T) {
	p := newTestParser()
	line := `{"ts": 1696939200, "level": "error", "msg": "disk full"}`

	f := p.DetectFormat(line)
	require.NotNil(t, f)
	assert.Equal(t, FormatJSON, f.Name)

	entry, ok := p.ParseLine(line, 3, f)
	require.True(t, ok)
	assert.True(t, entry.Timestamp.Equal(time.Unix(1696939200, 0)))
	assert.False(t, entry.TimestampInferred)
	assert.Equal(t, line, entry.Raw)
	assert.Empty(t, entry.Method)
	assert.Nil(t, entry.Status)
}

func TestParseLineStructuredFieldsByName(t *testing.T) {
	p := newTestParser()
	line := `{"time":"2026-02-17T12:00:00Z","remote_addr":"192.168.1.9","request_method":"get","uri":"/health","status":503,"body_bytes_sent":"12","nested":{"a":1}}`

	entry, ok := p.ParseLine(line, 1, p.DetectFormat(line))
	require.True(t, ok)
	assert.Equal(t, "192.168.1.9", entry.ClientIP)
	assert.Equal(t, "GET", entry.Method)
	assert.Equal(t, "/health", entry.Path)
	assert.Equal(t, 503, *entry.Status)
	assert.Equal(t, int64(12), *entry.Bytes)
	assert.True(t, entry.IsError())
}

func TestParseLineMismatchIsNotAnError(t *testing.T) {
	p := newTestParser()
	access, ok := p.Registry().Format(FormatAccess)
	require.True(t, ok)

	entry, ok := p.ParseLine("this is not an access log line", 1, access)
	assert.False(t, ok)
	assert.Nil(t, entry)

	entry, ok = p.ParseLine("anything", 1, nil)
	assert.False(t, ok)
	assert.Nil(t, entry)
}

func TestParseLineRawFallback(t *testing.T) {
	p := newTestParser()
	f := p.DetectFormat("kernel: something happened")
	require.NotNil(t, f)
	assert.Equal(t, FormatRaw, f.Name)

	entry, ok := p.ParseLine("kernel: something happened", 2, f)
	require.True(t, ok)
	assert.Equal(t, "kernel: something happened", entry.Raw)
	assert.True(t, entry.TimestampInferred)
	assert.True(t, entry.Timestamp.Equal(fixedNow))
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		want     time.Time
		inferred bool
	}{
		{"epoch seconds", "1696939200", time.Unix(1696939200, 0), false},
		{"epoch seconds fraction", "1696939200.5", time.Unix(1696939200, 500000000), false},
		{"epoch millis", "1696939200123", time.UnixMilli(1696939200123), false},
		{"rfc3339", "2023-10-10T13:55:36Z", time.Date(2023, 10, 10, 13, 55, 36, 0, time.UTC), false},
		{"rfc1123", "Tue, 10 Oct 2023 13:55:36 GMT", time.Date(2023, 10, 10, 13, 55, 36, 0, time.UTC), false},
		{"clf zone", "[10/Oct/2023:13:55:36 +0000]", time.Date(2023, 10, 10, 13, 55, 36, 0, time.UTC), false},
		{"iso space", "2023-10-10 13:55:36", time.Date(2023, 10, 10, 13, 55, 36, 0, time.UTC), false},
		{"garbage", "yesterday-ish", fixedNow, true},
		{"empty", "", fixedNow, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, inferred := ParseTimestamp(tt.raw, fixedNow)
			assert.Equal(t, tt.inferred, inferred)
			assert.True(t, got.Equal(tt.want), "got %s want %s", got, tt.want)
		})
	}
}

func TestDetectFormatPriority(t *testing.T) {
	reg := NewRegistry()
	line := `127.0.0.1 - - [10/Oct/2023:13:55:36] "GET / HTTP/1.1" 200 1`

	_, err := reg.AddCustomFormat("loose", `^(\S+) `, []string{"client_ip"})
	require.NoError(t, err)
	assert.Equal(t, FormatAccess, reg.Detect(line).Name, "custom formats go last by default")

	_, err = reg.AddCustomFormat("front", `^(\S+) - -`, []string{"client_ip"}, AtFront())
	require.NoError(t, err)
	assert.Equal(t, "front", reg.Detect(line).Name)

	names := []string{}
	for _, f := range reg.Formats() {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"front", FormatJSON, FormatAccess, "loose", FormatRaw}, names)

	assert.Nil(t, reg.Detect("   "))
}

func TestAddCustomFormatValidation(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.AddCustomFormat("", `(x)`, nil)
	assert.ErrorIs(t, err, ErrInvalidFormat)

	_, err = reg.AddCustomFormat("bad", `([`, nil)
	assert.ErrorIs(t, err, ErrInvalidFormat)

	_, err = reg.AddCustomFormat("fields", `(a)`, []string{"method", "path"})
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestAddCustomFormatOverwrites(t *testing.T) {
	p := newTestParser()
	_, err := p.AddCustomFormat("app", `^APP (\S+)$`, []string{"path"})
	require.NoError(t, err)
	_, err = p.AddCustomFormat("app", `^APP (\S+) (\d+)$`, []string{"path", "status"})
	require.NoError(t, err)

	count := 0
	for _, f := range p.Registry().Formats() {
		if f.Name == "app" {
			count++
		}
	}
	assert.Equal(t, 1, count)

	f, ok := p.Registry().Format("app")
	require.True(t, ok)
	entry, ok := p.ParseLine("APP /x 204", 1, f)
	require.True(t, ok)
	assert.Equal(t, 204, *entry.Status)
}

func TestAccessFieldsRecoverOriginalValues(t *testing.T) {
	p := newTestParser()
	f, _ := p.Registry().Format(FormatAccess)

	for i := 0; i < 50; i++ {
		ip := fmt.Sprintf("10.0.%d.%d", i, i*3%255)
		path := fmt.Sprintf("/p/%d", i*7)
		status := 200 + i%4*100
		size := i * 131
		line := fmt.Sprintf(`%s - - [10/Oct/2023:13:55:%02d +0000] "PUT %s HTTP/1.1" %d %d "-" "agent/%d"`, ip, i%60, path, status, size, i)

		entry, ok := p.ParseLine(line, 1, f)
		require.True(t, ok, line)
		values, _ := f.Extract(line)

		assert.Equal(t, values["client_ip"], entry.ClientIP)
		assert.Equal(t, values["method"], entry.Method)
		assert.Equal(t, values["path"], entry.Path)
		assert.Equal(t, values["status"], strconv.Itoa(*entry.Status))
		assert.Equal(t, values["bytes"], strconv.FormatInt(*entry.Bytes, 10))
		assert.Equal(t, values["user_agent"], entry.UserAgent)
	}
}

func TestParseFile(t *testing.T) {
	p := newTestParser()
	path := writeLines(t, "\n"+
		`1.1.1.1 - - [10/Oct/2023:13:55:36 +0000] "GET /a HTTP/1.1" 200 10`+"\n"+
		"garbage line\n"+
		`2.2.2.2 - - [10/Oct/2023:13:55:37 +0000] "GET /b HTTP/1.1" 404 0`+"\n"+
		`3.3.3.3 - - [10/Oct/2023:13:55:38 +0000] "GET /c HTTP/1.1" 500 5`)

	entries, summary, err := p.ParseFile(path, 9, 0)
	require.NoError(t, err)
	assert.Equal(t, FormatAccess, summary.Format)
	assert.Equal(t, 3, summary.Parsed)
	assert.Equal(t, 1, summary.Skipped)
	require.Len(t, entries, 3)
	assert.Equal(t, "/c", entries[2].Path)

	entries, summary, err = p.ParseFile(path, 9, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Lines)
	assert.Len(t, entries, 1)
}

func TestParseFileEmpty(t *testing.T) {
	p := newTestParser()
	path := writeLines(t, "")

	entries, summary, err := p.ParseFile(path, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, summary.Format)
}

func TestParseFileMissing(t *testing.T) {
	p := newTestParser()
	_, _, err := p.ParseFile(filepath.Join(t.TempDir(), "nope.log"), 1, 0)
	assert.Error(t, err)
}

func collect(t *testing.T, s *Stream) []string {
	t.Helper()
	var out []string
	for s.Next() {
		out = append(out, s.Entry().Raw)
	}
	require.NoError(t, s.Err())
	return out
}

func TestStreamFileIsRestartable(t *testing.T) {
	p := newTestParser()
	path := writeLines(t, "one\ntwo\nthr")

	s, err := p.StreamFile(path, 1, 0)
	require.NoError(t, err)
	first := collect(t, s)
	offset := s.Offset()
	require.NoError(t, s.Close())

	assert.Equal(t, []string{"one", "two"}, first)
	assert.Equal(t, int64(len("one\ntwo\n")), offset, "partial tail is not consumed")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("ee\nfour\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = p.StreamFile(path, 1, offset)
	require.NoError(t, err)
	defer s.Close()
	second := collect(t, s)

	assert.Equal(t, []string{"three", "four"}, second)
	info, _ := os.Stat(path)
	assert.Equal(t, info.Size(), s.Offset())
}

func TestStreamFileStopEarly(t *testing.T) {
	p := newTestParser()
	path := writeLines(t, "a\nb\nc\n")

	s, err := p.StreamFile(path, 1, 0)
	require.NoError(t, err)
	require.True(t, s.Next())
	assert.Equal(t, "a", s.Entry().Raw)
	require.NoError(t, s.Close())
	assert.False(t, s.Next())

	s, err = p.StreamFile(path, 1, s.Offset())
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, []string{"b", "c"}, collect(t, s))
}

func TestStreamFileFormatAndFallback(t *testing.T) {
	p := newTestParser()
	access, _ := p.Registry().Format(FormatAccess)
	path := writeLines(t, `1.1.1.1 - - [10/Oct/2023:13:55:36 +0000] "GET /a HTTP/1.1" 200 10`+"\nnot access\n")

	s, err := p.StreamFile(path, 1, 0, WithFormat(access))
	require.NoError(t, err)
	assert.Len(t, collect(t, s), 1)
	assert.Equal(t, 1, s.Skipped())
	_ = s.Close()

	rescued := 0
	s, err = p.StreamFile(path, 1, 0, WithFormat(access), WithLineHandler(func(line string) (*model.LogEntry, bool) {
		rescued++
		return &model.LogEntry{DomainID: 1, Raw: line, RawFormat: "rescued"}, true
	}))
	require.NoError(t, err)
	defer s.Close()
	assert.Len(t, collect(t, s), 2)
	assert.Equal(t, 1, rescued)
}

func TestStreamFileLongLinesAreSkipped(t *testing.T) {
	p := newTestParser(WithMaxLineBytes(8))
	path := writeLines(t, "short\nthis line is far too long\nok\n")

	s, err := p.StreamFile(path, 1, 0)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, []string{"short", "ok"}, collect(t, s))
	assert.Equal(t, 1, s.Skipped())
	info, _ := os.Stat(path)
	assert.Equal(t, info.Size(), s.Offset())
}

func TestStreamFileOffsetBeyondEnd(t *testing.T) {
	p := newTestParser()
	path := writeLines(t, "a\n")
	_, err := p.StreamFile(path, 1, 100)
	assert.Error(t, err)
}
