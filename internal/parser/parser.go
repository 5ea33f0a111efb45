package parser

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/wwwzy/vhostlog/internal/model"
)

const defaultMaxLineBytes = 1024 * 1024

// Parser turns raw lines into normalized entries using the formats of a Registry.
type Parser struct {
	registry     *Registry
	maxLineBytes int
	now          func() time.Time
}

type Option func(*Parser)

// WithMaxLineBytes bounds the length of a single line; longer lines are skipped.
func WithMaxLineBytes(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.maxLineBytes = n
		}
	}
}

// WithClock overrides the ingestion clock used for inferred timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) {
		if now != nil {
			p.now = now
		}
	}
}

// New returns a Parser over reg; a nil reg gets the built-in formats.
func New(reg *Registry, opts ...Option) *Parser {
	if reg == nil {
		reg = NewRegistry()
	}
	p := &Parser{
		registry:     reg,
		maxLineBytes: defaultMaxLineBytes,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Parser) Registry() *Registry {
	return p.registry
}

// DetectFormat tries registered formats in priority order.
func (p *Parser) DetectFormat(sample string) *LogFormat {
	return p.registry.Detect(sample)
}

// AddCustomFormat registers a new pattern format, by default at the lowest priority.
func (p *Parser) AddCustomFormat(name, pattern string, fields []string, opts ...RegisterOption) (*LogFormat, error) {
	return p.registry.AddCustomFormat(name, pattern, fields, opts...)
}

// ParseLine applies f to line. It returns false, not an error, when the line
// does not match f; callers treat such lines as unstructured.
func (p *Parser) ParseLine(line string, domainID uint64, f *LogFormat) (*model.LogEntry, bool) {
	if f == nil {
		return nil, false
	}
	line = strings.TrimRight(line, "\r\n")
	values, ok := f.Extract(line)
	if !ok {
		return nil, false
	}

	entry := &model.LogEntry{
		DomainID:  domainID,
		Raw:       line,
		RawFormat: f.Name,
	}

	var rawTS string
	for _, name := range f.Fields {
		v, ok := values[name]
		if !ok {
			continue
		}
		switch canonicalField(name) {
		case "timestamp":
			if rawTS == "" {
				rawTS = v
			}
		case "method":
			entry.Method = strings.ToUpper(v)
		case "path":
			entry.Path = v
		case "status":
			if n, err := cast.ToIntE(v); err == nil && n > 0 {
				entry.Status = &n
			}
		case "bytes":
			if n, err := cast.ToInt64E(v); err == nil && n >= 0 {
				entry.Bytes = &n
			}
		case "client_ip":
			entry.ClientIP = v
		case "user_agent":
			entry.UserAgent = v
		case "referer":
			if v != "-" {
				entry.Referer = v
			}
		}
	}

	entry.Timestamp, entry.TimestampInferred = p.ParseTimestamp(rawTS)
	return entry, true
}

// ParseTimestamp resolves raw to an instant. inferred is true when nothing
// matched and the ingestion time was used instead.
func (p *Parser) ParseTimestamp(raw string) (ts time.Time, inferred bool) {
	return ParseTimestamp(raw, p.now())
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"02/Jan/2006:15:04:05 -0700",
	"02/Jan/2006:15:04:05",
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999 -0700",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.ANSIC,
	time.UnixDate,
}

// ParseTimestamp tries epoch seconds, epoch milliseconds, then the common
// textual layouts. On failure it returns now with inferred set.
func ParseTimestamp(raw string, now time.Time) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if s == "" {
		return now.UTC(), true
	}

	if isNumeric(s) {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			switch {
			case f > -1e11 && f < 1e11:
				sec := int64(f)
				nsec := int64((f - float64(sec)) * 1e9)
				return time.Unix(sec, nsec).UTC(), false
			case f > -1e14 && f < 1e14:
				return time.UnixMilli(int64(f)).UTC(), false
			}
		}
	}

	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), false
		}
	}
	return now.UTC(), true
}

func isNumeric(s string) bool {
	dot := false
	for i, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c == '-' && i == 0 && len(s) > 1:
		case c == '.' && !dot:
			dot = true
		default:
			return false
		}
	}
	return true
}

var fieldAliases = map[string]string{
	"timestamp":       "timestamp",
	"time":            "timestamp",
	"ts":              "timestamp",
	"@timestamp":      "timestamp",
	"date":            "timestamp",
	"method":          "method",
	"request_method":  "method",
	"path":            "path",
	"uri":             "path",
	"url":             "path",
	"request_uri":     "path",
	"status":          "status",
	"status_code":     "status",
	"bytes":           "bytes",
	"size":            "bytes",
	"body_bytes_sent": "bytes",
	"bytes_sent":      "bytes",
	"client_ip":       "client_ip",
	"remote_addr":     "client_ip",
	"ip":              "client_ip",
	"user_agent":      "user_agent",
	"http_user_agent": "user_agent",
	"agent":           "user_agent",
	"referer":         "referer",
	"http_referer":    "referer",
}

// canonicalField maps a declared field name to the LogEntry field it feeds,
// or "" for names the entry has no slot for.
func canonicalField(name string) string {
	return fieldAliases[strings.ToLower(strings.TrimSpace(name))]
}
