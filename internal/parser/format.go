package parser

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/spf13/cast"
)

// ErrInvalidFormat is returned when a custom format registration is malformed.
var ErrInvalidFormat = errors.New("invalid log format")

// Kind tells the parser how a format turns a line into named values.
type Kind int

const (
	// KindPattern formats capture values with regexp groups, mapped positionally to Fields.
	KindPattern Kind = iota
	// KindRecord formats decode the line as a key/value record and pick Fields by name.
	KindRecord
	// KindRaw formats keep only the raw line.
	KindRaw
)

const (
	FormatJSON   = "json"
	FormatAccess = "access"
	FormatRaw    = "raw"
)

// LogFormat is immutable once registered.
type LogFormat struct {
	Name    string
	Pattern *regexp.Regexp
	Fields  []string
	Kind    Kind
}

// Match reports whether line looks like this format.
func (f *LogFormat) Match(line string) bool {
	if f == nil {
		return false
	}
	switch f.Kind {
	case KindRaw:
		return true
	case KindRecord:
		return f.Pattern.MatchString(line) && json.Valid([]byte(strings.TrimSpace(line)))
	default:
		return f.Pattern.MatchString(line)
	}
}

// Extract returns the raw string value of every declared field present in line.
// ok is false when line does not match the format at all.
func (f *LogFormat) Extract(line string) (map[string]string, bool) {
	if f == nil {
		return nil, false
	}
	switch f.Kind {
	case KindRaw:
		return map[string]string{}, true
	case KindRecord:
		return f.extractRecord(line)
	}

	m := f.Pattern.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}
	out := make(map[string]string, len(f.Fields))
	for i, name := range f.Fields {
		if i+1 >= len(m) {
			break
		}
		if name == "" || m[i+1] == "" {
			continue
		}
		out[name] = m[i+1]
	}
	return out, true
}

func (f *LogFormat) extractRecord(line string) (map[string]string, bool) {
	trimmed := strings.TrimSpace(line)
	if !f.Pattern.MatchString(trimmed) {
		return nil, false
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var record map[string]interface{}
	if err := dec.Decode(&record); err != nil {
		return nil, false
	}

	out := make(map[string]string, len(f.Fields))
	for _, name := range f.Fields {
		v, ok := record[name]
		if !ok || v == nil {
			continue
		}
		s, err := cast.ToStringE(v)
		if err != nil || s == "" {
			continue
		}
		out[name] = s
	}
	return out, true
}

// RegisterOption controls where a format lands in detection order.
type RegisterOption func(*registerOptions)

type registerOptions struct {
	position int
	set      bool
}

// AtFront makes the format the first one tried during detection.
func AtFront() RegisterOption {
	return WithPriority(0)
}

// WithPriority places the format at index i of the detection order (0 is tried first).
func WithPriority(i int) RegisterOption {
	return func(o *registerOptions) {
		o.position = i
		o.set = true
	}
}

// Registry holds named formats in detection order. Formats without a
// matching pattern fall through to the fallback format, if any.
type Registry struct {
	mu       sync.RWMutex
	formats  []*LogFormat
	fallback *LogFormat
}

// NewRegistry returns a registry preloaded with the built-in formats:
// json, access, and the raw fallback.
func NewRegistry() *Registry {
	r := &Registry{}
	for _, f := range builtinFormats() {
		r.Register(f)
	}
	return r
}

// NewEmptyRegistry returns a registry without built-in formats.
func NewEmptyRegistry() *Registry {
	return &Registry{}
}

// Register adds f at the lowest priority unless an option says otherwise.
// A format with the same name is replaced; it keeps its slot unless a
// priority option is given. KindRaw formats become the fallback.
func (r *Registry) Register(f *LogFormat, opts ...RegisterOption) {
	var o registerOptions
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if f.Kind == KindRaw {
		r.removeLocked(f.Name)
		r.fallback = f
		return
	}
	if r.fallback != nil && r.fallback.Name == f.Name {
		r.fallback = nil
	}

	if i := r.indexLocked(f.Name); i >= 0 {
		if !o.set {
			r.formats[i] = f
			return
		}
		r.formats = append(r.formats[:i], r.formats[i+1:]...)
	}

	pos := len(r.formats)
	if o.set && o.position >= 0 && o.position < pos {
		pos = o.position
	}
	r.formats = append(r.formats, nil)
	copy(r.formats[pos+1:], r.formats[pos:])
	r.formats[pos] = f
}

// AddCustomFormat compiles pattern and registers it under name.
func (r *Registry) AddCustomFormat(name, pattern string, fields []string, opts ...RegisterOption) (*LogFormat, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidFormat)
	}
	if pattern == "" {
		return nil, fmt.Errorf("%w: %s: pattern is required", ErrInvalidFormat, name)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFormat, name, err)
	}
	if len(fields) > re.NumSubexp() {
		return nil, fmt.Errorf("%w: %s: %d fields but only %d capture groups", ErrInvalidFormat, name, len(fields), re.NumSubexp())
	}

	f := &LogFormat{
		Name:    name,
		Pattern: re,
		Fields:  append([]string(nil), fields...),
		Kind:    KindPattern,
	}
	r.Register(f, opts...)
	return f, nil
}

// Detect returns the first registered format matching sample, then the
// fallback. It returns nil for a blank sample.
func (r *Registry) Detect(sample string) *LogFormat {
	if strings.TrimSpace(sample) == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.formats {
		if f.Match(sample) {
			return f
		}
	}
	return r.fallback
}

// Format looks up a format by name.
func (r *Registry) Format(name string) (*LogFormat, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.indexLocked(name); i >= 0 {
		return r.formats[i], true
	}
	if r.fallback != nil && r.fallback.Name == name {
		return r.fallback, true
	}
	return nil, false
}

// Formats returns all formats in detection order, fallback last.
func (r *Registry) Formats() []*LogFormat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*LogFormat, 0, len(r.formats)+1)
	out = append(out, r.formats...)
	if r.fallback != nil {
		out = append(out, r.fallback)
	}
	return out
}

func (r *Registry) indexLocked(name string) int {
	for i, f := range r.formats {
		if f.Name == name {
			return i
		}
	}
	return -1
}

func (r *Registry) removeLocked(name string) {
	if i := r.indexLocked(name); i >= 0 {
		r.formats = append(r.formats[:i], r.formats[i+1:]...)
	}
}

func builtinFormats() []*LogFormat {
	return []*LogFormat{
		{
			Name:    FormatJSON,
			Pattern: regexp.MustCompile(`^\s*\{.*\}\s*$`),
			Fields: []string{
				"timestamp", "time", "ts", "@timestamp", "date",
				"method", "request_method",
				"path", "uri", "url", "request_uri",
				"status", "status_code",
				"bytes", "size", "body_bytes_sent", "bytes_sent",
				"client_ip", "remote_addr", "ip",
				"user_agent", "http_user_agent", "agent",
				"referer", "http_referer",
			},
			Kind: KindRecord,
		},
		{
			// host ident authuser [date] "request" status bytes ["referer" "user agent"]
			Name:    FormatAccess,
			Pattern: regexp.MustCompile(`^(\S+) \S+ \S+ \[([^\]]+)\] "([A-Z]+) (\S+)(?: [^"]*)?" (\d{3}) (\d+|-)(?: "([^"]*)" "([^"]*)")?`),
			Fields:  []string{"client_ip", "timestamp", "method", "path", "status", "bytes", "referer", "user_agent"},
			Kind:    KindPattern,
		},
		{
			Name:    FormatRaw,
			Pattern: regexp.MustCompile(`.*`),
			Kind:    KindRaw,
		},
	}
}
