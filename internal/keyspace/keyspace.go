package keyspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	suffixSize     = "size"
	suffixCRC      = "crc"
	fragmentPrefix = "fragment@"

	// MaxFileSize bounds offsets and announced sizes.
	MaxFileSize = 10 * 1024 * 1024 * 1024 * 1024 // 10TB

	// ResumeDir is reserved under every destination root for resume sidecars.
	ResumeDir = ".kbsync_resume"
)

var (
	// ErrMalformedKey indicates the key does not match <prefix>.<path>.{crc|size|fragment@<offset>}
	ErrMalformedKey = errors.New("malformed key")
	// ErrPathEscape indicates the resolved path leaves the destination root
	ErrPathEscape = errors.New("path escapes destination root")
	// ErrOffsetOutOfRange indicates a fragment offset beyond the supported file size
	ErrOffsetOutOfRange = errors.New("fragment offset out of range")
)

// Kind classifies a file key.
type Kind int

const (
	KindFragment Kind = iota + 1
	KindSize
	KindCRC
)

func (k Kind) String() string {
	switch k {
	case KindFragment:
		return "fragment"
	case KindSize:
		return "size"
	case KindCRC:
		return "crc"
	default:
		return "unknown"
	}
}

// Key is a parsed file key.
type Key struct {
	File   string // normalized relative path
	Kind   Kind
	Offset uint64 // fragments only
}

// Mapping pairs a key namespace prefix with a destination directory.
type Mapping struct {
	Prefix string `yaml:"prefix"`
	Root   string `yaml:"root"`
}

// Mapper translates namespace keys into paths under a destination root.
// It is immutable after construction.
type Mapper struct {
	prefix string
	root   string
}

// NewMapper validates the mapping and returns a Mapper.
func NewMapper(m Mapping) (*Mapper, error) {
	prefix := strings.TrimSuffix(m.Prefix, ".")
	if prefix == "" {
		return nil, fmt.Errorf("namespace prefix is required")
	}
	if m.Root == "" {
		return nil, fmt.Errorf("destination root is required")
	}
	root, err := filepath.Abs(m.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	return &Mapper{prefix: prefix, root: root}, nil
}

// Prefix returns the namespace prefix without a trailing dot.
func (m *Mapper) Prefix() string { return m.prefix }

// Root returns the absolute destination root.
func (m *Mapper) Root() string { return m.root }

// Map strips the namespace prefix from key and returns the normalized relative path.
func (m *Mapper) Map(key string) (string, error) {
	rest, ok := strings.CutPrefix(key, m.prefix+".")
	if !ok {
		return "", fmt.Errorf("%w: %q not under %q", ErrMalformedKey, key, m.prefix)
	}
	return m.Normalize(rest)
}

// Normalize validates a caller-supplied relative path and returns its canonical form.
func (m *Mapper) Normalize(rel string) (string, error) {
	clean, err := CleanPath(rel)
	if err != nil {
		return "", err
	}
	full := filepath.Join(m.root, filepath.FromSlash(clean))
	within, err := filepath.Rel(m.root, full)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	return clean, nil
}

// CleanPath checks a slash-separated relative path without reference to any
// root and returns it cleaned. Publishers use it to vet names before sending.
func CleanPath(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrMalformedKey)
	}
	if strings.ContainsAny(rel, "\\\x00") || strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
		}
	}
	clean := filepath.ToSlash(filepath.Clean(rel))
	if clean == "." || !filepath.IsLocal(filepath.FromSlash(clean)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	if clean == ResumeDir || strings.HasPrefix(clean, ResumeDir+"/") {
		return "", fmt.Errorf("%w: %q is reserved", ErrPathEscape, rel)
	}
	return clean, nil
}

// Path returns the destination pathname for a normalized file id.
func (m *Mapper) Path(id string) string {
	return filepath.Join(m.root, filepath.FromSlash(id))
}

// EnsureDir creates the intermediate directories for a file id.
func (m *Mapper) EnsureDir(id string) (string, error) {
	p := m.Path(id)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return "", err
	}
	return p, nil
}

// Parse classifies a knowledge key of the form
// <prefix>.<relative_path>.{crc|size|fragment@<offset>}.
func (m *Mapper) Parse(key string) (Key, error) {
	rest, ok := strings.CutPrefix(key, m.prefix+".")
	if !ok {
		return Key{}, fmt.Errorf("%w: %q not under %q", ErrMalformedKey, key, m.prefix)
	}
	dot := strings.LastIndexByte(rest, '.')
	if dot <= 0 || dot == len(rest)-1 {
		return Key{}, fmt.Errorf("%w: %q has no suffix", ErrMalformedKey, key)
	}
	suffix := rest[dot+1:]
	var k Key
	switch {
	case suffix == suffixSize:
		k.Kind = KindSize
	case suffix == suffixCRC:
		k.Kind = KindCRC
	case strings.HasPrefix(suffix, fragmentPrefix):
		off, err := parseOffset(suffix[len(fragmentPrefix):])
		if err != nil {
			return Key{}, fmt.Errorf("%q: %w", key, err)
		}
		k.Kind = KindFragment
		k.Offset = off
	default:
		return Key{}, fmt.Errorf("%w: unknown suffix %q", ErrMalformedKey, suffix)
	}
	id, err := m.Normalize(rest[:dot])
	if err != nil {
		return Key{}, err
	}
	k.File = id
	return k, nil
}

func parseOffset(s string) (uint64, error) {
	if s == "" || s[0] == '-' || s[0] == '+' {
		return 0, fmt.Errorf("%w: offset %q", ErrMalformedKey, s)
	}
	off, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange) {
			return 0, ErrOffsetOutOfRange
		}
		return 0, fmt.Errorf("%w: offset %q", ErrMalformedKey, s)
	}
	if off >= MaxFileSize {
		return 0, ErrOffsetOutOfRange
	}
	return off, nil
}

// FileKey returns <prefix>.<rel>.
func FileKey(prefix, rel string) string {
	return strings.TrimSuffix(prefix, ".") + "." + rel
}

// SizeKey returns the size metadata key for a file.
func SizeKey(prefix, rel string) string {
	return FileKey(prefix, rel) + "." + suffixSize
}

// CRCKey returns the checksum metadata key for a file.
func CRCKey(prefix, rel string) string {
	return FileKey(prefix, rel) + "." + suffixCRC
}

// FragmentKey returns the fragment key for a file at offset.
func FragmentKey(prefix, rel string, offset uint64) string {
	return FileKey(prefix, rel) + "." + fragmentPrefix + strconv.FormatUint(offset, 10)
}
