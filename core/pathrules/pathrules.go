// Package pathrules enforces the file-path and content rules applied before a
// write reaches a draft. Callers are expected to pre-validate; the engine
// still checks every write.
package pathrules

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/gobwas/glob"

	ferrors "github.com/adalundhe/folio/core/errors"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds the validation rules.
type Config struct {
	// MaxContentBytes rejects larger content (0 = DefaultMaxContentBytes).
	MaxContentBytes int64

	// DenyPatterns are glob patterns (with '/' as separator) that may never be
	// written, e.g. ["**/*.exe", "private/**"].
	DenyPatterns []string

	// AllowHidden permits path segments starting with a dot.
	AllowHidden bool
}

// DefaultMaxContentBytes is the default content limit (10MB).
const DefaultMaxContentBytes int64 = 10 * 1024 * 1024

// SidecarSuffix is reserved for the metadata files written next to every
// published file.
const SidecarSuffix = ".meta.json"

// ErrInvalidPattern indicates a deny pattern could not be compiled.
var ErrInvalidPattern = errors.New("invalid glob pattern")

// =============================================================================
// Validator
// =============================================================================

// Validator checks paths and content against Config. It is immutable after
// construction and safe for concurrent use.
type Validator struct {
	maxBytes    int64
	allowHidden bool
	deny        []denyRule
}

type denyRule struct {
	pattern string
	matcher glob.Glob
}

// New compiles the rules.
func New(cfg Config) (*Validator, error) {
	v := &Validator{
		maxBytes:    cfg.MaxContentBytes,
		allowHidden: cfg.AllowHidden,
	}
	if v.maxBytes <= 0 {
		v.maxBytes = DefaultMaxContentBytes
	}

	for _, pattern := range cfg.DenyPatterns {
		matcher, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, errors.Join(ErrInvalidPattern, fmt.Errorf("%q: %w", pattern, err))
		}
		v.deny = append(v.deny, denyRule{pattern: pattern, matcher: matcher})
	}

	return v, nil
}

// Default returns a validator with default rules.
func Default() *Validator {
	v, _ := New(Config{})
	return v
}

// ValidatePath rejects empty, absolute, parent-relative, hidden and denied
// paths. Paths are slash-separated and relative to the repository root.
func (v *Validator) ValidatePath(path string) error {
	const op = "pathrules.path"

	if path == "" {
		return ferrors.Validation(op, "path is empty")
	}
	if strings.IndexFunc(path, unicode.IsControl) >= 0 {
		return invalid(op, path, "contains control characters")
	}
	if strings.Contains(path, `\`) {
		return invalid(op, path, "must use forward slashes")
	}
	if strings.HasPrefix(path, "/") || hasDriveLetter(path) {
		return invalid(op, path, "must be relative")
	}

	for _, segment := range strings.Split(path, "/") {
		switch {
		case segment == "":
			return invalid(op, path, "contains an empty segment")
		case segment == "..":
			return invalid(op, path, "must not reference a parent directory")
		case segment == ".":
			return invalid(op, path, "must not contain '.' segments")
		case strings.HasPrefix(segment, ".") && !v.allowHidden:
			return invalid(op, path, "must not target a hidden file")
		}
	}

	if strings.HasSuffix(path, SidecarSuffix) {
		return invalid(op, path, fmt.Sprintf("the %s suffix is reserved", SidecarSuffix))
	}

	for _, rule := range v.deny {
		if rule.matcher.Match(path) {
			return invalid(op, path, fmt.Sprintf("matches deny pattern %q", rule.pattern))
		}
	}

	return nil
}

// ValidateContent rejects content over the size limit.
func (v *Validator) ValidateContent(content []byte) error {
	if int64(len(content)) > v.maxBytes {
		return ferrors.Validation("pathrules.content",
			fmt.Sprintf("content is %d bytes, limit is %d", len(content), v.maxBytes))
	}
	return nil
}

// MaxContentBytes returns the configured content limit.
func (v *Validator) MaxContentBytes() int64 { return v.maxBytes }

func invalid(op, path, reason string) error {
	return ferrors.Validation(op, fmt.Sprintf("invalid path %q: %s", path, reason)).
		WithContext("path", path)
}

func hasDriveLetter(path string) bool {
	return len(path) >= 2 && path[1] == ':' &&
		((path[0] >= 'a' && path[0] <= 'z') || (path[0] >= 'A' && path[0] <= 'Z'))
}
