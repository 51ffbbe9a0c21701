// Package tree holds the compiled pipeline model: node paths, the flow and
// step nodes, and the NodeTree index that defines execution order.
package tree

import (
	"fmt"
	"strings"
	"unicode"
)

// PathSeparator delimits segments in the string form of a NodePath.
const PathSeparator = "/"

// MaxSegmentLength bounds the length of a single path segment.
const MaxSegmentLength = 100

// NodePath is an immutable hierarchical address of a node. The zero value is
// the empty path and addresses nothing. NodePath values are comparable and can
// be used as map keys.
type NodePath struct {
	path string
}

// NewPath builds a path from segments. Every segment must satisfy ValidName.
func NewPath(segments ...string) (NodePath, error) {
	if len(segments) == 0 {
		return NodePath{}, fmt.Errorf("%w: no segments", ErrInvalidPath)
	}
	for _, s := range segments {
		if !ValidName(s) {
			return NodePath{}, fmt.Errorf("%w: segment %q", ErrInvalidPath, s)
		}
	}
	return NodePath{path: strings.Join(segments, PathSeparator)}, nil
}

// ParsePath parses the string form produced by NodePath.String. Leading and
// trailing separators are ignored.
func ParsePath(s string) (NodePath, error) {
	trimmed := strings.Trim(s, PathSeparator)
	if trimmed == "" {
		return NodePath{}, fmt.Errorf("%w: %q", ErrInvalidPath, s)
	}
	return NewPath(strings.Split(trimmed, PathSeparator)...)
}

// MustParsePath is like ParsePath but panics on error. Intended for constants
// and tests.
func MustParsePath(s string) NodePath {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// ValidName reports whether name can be used as a path segment: non-empty, at
// most MaxSegmentLength bytes, and free of separators, wildcards and
// whitespace.
func ValidName(name string) bool {
	if name == "" || len(name) > MaxSegmentLength {
		return false
	}
	for _, r := range name {
		if r == '/' || r == '*' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// Append returns a child path with name as its last segment.
func (p NodePath) Append(name string) (NodePath, error) {
	if p.IsZero() {
		return NewPath(name)
	}
	if !ValidName(name) {
		return NodePath{}, fmt.Errorf("%w: segment %q", ErrInvalidPath, name)
	}
	return NodePath{path: p.path + PathSeparator + name}, nil
}

// Segments returns a copy of the path segments.
func (p NodePath) Segments() []string {
	if p.IsZero() {
		return nil
	}
	return strings.Split(p.path, PathSeparator)
}

// Depth returns the number of segments.
func (p NodePath) Depth() int {
	if p.IsZero() {
		return 0
	}
	return strings.Count(p.path, PathSeparator) + 1
}

// Name returns the last segment.
func (p NodePath) Name() string {
	if i := strings.LastIndex(p.path, PathSeparator); i >= 0 {
		return p.path[i+1:]
	}
	return p.path
}

// Parent returns the path without its last segment. It reports false for
// root paths and the zero path.
func (p NodePath) Parent() (NodePath, bool) {
	i := strings.LastIndex(p.path, PathSeparator)
	if i < 0 {
		return NodePath{}, false
	}
	return NodePath{path: p.path[:i]}, true
}

// Root returns the first segment as a path.
func (p NodePath) Root() NodePath {
	if i := strings.Index(p.path, PathSeparator); i >= 0 {
		return NodePath{path: p.path[:i]}
	}
	return p
}

// IsRoot reports whether p has exactly one segment.
func (p NodePath) IsRoot() bool { return p.Depth() == 1 }

// IsZero reports whether p is the empty path.
func (p NodePath) IsZero() bool { return p.path == "" }

// IsAncestorOf reports whether other lies strictly below p.
func (p NodePath) IsAncestorOf(other NodePath) bool {
	if p.IsZero() || len(other.path) <= len(p.path) {
		return false
	}
	return strings.HasPrefix(other.path, p.path+PathSeparator)
}

// Compare orders paths segment by segment. A path sorts before its
// descendants.
func (p NodePath) Compare(other NodePath) int {
	a, b := p.Segments(), other.Segments()
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := strings.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// String returns the separator-joined form.
func (p NodePath) String() string { return p.path }

// MarshalText implements encoding.TextMarshaler.
func (p NodePath) MarshalText() ([]byte, error) { return []byte(p.path), nil }

// UnmarshalText implements encoding.TextUnmarshaler. Empty input yields the
// zero path.
func (p *NodePath) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*p = NodePath{}
		return nil
	}
	parsed, err := ParsePath(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
