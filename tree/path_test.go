package tree

import (
	"errors"
	"testing"
)

func TestNewPath_RejectsInvalidSegments(t *testing.T) {
	tests := []struct {
		name     string
		segments []string
	}{
		{"no segments", nil},
		{"empty segment", []string{"root", ""}},
		{"separator", []string{"root", "a/b"}},
		{"wildcard", []string{"root", "step*"}},
		{"whitespace", []string{"root", "my step"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPath(tt.segments...)
			if !errors.Is(err, ErrInvalidPath) {
				t.Fatalf("expected ErrInvalidPath, got %v", err)
			}
		})
	}
}

func TestNodePath_NameAndParent(t *testing.T) {
	p, err := NewPath("root", "build", "compile")
	if err != nil {
		t.Fatalf("NewPath: %v", err)
	}

	if p.Name() != "compile" {
		t.Errorf("expected name compile, got %q", p.Name())
	}
	if p.Depth() != 3 {
		t.Errorf("expected depth 3, got %d", p.Depth())
	}

	parent, ok := p.Parent()
	if !ok || parent.String() != "root/build" {
		t.Fatalf("expected parent root/build, got %q (ok=%v)", parent, ok)
	}
	if p.Root().String() != "root" {
		t.Errorf("expected root segment, got %q", p.Root())
	}

	root := MustParsePath("root")
	if _, ok := root.Parent(); ok {
		t.Error("expected root path to have no parent")
	}
	if !root.IsRoot() {
		t.Error("expected IsRoot for single segment path")
	}
}

func TestNodePath_IsAncestorOf(t *testing.T) {
	root := MustParsePath("root")
	step := MustParsePath("root/step-1")
	other := MustParsePath("rooted/step-1")

	if !root.IsAncestorOf(step) {
		t.Error("expected root to be ancestor of root/step-1")
	}
	if root.IsAncestorOf(root) {
		t.Error("a path must not be its own ancestor")
	}
	if step.IsAncestorOf(root) {
		t.Error("a child must not be ancestor of its parent")
	}
	if root.IsAncestorOf(other) {
		t.Error("prefix match on a partial segment must not count")
	}
}

func TestNodePath_StringRoundTrip(t *testing.T) {
	for _, s := range []string{"root", "root/step-1", "a/b/c/d"} {
		p, err := ParsePath(s)
		if err != nil {
			t.Fatalf("ParsePath(%q): %v", s, err)
		}
		back, err := ParsePath(p.String())
		if err != nil {
			t.Fatalf("ParsePath(%q): %v", p.String(), err)
		}
		if back != p {
			t.Errorf("round trip mismatch: %q vs %q", back, p)
		}
	}

	if p := MustParsePath("/root/step/"); p.String() != "root/step" {
		t.Errorf("expected surrounding separators to be trimmed, got %q", p)
	}
}

func TestNodePath_Compare(t *testing.T) {
	a := MustParsePath("root/a")
	b := MustParsePath("root/b")
	child := MustParsePath("root/a/x")

	if a.Compare(b) >= 0 {
		t.Error("expected root/a < root/b")
	}
	if a.Compare(child) >= 0 {
		t.Error("expected parent to sort before child")
	}
	if a.Compare(MustParsePath("root/a")) != 0 {
		t.Error("expected equal paths to compare 0")
	}
}

func TestNodePath_TextMarshaling(t *testing.T) {
	p := MustParsePath("root/step2")
	text, err := p.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}

	var back NodePath
	if err := back.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if back != p {
		t.Errorf("expected %q, got %q", p, back)
	}

	var zero NodePath
	if err := zero.UnmarshalText(nil); err != nil || !zero.IsZero() {
		t.Errorf("expected empty text to yield zero path, got %q err=%v", zero, err)
	}
}
