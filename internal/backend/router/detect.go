package router

import (
	"os"
	"path/filepath"
)

// Type names a concrete backend implementation.
type Type string

const (
	TypeAuto  Type = "auto"
	TypeCLI   Type = "cli"
	TypeJSONL Type = "jsonl"
	TypeKnots Type = "knots"
	TypeStub  Type = "stub"
)

// IsValid reports whether t is a known backend type.
func (t Type) IsValid() bool {
	switch t {
	case TypeAuto, TypeCLI, TypeJSONL, TypeKnots, TypeStub:
		return true
	}
	return false
}

// Marker directories, checked in this order.
const (
	KnotsMarker = ".knots"
	BeadsMarker = ".beads"
)

// detect picks the backend for dir by its marker directories. Only dir
// itself is checked; parent directories are never consulted, so a repo
// nested inside another tracked project does not borrow its store.
func detect(dir string, haveBD func() bool) Type {
	if isDir(filepath.Join(dir, KnotsMarker)) {
		return TypeKnots
	}
	if isDir(filepath.Join(dir, BeadsMarker)) {
		if haveBD() {
			return TypeCLI
		}
		return TypeJSONL
	}
	return TypeStub
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
