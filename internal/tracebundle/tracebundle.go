// Package tracebundle reads and writes the standalone trace-bundle JSON
// format the cmd/tracesym CLI symbolicates offline, independent of any
// running collector or instrumented process (§6): a flat, self-contained
// document naming each captured module's on-disk path and runtime base
// directly, rather than resolving them through a manifest.
package tracebundle

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// SchemaVersion is the only trace-bundle schema version this package
// reads or writes.
const SchemaVersion = 2

// Frame is one raw captured frame: an absolute instruction pointer plus
// enough module context to compute rel_pc without a manifest lookup.
type Frame struct {
	IP         uint64 `json:"ip"`
	ModulePath string `json:"module_path"`
	ModuleBase uint64 `json:"module_base"`
}

// Trace is one labeled stack of frames, outermost frame first.
type Trace struct {
	Label  string  `json:"label"`
	Frames []Frame `json:"frames"`
}

// Bundle is the top-level document.
type Bundle struct {
	SchemaVersion int     `json:"schema_version"`
	Traces        []Trace `json:"traces"`
}

// UnsupportedSchemaError reports a bundle whose schema_version this
// package doesn't know how to read.
type UnsupportedSchemaError struct {
	Got int
}

func (e *UnsupportedSchemaError) Error() string {
	return fmt.Sprintf("tracebundle: unsupported schema_version %d (want %d)", e.Got, SchemaVersion)
}

// Load reads and validates a Bundle from r.
func Load(r io.Reader) (Bundle, error) {
	var b Bundle
	dec := json.NewDecoder(r)
	if err := dec.Decode(&b); err != nil {
		return Bundle{}, fmt.Errorf("tracebundle: decode: %w", err)
	}
	if b.SchemaVersion != SchemaVersion {
		return Bundle{}, &UnsupportedSchemaError{Got: b.SchemaVersion}
	}
	return b, nil
}

// LoadFile opens path and loads a Bundle from it.
func LoadFile(path string) (Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("tracebundle: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Write serializes b to w as indented JSON, for tests and for any future
// bundle producer.
func Write(w io.Writer, b Bundle) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(b)
}
