// Package types defines core domain types shared by circuitd components.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"errors"
	"fmt"
	"net/url"
)

// DefaultChunkSize is the chunk size used when a descriptor leaves it unset (1 MiB).
const DefaultChunkSize int64 = 1024 * 1024

// FileKind names one of the two companion files of a circuit.
type FileKind string

const (
	// FileZKey is the proving key file.
	FileZKey FileKind = "zkey"
	// FileWasm is the compiled circuit module.
	FileWasm FileKind = "wasm"
)

// ParseFileKind parses a file kind, rejecting unknown values.
func ParseFileKind(s string) (FileKind, error) {
	switch FileKind(s) {
	case FileZKey, FileWasm:
		return FileKind(s), nil
	default:
		return "", fmt.Errorf("unknown file kind %q (must be zkey or wasm)", s)
	}
}

// ArtifactDescriptor identifies one downloadable, versioned remote file.
// A version change invalidates every chunk cached for the URL.
type ArtifactDescriptor struct {
	URL       string `json:"url" yaml:"url" msgpack:"url"`
	Version   string `json:"version" yaml:"version" msgpack:"version"`
	ChunkSize int64  `json:"chunk_size,omitempty" yaml:"chunk_size,omitempty" msgpack:"chunk_size,omitempty"`
}

// EffectiveChunkSize returns ChunkSize, or DefaultChunkSize when unset.
func (d ArtifactDescriptor) EffectiveChunkSize() int64 {
	if d.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return d.ChunkSize
}

// Validate checks that the descriptor names an absolute URL and a version.
func (d ArtifactDescriptor) Validate() error {
	if d.URL == "" {
		return errors.New("artifact url is required")
	}
	u, err := url.Parse(d.URL)
	if err != nil {
		return fmt.Errorf("invalid artifact url %q: %w", d.URL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("artifact url %q must be absolute", d.URL)
	}
	if d.Version == "" {
		return fmt.Errorf("artifact %q: version is required", d.URL)
	}
	return nil
}

// TransferState is the aggregated download state of one named circuit.
// Mutated only by the transfer coordinator; everything else reads copies.
type TransferState struct {
	Name         string `json:"name" yaml:"name" msgpack:"name"`
	ZKeyProgress int    `json:"zkey_progress" yaml:"zkey_progress" msgpack:"zkey_progress"`
	WasmProgress int    `json:"wasm_progress" yaml:"wasm_progress" msgpack:"wasm_progress"`
	Loading      bool   `json:"loading" yaml:"loading" msgpack:"loading"`
	// LastError is the most recent fault message; empty means none.
	LastError string `json:"last_error,omitempty" yaml:"last_error,omitempty" msgpack:"last_error,omitempty"`
}

// Progress returns the progress recorded for the given file.
func (s TransferState) Progress(kind FileKind) int {
	if kind == FileWasm {
		return s.WasmProgress
	}
	return s.ZKeyProgress
}

// Circuit is a named pair of companion artifacts plus catalog metadata.
type Circuit struct {
	Name        string             `json:"name" yaml:"name" msgpack:"name"`
	IconURL     string             `json:"icon_url,omitempty" yaml:"icon_url,omitempty" msgpack:"icon_url,omitempty"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty" msgpack:"description,omitempty"`
	Tag         string             `json:"tag,omitempty" yaml:"tag,omitempty" msgpack:"tag,omitempty"`
	ZKey        ArtifactDescriptor `json:"zkey" yaml:"zkey" msgpack:"zkey"`
	Wasm        ArtifactDescriptor `json:"wasm" yaml:"wasm" msgpack:"wasm"`
	// TimeAdded and TimeUpdated are unix milliseconds.
	TimeAdded   int64         `json:"time_added,omitempty" yaml:"-" msgpack:"time_added,omitempty"`
	TimeUpdated int64         `json:"time_updated,omitempty" yaml:"-" msgpack:"time_updated,omitempty"`
	State       TransferState `json:"state" yaml:"-" msgpack:"state"`
}

// Validate checks the circuit name and both descriptors.
func (c Circuit) Validate() error {
	if c.Name == "" {
		return errors.New("circuit name is required")
	}
	if err := c.ZKey.Validate(); err != nil {
		return fmt.Errorf("circuit %q zkey: %w", c.Name, err)
	}
	if err := c.Wasm.Validate(); err != nil {
		return fmt.Errorf("circuit %q wasm: %w", c.Name, err)
	}
	return nil
}

// Descriptor returns the descriptor of the given companion file.
func (c Circuit) Descriptor(kind FileKind) ArtifactDescriptor {
	if kind == FileWasm {
		return c.Wasm
	}
	return c.ZKey
}

// SameVersions reports whether both companion files carry the same
// versions as other.
func (c Circuit) SameVersions(other Circuit) bool {
	return c.ZKey.Version == other.ZKey.Version && c.Wasm.Version == other.Wasm.Version
}
