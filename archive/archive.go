// Package archive stores the manifest that accompanies a serialized
// MPSGraph package: what the executable was compiled for and the signature
// of its feeds and targets, so a loader can check inputs before running it.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Format selects the manifest encoding.
type Format int

const (
	FormatJSON Format = iota
	FormatProtobuf
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "JSON"
	case FormatProtobuf:
		return "Protobuf"
	default:
		return "Unknown"
	}
}

// FileName returns the manifest's file name inside a package directory.
func (f Format) FileName() string {
	if f == FormatJSON {
		return "gompsgraph-manifest.json"
	}
	return "gompsgraph-manifest.pb"
}

// ErrNoManifest is returned by Load when the package has no manifest.
var ErrNoManifest = errors.New("archive: package has no manifest")

// TensorSpec is the signature of one feed or target.
type TensorSpec struct {
	Name     string `json:"name,omitempty"`
	Shape    []int  `json:"shape"`
	DataType uint32 `json:"data_type"`
}

// Metadata describes who wrote the manifest.
type Metadata struct {
	Version   string    `json:"version"`
	Framework string    `json:"framework"`
	CreatedAt time.Time `json:"created_at"`
}

// Manifest is written next to the native package.
type Manifest struct {
	Platform  string       `json:"platform"`
	OSVersion string       `json:"os_version"`
	Feeds     []TensorSpec `json:"feeds"`
	Targets   []TensorSpec `json:"targets"`
	Metadata  Metadata     `json:"metadata"`
}

// Saver reads and writes manifests in one format.
type Saver struct {
	format Format
}

// NewSaver returns a saver for format.
func NewSaver(format Format) *Saver {
	return &Saver{format: format}
}

// Format returns the saver's encoding.
func (s *Saver) Format() Format { return s.format }

// Save writes m into the package directory dir, filling in metadata that
// is not set.
func (s *Saver) Save(dir string, m *Manifest) error {
	if m.Metadata.Framework == "" {
		m.Metadata.Framework = "go-mpsgraph"
		m.Metadata.Version = "1.0.0"
		m.Metadata.CreatedAt = time.Now().UTC()
	}
	var (
		data []byte
		err  error
	)
	switch s.format {
	case FormatJSON:
		data, err = json.MarshalIndent(m, "", "  ")
	case FormatProtobuf:
		data = encodeManifest(m)
	default:
		return fmt.Errorf("archive: unsupported format %s", s.format)
	}
	if err != nil {
		return fmt.Errorf("archive: encoding manifest: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, s.format.FileName()), data, 0o644); err != nil {
		return fmt.Errorf("archive: writing manifest: %w", err)
	}
	return nil
}

// Load reads the manifest from the package directory dir.
func (s *Saver) Load(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, s.format.FileName()))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoManifest, dir)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: reading manifest: %w", err)
	}
	var m Manifest
	switch s.format {
	case FormatJSON:
		err = json.Unmarshal(data, &m)
	case FormatProtobuf:
		err = decodeManifest(data, &m)
	default:
		return nil, fmt.Errorf("archive: unsupported format %s", s.format)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: decoding manifest: %w", err)
	}
	return &m, nil
}

// Detect returns a saver for whichever manifest dir holds, preferring
// protobuf.
func Detect(dir string) (*Saver, error) {
	for _, f := range []Format{FormatProtobuf, FormatJSON} {
		if _, err := os.Stat(filepath.Join(dir, f.FileName())); err == nil {
			return NewSaver(f), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoManifest, dir)
}
