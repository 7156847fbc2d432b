package artifact

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/appfactory/internal/identity"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("artifact: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
	ErrMalformedFrontMatter = errors.New("artifact: malformed frontmatter")
)

// ChecksumDocument hashes a document body after newline normalization.
func ChecksumDocument(body []byte) string {
	return identity.HashContent(normalizeNewlines(body))
}

// ParseFrontMatter extracts the metadata block and body from a document that starts
// with `---` YAML fences.
func ParseFrontMatter(content []byte) (Metadata, []byte, error) {
	if len(content) == 0 {
		return Metadata{}, nil, ErrMissingFrontMatter
	}
	normalized := normalizeNewlines(content)
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return Metadata{}, nil, ErrMissingFrontMatter
	}
	rest := normalized[4:]
	parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return Metadata{}, nil, ErrMalformedFrontMatter
	}
	metaBytes := parts[0]
	body := bytes.TrimPrefix(parts[1], []byte("\n"))
	var envelope factoryEnvelope
	dec := yaml.NewDecoder(bytes.NewReader(metaBytes))
	dec.KnownFields(true)
	if err := dec.Decode(&envelope); err != nil {
		return Metadata{}, nil, fmt.Errorf("%w: %v", ErrMalformedFrontMatter, err)
	}
	meta, err := envelope.toMetadata()
	if err != nil {
		return Metadata{}, nil, err
	}
	return meta, body, nil
}

// WriteFrontMatter renders metadata + body with YAML fences.
func WriteFrontMatter(meta Metadata, body []byte) ([]byte, error) {
	if meta.Stage == "" {
		return nil, fmt.Errorf("artifact: metadata missing stage")
	}
	envelope := factoryEnvelope{}
	envelope.fromMetadata(meta)
	data, err := yaml.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("artifact: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

// EncodeDocument stamps body with frontmatter and returns the metadata with
// its checksum filled in.
func EncodeDocument(body []byte, meta Metadata) ([]byte, Metadata, error) {
	normalized := normalizeNewlines(body)
	meta.Checksum = identity.HashContent(normalized)
	out, err := WriteFrontMatter(meta, normalized)
	if err != nil {
		return nil, Metadata{}, err
	}
	return out, meta, nil
}

type factoryEnvelope struct {
	Factory factoryMetadata `yaml:"factory"`
}

type factoryMetadata struct {
	Stage    string   `yaml:"stage"`
	Run      string   `yaml:"run"`
	Idea     string   `yaml:"idea,omitempty"`
	IdeaDir  string   `yaml:"idea_dir,omitempty"`
	Inputs   []string `yaml:"inputs,omitempty"`
	Build    string   `yaml:"build,omitempty"`
	Created  string   `yaml:"created"`
	Checksum string   `yaml:"checksum,omitempty"`
	Version  string   `yaml:"version"`
}

func (e factoryEnvelope) toMetadata() (Metadata, error) {
	if e.Factory.Stage == "" || e.Factory.Run == "" || e.Factory.Version == "" {
		return Metadata{}, ErrMalformedFrontMatter
	}
	created, err := parseTime(e.Factory.Created)
	if err != nil {
		return Metadata{}, fmt.Errorf("artifact: parse created timestamp: %w", err)
	}
	return Metadata{
		Stage:     e.Factory.Stage,
		RunID:     e.Factory.Run,
		IdeaID:    e.Factory.Idea,
		IdeaDir:   e.Factory.IdeaDir,
		Inputs:    append([]string{}, e.Factory.Inputs...),
		BuildID:   e.Factory.Build,
		CreatedAt: created,
		Checksum:  e.Factory.Checksum,
		Version:   e.Factory.Version,
	}, nil
}

func (e *factoryEnvelope) fromMetadata(meta Metadata) {
	e.Factory.Stage = meta.Stage
	e.Factory.Run = meta.RunID
	e.Factory.Idea = meta.IdeaID
	e.Factory.IdeaDir = meta.IdeaDir
	e.Factory.Inputs = append([]string{}, meta.Inputs...)
	e.Factory.Build = meta.BuildID
	e.Factory.Created = meta.CreatedAt.UTC().Format(timeLayout)
	e.Factory.Checksum = meta.Checksum
	e.Factory.Version = meta.Version
}

const timeLayout = time.RFC3339Nano

func parseTime(value string) (time.Time, error) {
	if strings.TrimSpace(value) == "" {
		return time.Time{}, fmt.Errorf("artifact: empty created timestamp")
	}
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func normalizeNewlines(content []byte) []byte {
	return bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
}
