package artifact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kingrea/appfactory/internal/identity"
	"github.com/kingrea/appfactory/internal/store"
)

// ErrMissingMetadata indicates a JSON artifact without a _factory block.
var ErrMissingMetadata = errors.New("artifact: missing _factory metadata")

// ChecksumJSON hashes the canonical form of a JSON object body.
func ChecksumJSON(body []byte) (string, error) {
	canonical, err := canonicalObject(body)
	if err != nil {
		return "", err
	}
	return identity.HashContent(canonical), nil
}

// EncodeJSON merges meta into body under the _factory key. The checksum is
// computed from body and written into the returned metadata.
func EncodeJSON(body []byte, meta Metadata) ([]byte, Metadata, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	canonical, err := canonicalObject(body)
	if err != nil {
		return nil, Metadata{}, err
	}
	meta.Checksum = identity.HashContent(canonical)
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(canonical, &payload); err != nil {
		return nil, Metadata{}, fmt.Errorf("artifact: invalid json body: %w", err)
	}
	if payload == nil {
		payload = map[string]json.RawMessage{}
	}
	encodedMeta, err := json.Marshal(meta)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("artifact: encode metadata: %w", err)
	}
	payload[MetadataKey] = encodedMeta
	out, err := store.MarshalStable(payload)
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("artifact: encode json: %w", err)
	}
	return out, meta, nil
}

// DecodeJSON splits a JSON artifact into its metadata and canonical body.
func DecodeJSON(data []byte) (Metadata, []byte, error) {
	var payload map[string]json.RawMessage
	if err := store.DecodeStrict(data, &payload); err != nil {
		return Metadata{}, nil, fmt.Errorf("artifact: parse json: %w", err)
	}
	if payload == nil {
		return Metadata{}, nil, fmt.Errorf("artifact: json artifact must be an object")
	}
	raw, ok := payload[MetadataKey]
	if !ok {
		return Metadata{}, nil, ErrMissingMetadata
	}
	var meta Metadata
	if err := store.DecodeStrict(raw, &meta); err != nil {
		return Metadata{}, nil, fmt.Errorf("artifact: parse %s: %w", MetadataKey, err)
	}
	delete(payload, MetadataKey)
	rest, err := json.Marshal(payload)
	if err != nil {
		return Metadata{}, nil, fmt.Errorf("artifact: re-encode body: %w", err)
	}
	canonical, err := identity.Canonicalize(rest)
	if err != nil {
		return Metadata{}, nil, err
	}
	return meta, canonical, nil
}

func canonicalObject(body []byte) ([]byte, error) {
	var probe map[string]json.RawMessage
	if err := store.DecodeStrict(body, &probe); err != nil {
		return nil, fmt.Errorf("artifact: body must be a json object: %w", err)
	}
	if probe == nil {
		return nil, fmt.Errorf("artifact: body must be a json object")
	}
	if _, reserved := probe[MetadataKey]; reserved {
		return nil, fmt.Errorf("artifact: body must not set reserved key %s", MetadataKey)
	}
	return identity.Canonicalize(body)
}
