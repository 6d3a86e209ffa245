package desired

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedDocument is returned for documents that cannot be turned into a
// desired container list.
var ErrMalformedDocument = errors.New("malformed desired state document")

type rawEntry struct {
	ID          json.RawMessage `json:"id"`
	Version     json.RawMessage `json:"version"`
	Config      json.RawMessage `json:"config"`
	Credentials *Credentials    `json:"credentials,omitempty"`
}

// Decode parses a JSON desired-state document: an array of
// {id, version, config, credentials?} objects. Numeric ids and versions are
// coerced to strings because they end up as container labels.
func Decode(data []byte) ([]ContainerSpec, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: expected a JSON array", ErrMalformedDocument)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	out := make([]ContainerSpec, 0, len(entries))
	for i, rawItem := range entries {
		spec, err := decodeEntry(rawItem)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedDocument, i, err)
		}
		out = append(out, spec)
	}
	return out, nil
}

func decodeEntry(data json.RawMessage) (ContainerSpec, error) {
	if t := bytes.TrimSpace(data); len(t) == 0 || t[0] != '{' {
		return ContainerSpec{}, fmt.Errorf("expected an object")
	}

	var entry rawEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return ContainerSpec{}, err
	}

	id, err := labelValue(entry.ID)
	if err != nil {
		return ContainerSpec{}, fmt.Errorf("id: %w", err)
	}
	if id == "" {
		return ContainerSpec{}, fmt.Errorf("id is required")
	}
	version, err := labelValue(entry.Version)
	if err != nil {
		return ContainerSpec{}, fmt.Errorf("id %q: version: %w", id, err)
	}

	cfg := RuntimeConfig{}
	if len(entry.Config) > 0 && string(bytes.TrimSpace(entry.Config)) != "null" {
		dec := json.NewDecoder(bytes.NewReader(entry.Config))
		dec.UseNumber()
		if err := dec.Decode(&cfg); err != nil {
			return ContainerSpec{}, fmt.Errorf("id %q: config must be an object: %w", id, err)
		}
	}

	return ContainerSpec{
		ID:          id,
		Version:     version,
		Config:      cfg,
		Credentials: entry.Credentials,
	}, nil
}

// labelValue coerces a JSON string or number to its string form.
func labelValue(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", fmt.Errorf("must be a string or number, got %s", raw)
		}
		return n.String(), nil
	}
}
