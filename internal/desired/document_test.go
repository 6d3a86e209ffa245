package desired

import (
	"errors"
	"testing"
)

func TestDecodeCoercesIDsAndVersions(t *testing.T) {
	doc := `[
		{"id": 7, "version": 3, "config": {"image": "nginx:1.27", "ports": {"80/tcp": 8080}}},
		{"id": "web", "version": "2024-01", "config": {"image": "busybox"}, "credentials": {"username": "bot", "registry": "ghcr.io"}},
		{"id": "float", "version": 1.5, "config": null}
	]`

	specs, err := Decode([]byte(doc))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("len(specs) = %d, want 3", len(specs))
	}

	if specs[0].ID != "7" || specs[0].Version != "3" {
		t.Errorf("numeric entry = (%q, %q), want (\"7\", \"3\")", specs[0].ID, specs[0].Version)
	}
	if got := specs[0].Config.Image(); got != "nginx:1.27" {
		t.Errorf("Image() = %q, want nginx:1.27", got)
	}
	if specs[0].Credentials != nil {
		t.Errorf("expected no credentials on entry 0")
	}

	if specs[1].Credentials == nil || specs[1].Credentials.Username != "bot" || specs[1].Credentials.Registry != "ghcr.io" {
		t.Errorf("credentials = %+v, want bot@ghcr.io", specs[1].Credentials)
	}

	if specs[2].Version != "1.5" {
		t.Errorf("float version = %q, want 1.5", specs[2].Version)
	}
	if specs[2].Config == nil || len(specs[2].Config) != 0 {
		t.Errorf("null config should decode to an empty map, got %#v", specs[2].Config)
	}
}

func TestDecodeRejectsMalformedDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "empty", doc: ""},
		{name: "object instead of array", doc: `{"id": "a"}`},
		{name: "truncated", doc: `[{"id": "a"`},
		{name: "non-object entry", doc: `["a"]`},
		{name: "missing id", doc: `[{"version": "1", "config": {}}]`},
		{name: "boolean id", doc: `[{"id": true, "version": "1"}]`},
		{name: "object version", doc: `[{"id": "a", "version": {"x": 1}}]`},
		{name: "array config", doc: `[{"id": "a", "version": "1", "config": ["image"]}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrMalformedDocument) {
				t.Fatalf("error = %v, want ErrMalformedDocument", err)
			}
		})
	}
}

func TestDecodeEmptyArray(t *testing.T) {
	specs, err := Decode([]byte(" [] \n"))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(specs) != 0 {
		t.Fatalf("len(specs) = %d, want 0", len(specs))
	}
}

func TestIndexLastSpecWins(t *testing.T) {
	idx := Index([]ContainerSpec{
		{ID: "a", Version: "1"},
		{ID: "b", Version: "1"},
		{ID: "a", Version: "2"},
	})
	if len(idx) != 2 {
		t.Fatalf("len(index) = %d, want 2", len(idx))
	}
	if idx["a"].Version != "2" {
		t.Fatalf("index[a].Version = %q, want 2", idx["a"].Version)
	}
}

func TestWithoutCredentials(t *testing.T) {
	cfg := RuntimeConfig{
		"image":       "alpine",
		"credentials": map[string]any{"username": "u"},
	}
	stripped := cfg.WithoutCredentials()
	if _, ok := stripped["credentials"]; ok {
		t.Fatal("credentials key survived")
	}
	if _, ok := cfg["credentials"]; !ok {
		t.Fatal("original config must not be mutated")
	}
	if stripped.Image() != "alpine" {
		t.Fatalf("Image() = %q, want alpine", stripped.Image())
	}
}

func TestCredentialsValidate(t *testing.T) {
	if err := (Credentials{Username: "u", Registry: "r"}).Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	err := (Credentials{Username: " "}).Validate()
	if err == nil {
		t.Fatal("expected error for missing fields")
	}
	if got, want := err.Error(), "credentials missing username, registry"; got != want {
		t.Fatalf("error = %q, want %q", got, want)
	}
}
