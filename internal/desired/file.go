package desired

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"sigs.k8s.io/yaml"
)

// FileSource reads the desired state from a local JSON or YAML document.
// The file is re-read on every fetch.
type FileSource struct {
	Path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

func (s *FileSource) Fetch(ctx context.Context) ([]ContainerSpec, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read desired state %s: %w", s.Path, err)
	}

	if isYAML(s.Path) {
		data, err = yaml.YAMLToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedDocument, s.Path, err)
		}
	}

	specs, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Path, err)
	}
	slog.Debug("loaded desired state", "path", s.Path, "containers", len(specs))
	return specs, nil
}

func (s *FileSource) String() string {
	return "file " + s.Path
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}
