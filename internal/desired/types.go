// Package desired describes the container set a host is supposed to run and
// the sources that produce it.
package desired

import (
	"fmt"
	"strings"
)

// credentialsKey is stripped from runtime configs so registry credentials
// never reach the container.
const credentialsKey = "credentials"

// Credentials identifies the registry account used to pull a spec's image.
// The password is resolved at login time and never stored on the spec.
type Credentials struct {
	Username string `json:"username"`
	Registry string `json:"registry"`
}

// Validate reports missing fields.
func (c Credentials) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Username) == "" {
		missing = append(missing, "username")
	}
	if strings.TrimSpace(c.Registry) == "" {
		missing = append(missing, "registry")
	}
	if len(missing) > 0 {
		return fmt.Errorf("credentials missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// RuntimeConfig is the opaque container configuration handed to the runtime.
// Keys follow the keyword arguments of the Docker SDK run call.
type RuntimeConfig map[string]any

// Image returns the configured image reference, or "" when unset.
func (c RuntimeConfig) Image() string {
	img, _ := c["image"].(string)
	return strings.TrimSpace(img)
}

// Name returns the configured container name, or "" when unset.
func (c RuntimeConfig) Name() string {
	name, _ := c["name"].(string)
	return strings.TrimSpace(name)
}

// WithoutCredentials returns a shallow copy with any credentials entry removed.
func (c RuntimeConfig) WithoutCredentials() RuntimeConfig {
	out := make(RuntimeConfig, len(c))
	for k, v := range c {
		if k == credentialsKey {
			continue
		}
		out[k] = v
	}
	return out
}

// ContainerSpec is one entry of the desired state.
type ContainerSpec struct {
	ID          string
	Version     string
	Config      RuntimeConfig
	Credentials *Credentials
}

// Index maps ids to specs. When the list holds duplicate ids the last spec
// with that id wins.
func Index(specs []ContainerSpec) map[string]ContainerSpec {
	out := make(map[string]ContainerSpec, len(specs))
	for _, s := range specs {
		out[s.ID] = s
	}
	return out
}
