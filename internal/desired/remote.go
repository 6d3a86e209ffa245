package desired

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

const (
	// maxDocumentBytes caps the body read from the remote endpoint.
	maxDocumentBytes = 8 << 20
	// errorBodyBytes is how much of a failed response is kept in the error.
	errorBodyBytes = 512
)

// RemoteSource fetches the desired state for one device from an HTTP API:
// GET <base>/services/<deviceID>.
type RemoteSource struct {
	BaseURL  string
	DeviceID string
	Headers  map[string]string
	Client   *http.Client
}

func NewRemoteSource(baseURL, deviceID string, client *http.Client) *RemoteSource {
	return &RemoteSource{BaseURL: baseURL, DeviceID: deviceID, Client: client}
}

// Endpoint returns the URL fetched for the configured device.
func (s *RemoteSource) Endpoint() (string, error) {
	base := strings.TrimRight(strings.TrimSpace(s.BaseURL), "/")
	if base == "" {
		return "", fmt.Errorf("remote base url is required")
	}
	if strings.TrimSpace(s.DeviceID) == "" {
		return "", fmt.Errorf("device id is required")
	}
	return base + "/services/" + url.PathEscape(s.DeviceID), nil
}

func (s *RemoteSource) Fetch(ctx context.Context) ([]ContainerSpec, error) {
	endpoint, err := s.Endpoint()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build desired state request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range s.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("get desired state: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyBytes))
		return nil, &StatusError{URL: endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("read desired state response: %w", err)
	}
	specs, err := Decode(data)
	if err != nil {
		return nil, err
	}
	slog.Debug("received desired state", "url", endpoint, "containers", len(specs))
	return specs, nil
}

func (s *RemoteSource) String() string {
	endpoint, err := s.Endpoint()
	if err != nil {
		return "remote " + s.BaseURL
	}
	return "remote " + endpoint
}

func (s *RemoteSource) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

// StatusError is returned when the remote endpoint answers with a non-2xx status.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("get %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("get %s: unexpected status %d: %s", e.URL, e.StatusCode, e.Body)
}
