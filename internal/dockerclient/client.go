// Package dockerclient talks to the Docker daemon over its Unix socket
// using plain HTTP/1.1, plus a small number of CLI subprocess calls for the
// streaming operations where that materially simplifies the code (image
// save/load, exec with piped tar).
package dockerclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// Error kinds per the classified-error taxonomy. Callers use errors.Is.
var (
	ErrSocketUnavailable = errors.New("docker: socket unavailable")
	ErrPermissionDenied  = errors.New("docker: permission denied")
	ErrTimeout           = errors.New("docker: timeout")
	ErrMalformed         = errors.New("docker: malformed response")
)

// DaemonError wraps an error response returned by the Docker daemon itself.
type DaemonError struct {
	Code    int
	Message string
}

func (e *DaemonError) Error() string {
	return fmt.Sprintf("docker: daemon error %d: %s", e.Code, e.Message)
}

// Client binds explicitly to a Unix socket path and never consults
// ambient DOCKER_HOST-style environment variables.
type Client struct {
	socketPath string
	http       *http.Client
	logger     zerolog.Logger
}

// New returns a Client bound to socketPath. It performs no I/O.
func New(socketPath string, logger zerolog.Logger) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			d := net.Dialer{}
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{
		socketPath: socketPath,
		http:       &http.Client{Transport: transport},
		logger:     logger.With().Str("component", "dockerclient").Logger(),
	}
}

// do issues an HTTP request against the daemon's fake "localhost" host,
// classifying transport failures into the documented error kinds.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, body)
	if err != nil {
		return nil, fmt.Errorf("docker: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			if strings.Contains(err.Error(), "permission denied") {
				return nil, ErrPermissionDenied
			}
			if strings.Contains(err.Error(), "no such file") || strings.Contains(err.Error(), "connection refused") {
				return nil, ErrSocketUnavailable
			}
		}
		return nil, fmt.Errorf("docker: request failed: %w", err)
	}
	return resp, nil
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var msg struct {
			Message string `json:"message"`
		}
		b, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(b, &msg)
		return &DaemonError{Code: resp.StatusCode, Message: msg.Message}
	}
	if v == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Ping performs a health check against the daemon.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/_ping", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &DaemonError{Code: resp.StatusCode, Message: "ping failed"}
	}
	return nil
}

// InspectDocument is the untyped JSON shape returned by the daemon's
// container-inspect endpoint. Per spec.md §9 the inspect document is
// modelled defensively as a variant tree, not a rigid struct, because
// unknown/absent keys are common across daemon versions.
type InspectDocument map[string]any

// ListContainers returns the raw list response; all=true includes stopped containers.
func (c *Client) ListContainers(ctx context.Context, all bool) ([]map[string]any, error) {
	path := "/containers/json?all=" + boolStr(all)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// InspectContainer returns the full inspect document for id.
func (c *Client) InspectContainer(ctx context.Context, id string) (InspectDocument, error) {
	resp, err := c.do(ctx, http.MethodGet, "/containers/"+id+"/json", nil)
	if err != nil {
		return nil, err
	}
	var out InspectDocument
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListImages returns the raw image list.
func (c *Client) ListImages(ctx context.Context) ([]map[string]any, error) {
	resp, err := c.do(ctx, http.MethodGet, "/images/json", nil)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListVolumes returns the raw volume list.
func (c *Client) ListVolumes(ctx context.Context) ([]map[string]any, error) {
	resp, err := c.do(ctx, http.MethodGet, "/volumes", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Volumes []map[string]any `json:"Volumes"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out.Volumes, nil
}

// InspectVolume returns the raw inspect document for a named volume.
func (c *Client) InspectVolume(ctx context.Context, name string) (map[string]any, error) {
	resp, err := c.do(ctx, http.MethodGet, "/volumes/"+name, nil)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListNetworks returns the raw network list.
func (c *Client) ListNetworks(ctx context.Context) ([]map[string]any, error) {
	resp, err := c.do(ctx, http.MethodGet, "/networks", nil)
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Event is one line of the /events stream.
type Event struct {
	Type   string         `json:"Type"`
	Action string         `json:"Action"`
	Actor  map[string]any `json:"Actor"`
	Time   int64          `json:"time"`
}

// Events streams JSON-lines from the daemon's /events endpoint, decoding
// chunked transfer encoding transparently (net/http does this for us) and
// returning as soon as limit events have been parsed or the daemon closes
// the connection or ctx is done — whichever happens first. It tolerates a
// context deadline by returning whatever was parsed so far instead of an error.
// filters follows the daemon's {field: [values]} shape, e.g.
// {"type": {"container"}, "event": {"destroy"}}; a nil or empty map omits
// the query parameter entirely.
func (c *Client) Events(ctx context.Context, since, until string, filters map[string][]string, limit int) ([]Event, error) {
	path := "/events?since=" + since + "&until=" + until
	if len(filters) > 0 {
		b, err := json.Marshal(filters)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		path += "&filters=" + url.QueryEscape(string(b))
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		if errors.Is(err, ErrTimeout) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	var events []Event
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return events, nil
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		events = append(events, ev)
		if limit > 0 && len(events) >= limit {
			return events, nil
		}
	}
	return events, nil
}

// CreateContainer issues POST /containers/create with the given name and
// JSON body (the daemon's native create-config shape, not CLI args).
func (c *Client) CreateContainer(ctx context.Context, name string, config map[string]any) (string, error) {
	b, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("docker: marshal create config: %w", err)
	}
	path := "/containers/create"
	if name != "" {
		path += "?name=" + name
	}
	resp, err := c.do(ctx, http.MethodPost, path, strings.NewReader(string(b)))
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"Id"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// StartContainer starts a previously created container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	resp, err := c.do(ctx, http.MethodPost, "/containers/"+id+"/start", nil)
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

// RemoveContainer removes a container, optionally forcing.
func (c *Client) RemoveContainer(ctx context.Context, id string, force bool) error {
	path := "/containers/" + id + "?force=" + boolStr(force)
	resp, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

// CreateVolume creates a named volume; "already exists" is not an error here
// — the daemon itself is idempotent on POST /volumes/create for an existing name
// with matching driver, so callers decide whether a conflicting driver matters.
func (c *Client) CreateVolume(ctx context.Context, name string) error {
	body := fmt.Sprintf(`{"Name":%q}`, name)
	resp, err := c.do(ctx, http.MethodPost, "/volumes/create", strings.NewReader(body))
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

// CreateNetwork creates a user-defined bridge network, optionally with an
// explicit subnet/gateway. Passing empty subnet/gateway lets the daemon
// auto-assign.
func (c *Client) CreateNetwork(ctx context.Context, name, subnet, gateway string) error {
	req := map[string]any{
		"Name":   name,
		"Driver": "bridge",
	}
	if subnet != "" {
		ipam := map[string]any{
			"Config": []map[string]any{
				{"Subnet": subnet, "Gateway": gateway},
			},
		}
		req["IPAM"] = ipam
	}
	b, _ := json.Marshal(req)
	resp, err := c.do(ctx, http.MethodPost, "/networks/create", strings.NewReader(string(b)))
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

// ExportImageStream runs `docker save` as a subprocess, writing its stdout
// to outPath. It fails if the resulting file ends up empty.
func (c *Client) ExportImageStream(ctx context.Context, imageRef, outPath string) error {
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create image export file: %w", err)
	}
	defer out.Close()

	cmd := exec.CommandContext(ctx, "docker", "save", imageRef)
	cmd.Stdout = out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker save %s: %w", imageRef, err)
	}

	info, err := out.Stat()
	if err != nil {
		return fmt.Errorf("stat exported image: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: exported image is empty", ErrMalformed)
	}
	return nil
}

// LoadImage runs `docker load` with inPath's contents as stdin. A daemon
// response indicating the image already exists is treated as success by the
// caller, not here — this just reports the subprocess outcome.
func (c *Client) LoadImage(ctx context.Context, inPath string) error {
	in, err := os.Open(inPath)
	if err != nil {
		return fmt.Errorf("open image payload: %w", err)
	}
	defer in.Close()

	cmd := exec.CommandContext(ctx, "docker", "load")
	cmd.Stdin = in
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker load: %w", err)
	}
	return nil
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
