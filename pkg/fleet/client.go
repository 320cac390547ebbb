package fleet

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"
)

// HostClient is the control-plane client for a single fleet host's
// container agent. Implementations must be safe for concurrent use.
type HostClient interface {
	// Ping verifies the agent is reachable and responsive. Used by the
	// health probe loop.
	Ping(ctx context.Context) error

	// Info returns the agent's identity and summary counters.
	Info(ctx context.Context) (*HostInfo, error)

	// ListImages returns the host's image catalog.
	ListImages(ctx context.Context) ([]ImageSummary, error)

	// PullImage asks the host to pull image:tag from its configured
	// registry. Blocking; can take minutes for large images.
	PullImage(ctx context.Context, image, tag string) error

	// CreateContainer creates a container and returns its ID.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)

	// StartContainer starts a created container.
	StartContainer(ctx context.Context, containerID string) error

	// StopContainer stops a running container.
	StopContainer(ctx context.Context, containerID string) error

	// RemoveContainer removes a container. With force, a running container
	// is stopped first.
	RemoveContainer(ctx context.Context, containerID string, force bool) error

	// FindContainerByName looks a container up by its exact name.
	// Returns ErrContainerNotFound if no such container exists.
	FindContainerByName(ctx context.Context, name string) (*ContainerInfo, error)

	// OpenShell attaches an interactive shell to a container. The returned
	// stream carries raw terminal bytes both ways; Resize adjusts the PTY.
	// Closing the stream releases the exec handle on the host.
	OpenShell(ctx context.Context, containerID string) (ShellStream, error)

	// Close releases idle connections held by the client.
	Close() error
}

// ShellStream is a full-duplex byte stream attached to a container shell.
type ShellStream interface {
	io.ReadWriteCloser

	// Resize sets the remote PTY dimensions.
	Resize(rows, cols uint16) error
}

// ClientFactory builds a HostClient for a server. The registry uses this
// indirection so tests can substitute fakes.
type ClientFactory func(server *Server) (HostClient, error)

// agentClient implements HostClient over the host agent's HTTP API,
// optionally with mutual TLS.
type agentClient struct {
	baseURL   string
	host      string
	port      int
	tlsConfig *tls.Config
	http      *http.Client
}

// NewAgentClient creates a HostClient for the given server. With TLS
// material configured it validates and loads all of cert/key/ca up front,
// returning an AuthError rather than ever falling back to plaintext.
func NewAgentClient(server *Server) (HostClient, error) {
	c := &agentClient{
		host: server.Host,
		port: server.Port,
	}

	scheme := "http"
	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}

	if server.TLS != nil {
		tlsConfig, err := buildTLSConfig(server.ID, server.TLS)
		if err != nil {
			return nil, err
		}
		c.tlsConfig = tlsConfig
		transport.TLSClientConfig = tlsConfig
		scheme = "https"
	}

	c.baseURL = fmt.Sprintf("%s://%s:%d", scheme, server.Host, server.Port)
	c.http = &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
	}

	return c, nil
}

// buildTLSConfig loads mutual-TLS material, failing fast on anything
// missing or unparsable.
func buildTLSConfig(serverID string, material *TLSMaterial) (*tls.Config, error) {
	if material.CertPath == "" || material.KeyPath == "" || material.CAPath == "" {
		return nil, &AuthError{
			ServerID: serverID,
			Reason:   "TLS requested but cert, key, and ca paths are all required",
		}
	}

	cert, err := tls.LoadX509KeyPair(material.CertPath, material.KeyPath)
	if err != nil {
		return nil, &AuthError{ServerID: serverID, Reason: "failed to load client certificate", Err: err}
	}

	caPEM, err := os.ReadFile(material.CAPath)
	if err != nil {
		return nil, &AuthError{ServerID: serverID, Reason: "failed to read CA certificate", Err: err}
	}

	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, &AuthError{ServerID: serverID, Reason: "CA file contains no valid certificates"}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// doJSON issues a request and decodes a JSON response into out (if non-nil).
func (c *agentClient) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrContainerNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("agent returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode agent response: %w", err)
		}
	}

	return nil
}

func (c *agentClient) Ping(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/v1/ping", nil, nil)
}

func (c *agentClient) Info(ctx context.Context) (*HostInfo, error) {
	info := &HostInfo{}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/info", nil, info); err != nil {
		return nil, err
	}
	return info, nil
}

func (c *agentClient) ListImages(ctx context.Context) ([]ImageSummary, error) {
	var images []ImageSummary
	if err := c.doJSON(ctx, http.MethodGet, "/v1/images", nil, &images); err != nil {
		return nil, err
	}
	return images, nil
}

func (c *agentClient) PullImage(ctx context.Context, image, tag string) error {
	body := map[string]string{"image": image, "tag": tag}
	return c.doJSON(ctx, http.MethodPost, "/v1/images/pull", body, nil)
}

func (c *agentClient) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	var result struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/containers", spec, &result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", fmt.Errorf("agent returned empty container ID")
	}
	return result.ID, nil
}

func (c *agentClient) StartContainer(ctx context.Context, containerID string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/containers/"+url.PathEscape(containerID)+"/start", nil, nil)
}

func (c *agentClient) StopContainer(ctx context.Context, containerID string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/containers/"+url.PathEscape(containerID)+"/stop", nil, nil)
}

func (c *agentClient) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	path := "/v1/containers/" + url.PathEscape(containerID)
	if force {
		path += "?force=1"
	}
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

func (c *agentClient) FindContainerByName(ctx context.Context, name string) (*ContainerInfo, error) {
	var containers []ContainerInfo
	if err := c.doJSON(ctx, http.MethodGet, "/v1/containers?name="+url.QueryEscape(name), nil, &containers); err != nil {
		return nil, err
	}
	for i := range containers {
		if containers[i].Name == name {
			return &containers[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrContainerNotFound, name)
}

// OpenShell upgrades an exec request to a raw full-duplex stream, in the
// style of a container engine attach hijack.
func (c *agentClient) OpenShell(ctx context.Context, containerID string) (ShellStream, error) {
	addr := fmt.Sprintf("%s:%d", c.host, c.port)

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if c.tlsConfig != nil {
		tlsConn := tls.Client(conn, c.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	execPath := "/v1/containers/" + url.PathEscape(containerID) + "/shell"
	req, err := http.NewRequest(http.MethodPost, c.baseURL+execPath, nil)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "tcp")

	if err := req.Write(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to send shell request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to read shell response: %w", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		_ = resp.Body.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("agent refused shell upgrade: status %d", resp.StatusCode)
	}

	return &shellConn{
		conn:        conn,
		reader:      br,
		client:      c,
		containerID: containerID,
	}, nil
}

func (c *agentClient) Close() error {
	if t, ok := c.http.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}

// shellConn is a hijacked agent connection carrying raw shell bytes.
// Resize goes out-of-band through the regular HTTP API because the stream
// itself is opaque terminal data.
type shellConn struct {
	conn        net.Conn
	reader      *bufio.Reader
	client      *agentClient
	containerID string
}

func (s *shellConn) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *shellConn) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

func (s *shellConn) Close() error {
	return s.conn.Close()
}

func (s *shellConn) Resize(rows, cols uint16) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	body := map[string]uint16{"rows": rows, "cols": cols}
	path := "/v1/containers/" + url.PathEscape(s.containerID) + "/shell/resize"
	return s.client.doJSON(ctx, http.MethodPost, path, body, nil)
}
