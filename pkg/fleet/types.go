// Package fleet maintains the registry of remote container hosts: their
// connection parameters, live health state, and image catalogs. Fleet
// membership is configuration, not durable state; the registry is rebuilt
// from the fleet file at startup.
package fleet

import (
	"errors"
	"fmt"
	"time"
)

// Supported CPU architectures for fleet servers.
const (
	ArchX86 = "x86_64"
	ArchARM = "arm64"
)

// TLSMaterial holds the file paths for a mutually-authenticated TLS
// connection to a host agent. All three paths are required when TLS is
// enabled; registration fails fast on missing material rather than falling
// back to plaintext.
type TLSMaterial struct {
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
	CAPath   string `yaml:"ca_path"`
}

// ServerConfig describes a fleet server as given in configuration.
type ServerConfig struct {
	ID           string       `yaml:"id" validate:"required"`
	Host         string       `yaml:"host" validate:"required"`
	Port         int          `yaml:"port" validate:"required,min=1,max=65535"`
	Architecture string       `yaml:"architecture" validate:"required,oneof=x86_64 arm64"`
	Region       string       `yaml:"region" validate:"required"`
	GPUType      string       `yaml:"gpu_type,omitempty"`
	TLS          *TLSMaterial `yaml:"tls,omitempty"`
}

// Server is the registry's record for a fleet host. Owned exclusively by
// the registry; health fields are mutated only by the probe loop and
// register/deregister calls.
type Server struct {
	ID           string
	Host         string
	Port         int
	Architecture string
	Region       string
	GPUType      string
	TLS          *TLSMaterial
	Healthy      bool
	LastProbeAt  time.Time

	// seq is the registration order, used for deterministic tie-breaking
	// in placement.
	seq int
}

// HasGPU returns true if the server exposes a GPU.
func (s *Server) HasGPU() bool {
	return s.GPUType != ""
}

// Address returns the host:port of the server's control-plane endpoint.
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Seq returns the registration sequence number.
func (s *Server) Seq() int {
	return s.seq
}

// HostInfo is the identity and summary reported by a host agent.
type HostInfo struct {
	Name         string `json:"name"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	AgentVersion string `json:"agent_version"`
	Containers   int    `json:"containers"`
}

// ImageSummary describes one image in a host's catalog.
type ImageSummary struct {
	ID     string   `json:"id"`
	Tags   []string `json:"tags"`
	SizeMB int64    `json:"size_mb"`
}

// ContainerSpec describes a container to create on a host, with resource
// limits taken from the resolved hardware tier.
type ContainerSpec struct {
	Name          string            `json:"name"`
	Image         string            `json:"image"`
	Env           map[string]string `json:"env,omitempty"`
	VCPU          int               `json:"vcpu"`
	MemoryMB      int               `json:"memory_mb"`
	StorageGB     int               `json:"storage_gb"`
	BandwidthMbps int               `json:"bandwidth_mbps"`
	GPUCount      int               `json:"gpu_count,omitempty"`
	ExposedPorts  []int             `json:"exposed_ports,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

// ContainerInfo describes a container as reported by a host agent.
type ContainerInfo struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Image  string            `json:"image"`
	State  string            `json:"state"`
	Ports  []int             `json:"ports,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// ErrServerNotFound is returned for an unknown server ID.
var ErrServerNotFound = errors.New("server not registered")

// ErrContainerNotFound is returned when a host agent has no container with
// the requested ID or name.
var ErrContainerNotFound = errors.New("container not found")

// ConnectionError indicates a host was unreachable during a probe or
// operation. Non-fatal: the host is marked unhealthy and the operation is
// retried elsewhere.
type ConnectionError struct {
	ServerID string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("server %s unreachable: %v", e.ServerID, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// AuthError indicates bad TLS material. Fatal for that host's registration.
type AuthError struct {
	ServerID string
	Reason   string
	Err      error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("server %s: %s: %v", e.ServerID, e.Reason, e.Err)
	}
	return fmt.Sprintf("server %s: %s", e.ServerID, e.Reason)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}
