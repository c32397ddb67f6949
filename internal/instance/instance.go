// Package instance defines the proxy instance record, the durable unit of
// metadata the rest of proxfleet operates on, and its validation rules.
//
// An instance is a tagged variant over ProxyType: forward_proxy instances
// carry the https/dpi-evasion flags, tls_tunnel instances carry the upstream
// forward address and optional cover domain. Variant-specific required fields
// are enforced here, at the validation boundary, so nothing downstream has to
// re-check a loosely-typed payload.
package instance

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"
)

// ProxyType selects the daemon variant backing an instance.
type ProxyType string

const (
	ForwardProxy ProxyType = "forward_proxy"
	TLSTunnel    ProxyType = "tls_tunnel"
)

// DesiredState is the operator's intent, independent of observed reality.
type DesiredState string

const (
	DesiredRunning DesiredState = "running"
	DesiredStopped DesiredState = "stopped"
)

// Status is the last observed process state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
)

// Port bounds for instance listeners. Ports below 1024 are privileged and
// never handed to daemon processes.
const (
	MinPort = 1024
	MaxPort = 65535
)

// Record is the durable per-instance metadata record. Its JSON shape is the
// on-disk contract other tooling may read (record.json in the instance
// directory).
type Record struct {
	Name              string       `json:"name"`
	ProxyType         ProxyType    `json:"proxy_type"`
	Port              int          `json:"port"`
	HTTPSEnabled      bool         `json:"https_enabled"`
	DPIEvasionEnabled bool         `json:"dpi_evasion_enabled"`
	ForwardAddress    string       `json:"forward_address,omitempty"`
	CoverDomain       string       `json:"cover_domain,omitempty"`
	DesiredState      DesiredState `json:"desired_state"`
	Status            Status       `json:"status"`
	LastError         string       `json:"last_error,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// Clone returns a deep copy of the record. Records are plain values, so a
// shallow copy is a deep copy; the method exists to make the intent explicit
// at call sites that hand records across goroutines.
func (r *Record) Clone() *Record {
	c := *r
	return &c
}

// nameRe is the allow-list pattern for instance names. The name doubles as a
// filesystem path segment, so anything outside this set is rejected.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// ValidateName checks an instance name against the allow-list pattern.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return &ValidationError{Field: "name", Reason: "must be 1-64 characters of letters, digits, '.', '-', '_'"}
	}
	if name == "." || name == ".." || strings.Contains(name, "..") {
		return &ValidationError{Field: "name", Reason: "must not contain path traversal sequences"}
	}
	return nil
}

// ValidatePort checks that a port is inside the legal instance range.
func ValidatePort(port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("port %d: %w", port, ErrInvalidPort)
	}
	return nil
}

// Validate checks the whole record, including variant-specific required
// fields. It never touches disk.
func (r *Record) Validate() error {
	if err := ValidateName(r.Name); err != nil {
		return err
	}
	if err := ValidatePort(r.Port); err != nil {
		return err
	}
	switch r.ProxyType {
	case ForwardProxy:
		if r.ForwardAddress != "" {
			return &ValidationError{Field: "forward_address", Reason: "only valid for tls_tunnel instances"}
		}
		if r.CoverDomain != "" {
			return &ValidationError{Field: "cover_domain", Reason: "only valid for tls_tunnel instances"}
		}
	case TLSTunnel:
		if r.ForwardAddress == "" {
			return &ValidationError{Field: "forward_address", Reason: "required for tls_tunnel instances"}
		}
		if _, _, err := net.SplitHostPort(r.ForwardAddress); err != nil {
			return &ValidationError{Field: "forward_address", Reason: "must be host:port"}
		}
		if r.HTTPSEnabled {
			return &ValidationError{Field: "https_enabled", Reason: "only valid for forward_proxy instances"}
		}
		if r.DPIEvasionEnabled {
			return &ValidationError{Field: "dpi_evasion_enabled", Reason: "only valid for forward_proxy instances"}
		}
	default:
		return &ValidationError{Field: "proxy_type", Reason: fmt.Sprintf("unknown proxy type %q", r.ProxyType)}
	}
	switch r.DesiredState {
	case DesiredRunning, DesiredStopped:
	default:
		return &ValidationError{Field: "desired_state", Reason: fmt.Sprintf("unknown desired state %q", r.DesiredState)}
	}
	return nil
}

// NeedsCertificate reports whether the instance variant requires a server
// certificate on disk: tls_tunnel always terminates TLS, forward_proxy only
// when https is enabled.
func (r *Record) NeedsCertificate() bool {
	return r.ProxyType == TLSTunnel || (r.ProxyType == ForwardProxy && r.HTTPSEnabled)
}
