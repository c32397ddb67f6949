// Package proxycfg generates daemon configuration text for proxy instances.
//
// Generation is a pure function of the instance record and the artifact
// paths passed in: identical inputs always produce byte-identical output.
// The generator never inspects the filesystem; whether a stale certificate
// exists on disk is irrelevant; only the record's fields decide which
// directives are emitted.
package proxycfg

import (
	"fmt"
	"strings"

	"github.com/proxfleet/proxfleet/internal/instance"
)

// Inputs carries the per-instance artifact paths and host-level settings the
// templates reference. Paths are embedded verbatim in the output, so callers
// pass absolute paths. An empty AuthFile means no basic-auth requirement.
type Inputs struct {
	CertFile string
	KeyFile  string
	AuthFile string

	// CoverSiteAddress is the local backend that serves the innocuous cover
	// site for tls_tunnel instances with a cover domain.
	CoverSiteAddress string

	// BasicAuthHelper is the daemon's basic-auth helper binary referenced by
	// the forward-proxy auth_param directive.
	BasicAuthHelper string
}

// Generate renders the configuration text for the instance's daemon variant.
func Generate(rec *instance.Record, in Inputs) string {
	switch rec.ProxyType {
	case instance.TLSTunnel:
		return tlsTunnelConfig(rec, in)
	default:
		return forwardProxyConfig(rec, in)
	}
}

// forwardProxyConfig renders a squid-style forward proxy configuration.
//
// When https is enabled the listening port terminates TLS for client
// connections using the instance certificate. No interception (ssl-bump)
// directive is ever emitted: upstream traffic is relayed, never decrypted.
func forwardProxyConfig(rec *instance.Record, in Inputs) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# proxfleet managed configuration for instance %s, do not edit\n", rec.Name)
	b.WriteString("\n")

	if rec.HTTPSEnabled {
		fmt.Fprintf(&b, "https_port %d cert=%s key=%s\n", rec.Port, in.CertFile, in.KeyFile)
	} else {
		fmt.Fprintf(&b, "http_port %d\n", rec.Port)
	}
	b.WriteString("\n")

	if in.AuthFile != "" {
		fmt.Fprintf(&b, "auth_param basic program %s %s\n", in.BasicAuthHelper, in.AuthFile)
		fmt.Fprintf(&b, "auth_param basic realm %s\n", rec.Name)
		b.WriteString("auth_param basic credentialsttl 2 hours\n")
		b.WriteString("acl authenticated proxy_auth REQUIRED\n")
		b.WriteString("http_access allow authenticated\n")
		b.WriteString("http_access deny all\n")
	} else {
		b.WriteString("http_access allow all\n")
	}
	b.WriteString("\n")

	if rec.DPIEvasionEnabled {
		b.WriteString("via off\n")
		b.WriteString("forwarded_for delete\n")
		b.WriteString("follow_x_forwarded_for deny all\n")
		b.WriteString("httpd_suppress_version_string on\n")
		b.WriteString("request_header_access X-Forwarded-For deny all\n")
		b.WriteString("request_header_access Via deny all\n")
		b.WriteString("reply_header_access X-Cache deny all\n")
		b.WriteString("reply_header_access X-Cache-Lookup deny all\n")
		b.WriteString("tls_outgoing_options min-version=1.2\n")
		b.WriteString("\n")
	}

	b.WriteString("cache deny all\n")
	b.WriteString("access_log stdio:/dev/stdout\n")
	return b.String()
}

// tlsTunnelConfig renders an SNI-multiplexing tunnel configuration.
//
// All traffic defaults to the instance's forward address. When a cover
// domain is configured, connections presenting that SNI are routed to the
// local cover site instead, so passive inspection of the listening port sees
// ordinary web traffic. Without a cover domain the route table is omitted
// entirely rather than referencing a backend that does not exist.
func tlsTunnelConfig(rec *instance.Record, in Inputs) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# proxfleet managed configuration for instance %s, do not edit\n", rec.Name)
	b.WriteString("\n")

	fmt.Fprintf(&b, "listener 0.0.0.0:%d {\n", rec.Port)
	b.WriteString("    protocol tls\n")
	fmt.Fprintf(&b, "    cert %s\n", in.CertFile)
	fmt.Fprintf(&b, "    key %s\n", in.KeyFile)
	if rec.CoverDomain != "" {
		fmt.Fprintf(&b, "    table tunnel_%s\n", rec.Name)
	}
	fmt.Fprintf(&b, "    fallback %s\n", rec.ForwardAddress)
	b.WriteString("}\n")

	if rec.CoverDomain != "" {
		b.WriteString("\n")
		fmt.Fprintf(&b, "table tunnel_%s {\n", rec.Name)
		fmt.Fprintf(&b, "    %s %s\n", rec.CoverDomain, in.CoverSiteAddress)
		b.WriteString("}\n")
	}
	return b.String()
}
