package subscription

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ChannelVerifier checks that a subscription's channel can receive
// notifications before the subscription is activated.
type ChannelVerifier interface {
	Verify(ctx context.Context, sub *Subscription) error
}

// VerifierFunc adapts a function to ChannelVerifier.
type VerifierFunc func(ctx context.Context, sub *Subscription) error

// Verify calls f.
func (f VerifierFunc) Verify(ctx context.Context, sub *Subscription) error { return f(ctx, sub) }

// websocketVerifier accepts every websocket channel: the client connects to
// us, so there is nothing to reach until it binds.
var websocketVerifier = VerifierFunc(func(context.Context, *Subscription) error { return nil })

// Handshaker performs the rest-hook reachability check.
type Handshaker interface {
	Handshake(ctx context.Context, endpoint string, headers []string) error
}

// NewRestHookVerifier returns a verifier that posts an empty handshake to the
// subscription's endpoint.
func NewRestHookVerifier(h Handshaker) ChannelVerifier {
	return VerifierFunc(func(ctx context.Context, sub *Subscription) error {
		if err := h.Handshake(ctx, sub.ChannelEndpoint, sub.ChannelHeaders); err != nil {
			return fmt.Errorf("endpoint handshake: %w", err)
		}
		return nil
	})
}

// resolveHost is a variable to allow test injection.
var resolveHost = net.LookupHost

// validateEndpointURL checks a rest-hook endpoint. Loopback, private and
// link-local targets are rejected unless allowPrivate is set.
func validateEndpointURL(endpoint string, allowPrivate, requireHTTPS bool) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("endpoint URL scheme must be http or https, got %q", u.Scheme)
	}
	if requireHTTPS && scheme != "https" {
		return fmt.Errorf("endpoint must use HTTPS")
	}
	hostname := u.Hostname()
	if hostname == "" {
		return fmt.Errorf("endpoint URL has no host")
	}
	if allowPrivate {
		return nil
	}

	lower := strings.ToLower(hostname)
	if lower == "localhost" || lower == "0.0.0.0" || lower == "::" {
		return fmt.Errorf("endpoint hostname %q is not allowed", hostname)
	}

	ips, err := resolveHost(hostname)
	if err != nil {
		return fmt.Errorf("cannot resolve endpoint hostname %q: %w", hostname, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("endpoint resolves to private/reserved IP %s", ipStr)
		}
	}
	return nil
}
