// Package transport delivers admitted replies to the channel a conversation
// was last seen on.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"onboarding-agent/internal/delivery"
	"onboarding-agent/internal/domain"
)

// Channel sends text to one address within a channel.
type Channel interface {
	Send(ctx context.Context, address, conversationID, text string) (domain.Receipt, error)
}

// Resolver finds the transport id a conversation was last seen on.
type Resolver interface {
	TransportFor(ctx context.Context, conversationID string) (string, bool)
}

// ErrNoRoute is returned when no channel can reach a conversation.
var ErrNoRoute = errors.New("transport: no route to conversation")

// Router dispatches sends by the scheme of the conversation's transport id,
// e.g. "tg:12345" goes to the "tg" channel with address "12345".
type Router struct {
	resolver Resolver
	channels map[string]Channel
	fallback string
}

var _ delivery.Transport = (*Router)(nil)

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithChannel registers ch under scheme.
func WithChannel(scheme string, ch Channel) RouterOption {
	return func(r *Router) {
		r.channels[scheme] = ch
	}
}

// WithFallback routes conversations without a known transport id to scheme,
// addressed by the conversation id.
func WithFallback(scheme string) RouterOption {
	return func(r *Router) {
		r.fallback = scheme
	}
}

// NewRouter builds a Router over resolver.
func NewRouter(resolver Resolver, opts ...RouterOption) (*Router, error) {
	if resolver == nil {
		return nil, errors.New("transport: resolver must not be nil")
	}
	r := &Router{resolver: resolver, channels: map[string]Channel{}}
	for _, opt := range opts {
		opt(r)
	}
	if len(r.channels) == 0 {
		return nil, errors.New("transport: at least one channel is required")
	}
	if r.fallback != "" {
		if _, ok := r.channels[r.fallback]; !ok {
			return nil, fmt.Errorf("transport: fallback channel %q is not registered", r.fallback)
		}
	}
	return r, nil
}

// Send implements delivery.Transport.
func (r *Router) Send(ctx context.Context, conversationID, text string) (domain.Receipt, error) {
	scheme, address, err := r.route(ctx, conversationID)
	if err != nil {
		return domain.Receipt{}, err
	}
	receipt, err := r.channels[scheme].Send(ctx, address, conversationID, text)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("transport: %s send: %w", scheme, err)
	}
	return receipt, nil
}

func (r *Router) route(ctx context.Context, conversationID string) (string, string, error) {
	if tid, ok := r.resolver.TransportFor(ctx, conversationID); ok {
		scheme, address, found := SplitTransportID(tid)
		if found {
			if _, ok := r.channels[scheme]; ok {
				return scheme, address, nil
			}
		}
	}
	if r.fallback != "" {
		return r.fallback, conversationID, nil
	}
	return "", "", fmt.Errorf("%w %s", ErrNoRoute, conversationID)
}

// TransportID joins a channel scheme and a channel-native address.
func TransportID(scheme, address string) string {
	return scheme + ":" + address
}

// SplitTransportID splits "scheme:address".
func SplitTransportID(tid string) (scheme, address string, ok bool) {
	scheme, address, ok = strings.Cut(tid, ":")
	if !ok || scheme == "" || address == "" {
		return "", "", false
	}
	return scheme, address, true
}
