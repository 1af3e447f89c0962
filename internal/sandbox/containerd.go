package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/namespaces"
	"github.com/rs/zerolog/log"
)

const dialTimeout = 5 * time.Second

// Client wraps the containerd client with reconnects and health checks.
type Client struct {
	socket    string
	namespace string

	mu     sync.RWMutex
	inner  *containerd.Client
	closed bool
}

// NewClient connects to containerd and verifies the connection.
func NewClient(ctx context.Context, socket, namespace string) (*Client, error) {
	inner, err := dial(ctx, socket, namespace)
	if err != nil {
		return nil, err
	}
	log.Info().Str("socket", socket).Str("namespace", namespace).Msg("connected to containerd")
	return &Client{inner: inner, socket: socket, namespace: namespace}, nil
}

func dial(ctx context.Context, socket, namespace string) (*containerd.Client, error) {
	inner, err := containerd.New(socket,
		containerd.WithDefaultNamespace(namespace),
		containerd.WithTimeout(dialTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socket, err)
	}
	if _, err := inner.Version(ctx); err != nil {
		_ = inner.Close()
		return nil, fmt.Errorf("containerd health check failed: %w", err)
	}
	return inner, nil
}

// Raw returns the underlying containerd client for direct API usage.
func (c *Client) Raw() *containerd.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inner
}

// WithNamespace returns a context with the configured namespace.
func (c *Client) WithNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, c.namespace)
}

// Healthy checks the connection and redials once if it has dropped.
func (c *Client) Healthy(ctx context.Context) bool {
	c.mu.RLock()
	closed, inner := c.closed, c.inner
	c.mu.RUnlock()
	if closed {
		return false
	}
	if _, err := inner.Version(ctx); err == nil {
		return true
	}
	if err := c.reconnect(ctx); err != nil {
		log.Warn().Err(err).Msg("containerd unreachable")
		return false
	}
	return true
}

func (c *Client) reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	inner, err := dial(ctx, c.socket, c.namespace)
	if err != nil {
		return err
	}
	_ = c.inner.Close()
	c.inner = inner

	log.Info().Msg("reconnected to containerd")
	return nil
}

// Close shuts down the containerd client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.inner.Close()
}

// PullImage returns the local image, pulling it first if needed.
func (c *Client) PullImage(ctx context.Context, ref string) (containerd.Image, error) {
	ctx = c.WithNamespace(ctx)
	raw := c.Raw()

	if image, err := raw.GetImage(ctx, ref); err == nil {
		return image, nil
	}

	log.Info().Str("ref", ref).Msg("pulling image")
	image, err := raw.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("pulling image %s: %w", ref, err)
	}
	log.Info().Str("ref", ref).Msg("image pulled")
	return image, nil
}
