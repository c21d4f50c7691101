// Package mcp is the client for the external MCP tool gateway: a single
// long-running collaborator that fronts the actual tool servers. The gateway
// is opaque; this package only speaks the protocol, classifies failures into
// the shared taxonomy, and retries what is safe to retry.
package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/codeready-toolchain/maestro/pkg/version"
)

// initTimeout bounds the gateway handshake.
const initTimeout = 30 * time.Second

// Client holds the single gateway session. Thread-safe; the session is
// recreated under a mutex when the transport fails, so concurrent callers
// never race a reconnect.
type Client struct {
	gatewayURL string

	mu      sync.RWMutex
	client  *mcpsdk.Client
	session *mcpsdk.ClientSession

	// reinitMu serializes session recreation so a transport failure under
	// concurrent load triggers one reconnect, not a thundering herd.
	reinitMu sync.Mutex

	toolCache   []*mcpsdk.Tool
	toolCacheMu sync.RWMutex

	logger *slog.Logger
}

// NewClient creates a Client for the gateway at gatewayURL. "cmd:" URLs spawn
// the gateway as a child process over stdio (local development); anything
// else is a streamable HTTP endpoint.
func NewClient(gatewayURL string) *Client {
	return &Client{
		gatewayURL: gatewayURL,
		logger:     slog.Default().With("component", "mcp"),
	}
}

// Connect establishes the gateway session. Idempotent.
func (c *Client) Connect(ctx context.Context) error {
	c.reinitMu.Lock()
	defer c.reinitMu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	c.mu.RLock()
	if c.session != nil {
		c.mu.RUnlock()
		return nil
	}
	c.mu.RUnlock()

	transport, err := createTransport(c.gatewayURL)
	if err != nil {
		return fmt.Errorf("creating gateway transport: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)

	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("connecting to tool gateway: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.session = session
	c.mu.Unlock()

	c.logger.Info("Tool gateway connected", "url", c.gatewayURL)
	return nil
}

// reconnect tears down the session and connects again. Called after a
// transport-level failure.
func (c *Client) reconnect(ctx context.Context) error {
	c.reinitMu.Lock()
	defer c.reinitMu.Unlock()

	c.mu.Lock()
	if c.session != nil {
		_ = c.session.Close()
		c.session = nil
		c.client = nil
	}
	c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Client) currentSession() (*mcpsdk.ClientSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil, fmt.Errorf("tool gateway not connected")
	}
	return c.session, nil
}

// ListAllTools returns the gateway's tool catalog. Cached after the first
// successful call; Refresh drops the cache.
func (c *Client) ListAllTools(ctx context.Context) ([]*mcpsdk.Tool, error) {
	c.toolCacheMu.RLock()
	if c.toolCache != nil {
		cached := c.toolCache
		c.toolCacheMu.RUnlock()
		return cached, nil
	}
	c.toolCacheMu.RUnlock()

	session, err := c.currentSession()
	if err != nil {
		return nil, err
	}

	var tools []*mcpsdk.Tool
	var cursor string
	for {
		res, err := session.ListTools(ctx, &mcpsdk.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("listing gateway tools: %w", err)
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}

	c.toolCacheMu.Lock()
	c.toolCache = tools
	c.toolCacheMu.Unlock()

	c.logger.Info("Tool catalog loaded", "count", len(tools))
	return tools, nil
}

// Refresh drops the tool cache so the next ListAllTools hits the gateway.
func (c *Client) Refresh() {
	c.toolCacheMu.Lock()
	c.toolCache = nil
	c.toolCacheMu.Unlock()
}

// Healthy reports whether the gateway session is established.
func (c *Client) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session != nil
}

// Close tears down the gateway session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	c.client = nil
	return err
}

// createTransport builds the SDK transport for the gateway URL.
func createTransport(gatewayURL string) (mcpsdk.Transport, error) {
	switch {
	case gatewayURL == "":
		return nil, fmt.Errorf("TOOL_GATEWAY_URL is empty")
	case strings.HasPrefix(gatewayURL, "cmd:"):
		parts := strings.Fields(strings.TrimPrefix(gatewayURL, "cmd:"))
		if len(parts) == 0 {
			return nil, fmt.Errorf("cmd: gateway URL has no command")
		}
		return &mcpsdk.CommandTransport{Command: exec.Command(parts[0], parts[1:]...)}, nil
	default:
		return &mcpsdk.StreamableClientTransport{Endpoint: gatewayURL}, nil
	}
}
