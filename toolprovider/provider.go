package toolprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/martinemde/sherlog/agentloop"
)

// ServerInfo identifies the provider as reported during initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Provider is a running tool provider subprocess speaking MCP over stdio. It
// implements agentloop.Toolset.
//
// The initialize handshake runs lazily before the first request, so a
// provider that fails to come up surfaces as a *ProtocolError from Tools or
// Call rather than from Spawn.
type Provider struct {
	cfg    Config
	proc   *process
	rpc    *rpcClient
	logger *slog.Logger

	initMu     sync.Mutex
	initErr    error
	ready      bool
	serverInfo ServerInfo

	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures Spawn.
type Option func(*Provider)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Spawn starts the configured command. It fails only if the process cannot
// be started. Cancelling ctx kills the subprocess; callers should still call
// Shutdown.
func Spawn(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	p := &Provider{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "toolprovider", "command", cfg.Command)

	proc, err := startProcess(ctx, cfg, p.logger)
	if err != nil {
		return nil, err
	}
	p.proc = proc
	p.rpc = newRPCClient(proc, cfg.CallTimeout, p.logger)
	p.logger.Debug("tool provider started", "pid", proc.cmd.Process.Pid)
	return p, nil
}

// Exited is closed once the subprocess has been reaped.
func (p *Provider) Exited() <-chan struct{} { return p.proc.exited }

// ServerInfo returns the identity reported by initialize, zero before it.
func (p *Provider) ServerInfo() ServerInfo {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	return p.serverInfo
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ServerInfo     `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

func (p *Provider) ensureInitialized(ctx context.Context) error {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	if p.ready {
		return nil
	}
	if p.initErr != nil {
		return p.initErr
	}

	name, version := p.cfg.ClientName, p.cfg.ClientVersion
	if name == "" {
		name = "sherlog"
	}
	if version == "" {
		version = "0.1.0"
	}
	var res initializeResult
	err := p.rpc.call(ctx, "initialize", initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      ServerInfo{Name: name, Version: version},
	}, &res)
	if err == nil {
		err = p.rpc.notify("notifications/initialized", nil)
	}
	if err != nil {
		// A cancelled caller may retry; a broken session stays broken.
		if ctx.Err() == nil {
			p.initErr = err
		}
		return err
	}
	p.ready = true
	p.serverInfo = res.ServerInfo
	p.logger.Info("tool provider initialized",
		"server", res.ServerInfo.Name,
		"server_version", res.ServerInfo.Version,
		"protocol", res.ProtocolVersion,
	)
	return nil
}

type toolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

type listToolsResult struct {
	Tools      []toolInfo `json:"tools"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// Tools lists the provider's tools, following pagination cursors.
func (p *Provider) Tools(ctx context.Context) ([]agentloop.ToolDefinition, error) {
	if err := p.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	var defs []agentloop.ToolDefinition
	cursor := ""
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		var res listToolsResult
		if err := p.rpc.call(ctx, "tools/list", params, &res); err != nil {
			return nil, err
		}
		for _, t := range res.Tools {
			schema := t.InputSchema
			if schema == nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			defs = append(defs, agentloop.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schema,
			})
		}
		if res.NextCursor == "" || res.NextCursor == cursor {
			return defs, nil
		}
		cursor = res.NextCursor
	}
}

type contentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

type callToolResult struct {
	Content           []contentBlock `json:"content"`
	StructuredContent any            `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError,omitempty"`
}

// Call invokes a tool. A result flagged isError becomes a
// *agentloop.RetryPromptError so the model can see the failure and recover.
func (p *Provider) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	if err := p.ensureInitialized(ctx); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	start := time.Now()
	var res callToolResult
	err := p.rpc.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args}, &res)
	p.logger.Debug("tool call", "tool", name, "duration", time.Since(start), "error", err)
	if err != nil {
		return nil, err
	}
	if res.IsError {
		return nil, &agentloop.RetryPromptError{Message: joinText(res.Content)}
	}
	return resultValue(res), nil
}

// resultValue flattens a tool result: structured content wins, a single
// block is returned bare, and text that looks like JSON is decoded.
func resultValue(res callToolResult) any {
	if res.StructuredContent != nil {
		return res.StructuredContent
	}
	switch len(res.Content) {
	case 0:
		return ""
	case 1:
		return blockValue(res.Content[0])
	}
	values := make([]any, 0, len(res.Content))
	for _, b := range res.Content {
		values = append(values, blockValue(b))
	}
	return values
}

func blockValue(b contentBlock) any {
	if b.Type != "text" {
		return map[string]any{"type": b.Type, "mime_type": b.MimeType, "data": b.Data}
	}
	text := strings.TrimSpace(b.Text)
	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
		var v any
		if err := json.Unmarshal([]byte(text), &v); err == nil {
			return v
		}
	}
	return b.Text
}

func joinText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	if len(parts) == 0 {
		return "tool reported an error"
	}
	return strings.Join(parts, "\n")
}

// Shutdown stops the subprocess. It is safe to call more than once; later
// calls return the first result.
func (p *Provider) Shutdown() error {
	p.shutdownOnce.Do(func() {
		p.logger.Debug("shutting down tool provider")
		if err := p.proc.stop(p.cfg.shutdownTimeout()); err != nil {
			p.shutdownErr = fmt.Errorf("stop tool provider: %w", err)
		}
	})
	return p.shutdownErr
}
