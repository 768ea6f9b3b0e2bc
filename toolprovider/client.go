package toolprovider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// maxFrameSize bounds a single newline-delimited frame.
const maxFrameSize = 10 * 1024 * 1024

// rpcClient multiplexes JSON-RPC calls over the subprocess pipes. Responses
// are routed to callers by request id; server-initiated requests are answered
// inline by the read loop.
type rpcClient struct {
	proc        *process
	logger      *slog.Logger
	callTimeout time.Duration

	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[string]chan *message
	closeErr error // non-nil once the session has ended

	readDone chan struct{}
}

func newRPCClient(proc *process, callTimeout time.Duration, logger *slog.Logger) *rpcClient {
	c := &rpcClient{
		proc:        proc,
		logger:      logger,
		callTimeout: callTimeout,
		pending:     make(map[string]chan *message),
		readDone:    make(chan struct{}),
	}
	go c.readLoop(proc.stdout)
	go func() {
		proc.wait(c.readDone)
		err := &ProtocolError{Message: "tool provider exited", Err: ErrClosed}
		if proc.exitErr != nil {
			err.Err = fmt.Errorf("%w: %v", ErrClosed, proc.exitErr)
		}
		c.failAll(err)
	}()
	return c
}

// call sends a request and decodes the result into out (when non-nil).
func (c *rpcClient) call(ctx context.Context, method string, params, out any) error {
	parent := ctx
	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	key := idKey(json.RawMessage(fmt.Sprint(id)))
	ch := make(chan *message, 1)

	c.mu.Lock()
	if c.closeErr != nil {
		err := c.closeErr
		c.mu.Unlock()
		return &ProtocolError{Method: method, Message: "call failed", Err: err}
	}
	c.pending[key] = ch
	c.mu.Unlock()

	frame, err := encodeFrame(request{JSONRPC: jsonRPCVersion, ID: &id, Method: method, Params: params})
	if err != nil {
		c.forget(key)
		return &ProtocolError{Method: method, Message: "encode request", Err: err}
	}
	if err := c.proc.write(frame); err != nil {
		c.forget(key)
		return &ProtocolError{Method: method, Message: "write request", Err: err}
	}

	select {
	case <-ctx.Done():
		c.forget(key)
		if parent.Err() == nil {
			return &ProtocolError{Method: method, Message: fmt.Sprintf("no response within %s", c.callTimeout), Err: ctx.Err()}
		}
		return ctx.Err()
	case resp := <-ch:
		if resp == nil {
			c.mu.Lock()
			err := c.closeErr
			c.mu.Unlock()
			return &ProtocolError{Method: method, Message: "call failed", Err: err}
		}
		if resp.Error != nil {
			return &ProtocolError{Method: method, Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return &ProtocolError{Method: method, Message: "decode result", Err: err}
		}
		return nil
	}
}

func (c *rpcClient) notify(method string, params any) error {
	frame, err := encodeFrame(request{JSONRPC: jsonRPCVersion, Method: method, Params: params})
	if err != nil {
		return &ProtocolError{Method: method, Message: "encode notification", Err: err}
	}
	if err := c.proc.write(frame); err != nil {
		return &ProtocolError{Method: method, Message: "write notification", Err: err}
	}
	return nil
}

func (c *rpcClient) forget(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

func (c *rpcClient) readLoop(r io.Reader) {
	defer close(c.readDone)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := decodeMessage(line)
		if err != nil {
			c.logger.Warn("skipping malformed frame from tool provider", "error", err)
			continue
		}
		switch {
		case msg.isResponse():
			c.route(msg)
		case msg.isServerRequest():
			c.answer(msg)
		default:
			c.logger.Debug("tool provider notification", "method", msg.Method)
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("tool provider stdout read failed", "error", err)
	}
}

func (c *rpcClient) route(msg *message) {
	key := idKey(msg.ID)
	c.mu.Lock()
	ch, ok := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("response for unknown request id", "id", key)
		return
	}
	ch <- msg
}

// answer replies to server-initiated requests. Only ping is supported.
func (c *rpcClient) answer(msg *message) {
	resp := reply{JSONRPC: jsonRPCVersion, ID: msg.ID}
	if msg.Method == "ping" {
		resp.Result = struct{}{}
	} else {
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: "method not found: " + msg.Method}
	}
	frame, err := encodeFrame(resp)
	if err == nil {
		err = c.proc.write(frame)
	}
	if err != nil {
		c.logger.Warn("reply to tool provider request failed", "method", msg.Method, "error", err)
	}
}

// failAll ends the session and releases every outstanding call.
func (c *rpcClient) failAll(err error) {
	c.mu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	pending := c.pending
	c.pending = make(map[string]chan *message)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- nil
	}
}
