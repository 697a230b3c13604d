package router

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"

	"github.com/xiaot623/mcptap/internal/domain"
)

// stdioTransport speaks newline-delimited JSON-RPC to a spawned process
// over stdin/stdout. The process is started lazily on the first call and
// shared by all calls to its upstream; responses are matched to pending
// calls by request id.
type stdioTransport struct {
	command string
	args    []string

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending map[string]chan *domain.RPCResponse
	closed  bool

	// writeMu serializes stdin writes. It is separate from mu so a
	// blocked write never stalls readLoop's response dispatch.
	writeMu sync.Mutex
}

func newStdioTransport(command string, args []string) (*stdioTransport, error) {
	if command == "" {
		return nil, fmt.Errorf("stdio transport requires a command")
	}
	return &stdioTransport{
		command: command,
		args:    args,
		pending: make(map[string]chan *domain.RPCResponse),
	}, nil
}

// ensureStarted spawns the process if needed. Caller holds t.mu.
func (t *stdioTransport) ensureStarted() error {
	if t.closed {
		return fmt.Errorf("%w: transport closed", domain.ErrUpstreamUnreachable)
	}
	if t.cmd != nil {
		return nil
	}

	cmd := exec.Command(t.command, t.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamUnreachable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamUnreachable, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamUnreachable, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	go t.readLoop(stdout)
	return nil
}

// readLoop dispatches responses to pending calls until stdout closes,
// then fails whatever is still waiting.
func (t *stdioTransport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp domain.RPCResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			log.Printf("WARN: upstream %s: discarding unparsable line: %v", t.command, err)
			continue
		}

		t.mu.Lock()
		ch, ok := t.pending[idKey(resp.ID)]
		if ok {
			delete(t.pending, idKey(resp.ID))
		}
		t.mu.Unlock()

		if !ok {
			log.Printf("WARN: upstream %s: response for unknown id %s", t.command, resp.ID)
			continue
		}
		ch <- &resp
	}

	t.mu.Lock()
	for key, ch := range t.pending {
		delete(t.pending, key)
		close(ch)
	}
	t.cmd = nil
	t.stdin = nil
	t.mu.Unlock()
}

func (t *stdioTransport) Call(ctx context.Context, req *domain.RPCRequest) (*domain.RPCResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	ch := make(chan *domain.RPCResponse, 1)

	t.mu.Lock()
	if err := t.ensureStarted(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	key := idKey(req.ID)
	t.pending[key] = ch
	stdin := t.stdin
	t.mu.Unlock()

	t.writeMu.Lock()
	_, writeErr := stdin.Write(data)
	t.writeMu.Unlock()
	if writeErr != nil {
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnreachable, writeErr)
	}

	select {
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%w: upstream exited", domain.ErrUpstreamUnreachable)
		}
		return resp, nil
	}
}

func (t *stdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	if t.cmd == nil {
		return nil
	}
	if t.stdin != nil {
		_ = t.stdin.Close()
	}
	if err := t.cmd.Process.Kill(); err != nil {
		return err
	}
	t.cmd = nil
	return nil
}

// idKey canonicalizes a raw id for pending-map lookup.
func idKey(id json.RawMessage) string {
	var v any
	if err := json.Unmarshal(id, &v); err != nil {
		return string(id)
	}
	normalized, _ := json.Marshal(v)
	return string(normalized)
}
