package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultStartTimeout = 30 * time.Second
	stopGrace           = 2 * time.Second
	stderrTailBytes     = 4096
)

// Config configures the host side of the channel.
type Config struct {
	// Bin is the executable to spawn; Args are passed as-is (e.g. "worker").
	Bin  string
	Args []string
	Env  []string
	// StartTimeout bounds the wait for the hello line. Default 30s.
	StartTimeout time.Duration
	Logger       zerolog.Logger
	// OnExit is called once, from the reader goroutine, when the worker is gone.
	OnExit func(err error)
}

type call struct {
	resp    chan Response
	onChunk func(string) error
	// chunkErr receives the first onChunk error.
	chunkErr chan error
	failed   bool
}

// Client is the host side of the channel. Safe for concurrent use.
type Client struct {
	cfg Config
	log zerolog.Logger

	wmu sync.Mutex
	w   io.WriteCloser

	mu      sync.Mutex
	pending map[string]*call
	exitErr error

	hello chan Hello
	done  chan struct{}

	cmd    *exec.Cmd
	stderr *tailBuffer
	pid    int
}

// Start spawns the worker process and waits for its hello.
func Start(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Bin) == "" {
		return nil, errors.New("worker: binary is empty")
	}
	cmd := exec.Command(cfg.Bin, cfg.Args...)
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	tail := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = tail
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	cfg.Logger.Info().Str("event", "spawn").Int("pid", cmd.Process.Pid).Str("bin", cfg.Bin).Msg("worker started")

	c := newClient(stdin, cfg)
	c.cmd, c.stderr, c.pid = cmd, tail, cmd.Process.Pid
	go c.readLoop(stdout)
	if err := c.awaitHello(ctx); err != nil {
		c.kill()
		return nil, err
	}
	return c, nil
}

// Dial runs the client over an existing stream pair. The worker must already
// be serving on the other end.
func Dial(ctx context.Context, r io.Reader, w io.WriteCloser, cfg Config) (*Client, error) {
	c := newClient(w, cfg)
	go c.readLoop(r)
	if err := c.awaitHello(ctx); err != nil {
		_ = w.Close()
		return nil, err
	}
	return c, nil
}

func newClient(w io.WriteCloser, cfg Config) *Client {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	return &Client{
		cfg:     cfg,
		log:     cfg.Logger,
		w:       w,
		pending: make(map[string]*call),
		hello:   make(chan Hello, 1),
		done:    make(chan struct{}),
	}
}

func (c *Client) awaitHello(ctx context.Context) error {
	t := time.NewTimer(c.cfg.StartTimeout)
	defer t.Stop()
	select {
	case h := <-c.hello:
		if h.Version != ProtocolVersion {
			return fmt.Errorf("%w: worker speaks %d, host speaks %d", ErrProtocolVersion, h.Version, ProtocolVersion)
		}
		if h.PID != 0 && c.pid == 0 {
			c.pid = h.PID
		}
		c.log.Info().Str("event", "ready").Int("pid", c.pid).Msg("worker ready")
		return nil
	case <-c.done:
		return c.Err()
	case <-t.C:
		return fmt.Errorf("worker not ready in %s", c.cfg.StartTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PID of the worker process, 0 if unknown.
func (c *Client) PID() int { return c.pid }

// Done is closed once the worker is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err is the exit error once Done is closed, nil before.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

func (c *Client) readLoop(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxLineBytes)
	for sc.Scan() {
		var env envelope
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			c.log.Warn().Err(err).Msg("worker bad line")
			continue
		}
		switch {
		case env.Type == TypeHello:
			select {
			case c.hello <- Hello{Type: env.Type, Version: env.Version, PID: env.PID}:
			default:
			}
		case env.Chunk != nil:
			c.routeChunk(env.ID, *env.Chunk)
		default:
			c.routeResponse(Response{ID: env.ID, Success: env.Success, Data: env.Data, Error: env.Error})
		}
	}
	c.exited(sc.Err())
}

func (c *Client) routeChunk(id, text string) {
	c.mu.Lock()
	cl := c.pending[id]
	c.mu.Unlock()
	if cl == nil || cl.onChunk == nil || cl.failed {
		return
	}
	if err := cl.onChunk(text); err != nil {
		cl.failed = true
		cl.chunkErr <- err
	}
}

func (c *Client) routeResponse(r Response) {
	c.mu.Lock()
	cl := c.pending[r.ID]
	delete(c.pending, r.ID)
	c.mu.Unlock()
	if cl == nil {
		c.log.Debug().Str("id", r.ID).Msg("worker response for unknown id")
		return
	}
	cl.resp <- r
}

// exited fails every pending call and fires the exit hook.
func (c *Client) exited(readErr error) {
	var cause error
	if c.cmd != nil {
		cause = c.cmd.Wait()
	} else if readErr != nil {
		cause = readErr
	}
	tail := ""
	if c.stderr != nil {
		tail = c.stderr.String()
	}
	err := exitError(cause, tail)

	c.mu.Lock()
	c.exitErr = err
	pending := c.pending
	c.pending = make(map[string]*call)
	c.mu.Unlock()
	close(c.done)
	for id := range pending {
		c.log.Debug().Str("id", id).Msg("worker call failed on exit")
	}
	c.log.Warn().Str("event", "exit").Int("pid", c.pid).Err(err).Msg("worker exited")
	if c.cfg.OnExit != nil {
		c.cfg.OnExit(err)
	}
}

func (c *Client) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.w.Write(b)
	return err
}

// do sends one request and waits for its response. If ctx ends first a
// cancel message is sent for the request id and ctx's error returned.
func (c *Client) do(ctx context.Context, op MessageType, params any, onChunk func(string) error) (json.RawMessage, error) {
	req := Request{ID: uuid.NewString(), Type: op}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Data = b
	}
	cl := &call{resp: make(chan Response, 1), onChunk: onChunk, chunkErr: make(chan error, 1)}

	c.mu.Lock()
	if c.exitErr != nil {
		err := c.exitErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending[req.ID] = cl
	c.mu.Unlock()

	if err := c.send(req); err != nil {
		c.forget(req.ID)
		select {
		case <-c.done:
			return nil, c.Err()
		default:
		}
		return nil, fmt.Errorf("worker send %s: %w", op, err)
	}

	select {
	case r := <-cl.resp:
		if !r.Success {
			return nil, &RemoteError{Op: op, Message: r.Error}
		}
		return r.Data, nil
	case err := <-cl.chunkErr:
		c.abandon(req.ID)
		return nil, err
	case <-ctx.Done():
		c.abandon(req.ID)
		return nil, ctx.Err()
	case <-c.done:
		select {
		case r := <-cl.resp:
			if r.Success {
				return r.Data, nil
			}
			return nil, &RemoteError{Op: op, Message: r.Error}
		default:
		}
		return nil, c.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// abandon stops waiting for id and asks the worker to cancel it.
func (c *Client) abandon(id string) {
	c.forget(id)
	if err := c.send(Request{ID: id, Type: TypeCancel}); err != nil {
		c.log.Debug().Err(err).Str("id", id).Msg("worker cancel send failed")
	}
}

// Ping round-trips an empty request.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, TypePing, nil, nil)
	return err
}

// LoadModel loads weights and returns the model handle.
func (c *Client) LoadModel(ctx context.Context, p LoadModelParams) (string, error) {
	return c.handle(ctx, TypeLoadModel, p)
}

// CreateContext creates an inference context and returns its handle.
func (c *Client) CreateContext(ctx context.Context, p CreateContextParams) (string, error) {
	return c.handle(ctx, TypeCreateContext, p)
}

func (c *Client) handle(ctx context.Context, op MessageType, p any) (string, error) {
	data, err := c.do(ctx, op, p, nil)
	if err != nil {
		return "", err
	}
	var out HandleResult
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("worker %s: decode: %w", op, err)
	}
	return out.Handle, nil
}

// Generate streams tokens to onToken. An onToken error cancels the request
// and is returned.
func (c *Client) Generate(ctx context.Context, req GenerateRequest, onToken func(string) error) (GenerateResult, error) {
	data, err := c.do(ctx, TypeGenerate, req, onToken)
	if err != nil {
		return GenerateResult{}, err
	}
	var out GenerateResult
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return GenerateResult{}, fmt.Errorf("worker generate: decode: %w", err)
		}
	}
	return out, nil
}

// DisposeContext frees a context handle.
func (c *Client) DisposeContext(ctx context.Context, handle string) error {
	_, err := c.do(ctx, TypeDisposeContext, DisposeParams{Handle: handle}, nil)
	return err
}

// DisposeModel frees a model handle.
func (c *Client) DisposeModel(ctx context.Context, handle string) error {
	_, err := c.do(ctx, TypeDisposeModel, DisposeParams{Handle: handle}, nil)
	return err
}

// Shutdown asks the worker to exit and waits for it. A spawned process that
// does not exit in time gets SIGTERM, then SIGKILL after a grace period.
func (c *Client) Shutdown(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	default:
	}
	sctx, cancel := context.WithTimeout(ctx, stopGrace)
	_, err := c.do(sctx, TypeShutdown, nil, nil)
	cancel()
	if err != nil && !errors.Is(err, ErrWorkerExited) {
		c.log.Warn().Err(err).Msg("worker shutdown request failed")
	}
	_ = c.w.Close()

	select {
	case <-c.done:
		return nil
	case <-time.After(stopGrace):
	}
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	_ = c.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-c.done:
	case <-time.After(stopGrace):
		c.kill()
		<-c.done
	}
	return nil
}

func (c *Client) kill() {
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = append([]byte(nil), t.buf[len(t.buf)-t.max:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
