package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// maxLineBytes bounds one protocol line (prompts can be large).
const maxLineBytes = 16 << 20

// Server is the worker side of the channel. It dispatches each request in its
// own goroutine and converts panics into error responses, so one bad request
// never takes the process down.
type Server struct {
	rt  Runtime
	log zerolog.Logger

	wmu sync.Mutex
	enc *json.Encoder

	mu       sync.Mutex
	models   map[string]Model
	sessions map[string]Session
	inflight map[string]context.CancelFunc
	seq      atomic.Uint64
	wg       sync.WaitGroup
}

// NewServer returns a server backed by rt.
func NewServer(rt Runtime, log zerolog.Logger) *Server {
	return &Server{
		rt:       rt,
		log:      log,
		models:   make(map[string]Model),
		sessions: make(map[string]Session),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Serve writes the hello line and handles requests from r until a shutdown
// request, EOF on r or ctx cancellation. Every model and session still open
// is released before it returns.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.enc = json.NewEncoder(w)
	if err := s.write(Hello{Type: TypeHello, Version: ProtocolVersion, PID: os.Getpid()}); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}
	s.log.Info().Str("event", "ready").Int("version", ProtocolVersion).Msg("worker serving")

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.wg.Wait()
		s.release()
	}()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64<<10), maxLineBytes)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("read requests: %w", err)
			}
			s.log.Info().Str("event", "eof").Msg("worker stdin closed")
			return nil
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			var req Request
			if err := json.Unmarshal(line, &req); err != nil {
				s.log.Warn().Err(err).Msg("worker bad request line")
				continue
			}
			switch req.Type {
			case TypeShutdown:
				s.cancelAll()
				s.wg.Wait()
				s.release()
				_ = s.write(Response{ID: req.ID, Success: true})
				s.log.Info().Str("event", "shutdown").Msg("worker shutting down")
				return nil
			case TypeCancel:
				s.cancel(req.ID)
			default:
				s.dispatch(ctx, req)
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req Request) {
	rctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.inflight[req.ID] = cancel
	s.mu.Unlock()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, req.ID)
			s.mu.Unlock()
			cancel()
		}()
		data, err := s.handleSafe(rctx, req)
		resp := Response{ID: req.ID, Success: err == nil, Data: data}
		if err != nil {
			resp.Error = err.Error()
		}
		if werr := s.write(resp); werr != nil {
			s.log.Warn().Err(werr).Str("id", req.ID).Msg("worker write response failed")
		}
	}()
}

func (s *Server) handleSafe(ctx context.Context, req Request) (data json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Str("id", req.ID).Str("type", string(req.Type)).
				Interface("panic", r).Bytes("stack", debug.Stack()).Msg("worker recovered panic")
			data, err = nil, fmt.Errorf("panic in %s: %v", req.Type, r)
		}
	}()
	out, err := s.handle(ctx, req)
	if err != nil || out == nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (s *Server) handle(ctx context.Context, req Request) (any, error) {
	switch req.Type {
	case TypePing:
		return nil, nil
	case TypeLoadModel:
		var p LoadModelParams
		if err := decode(req.Data, &p); err != nil {
			return nil, err
		}
		m, err := s.rt.LoadModel(p)
		if err != nil {
			return nil, err
		}
		h := s.nextHandle("model")
		s.mu.Lock()
		s.models[h] = m
		s.mu.Unlock()
		s.log.Info().Str("event", "model_loaded").Str("handle", h).Str("path", p.Path).Msg("worker loaded model")
		return HandleResult{Handle: h}, nil
	case TypeCreateContext:
		var p CreateContextParams
		if err := decode(req.Data, &p); err != nil {
			return nil, err
		}
		s.mu.Lock()
		m := s.models[p.Model]
		s.mu.Unlock()
		if m == nil {
			return nil, fmt.Errorf("unknown model handle %q", p.Model)
		}
		sess, err := m.NewContext(p)
		if err != nil {
			return nil, err
		}
		h := s.nextHandle("ctx")
		s.mu.Lock()
		s.sessions[h] = sess
		s.mu.Unlock()
		return HandleResult{Handle: h}, nil
	case TypeGenerate:
		var p GenerateRequest
		if err := decode(req.Data, &p); err != nil {
			return nil, err
		}
		s.mu.Lock()
		sess := s.sessions[p.Context]
		s.mu.Unlock()
		if sess == nil {
			return nil, fmt.Errorf("unknown context handle %q", p.Context)
		}
		return sess.Generate(ctx, p.Prompt, p.Params, func(tok string) error {
			return s.write(Chunk{ID: req.ID, Chunk: tok})
		})
	case TypeDisposeContext:
		var p DisposeParams
		if err := decode(req.Data, &p); err != nil {
			return nil, err
		}
		s.mu.Lock()
		sess := s.sessions[p.Handle]
		delete(s.sessions, p.Handle)
		s.mu.Unlock()
		if sess == nil {
			return nil, fmt.Errorf("unknown context handle %q", p.Handle)
		}
		return nil, sess.Close()
	case TypeDisposeModel:
		var p DisposeParams
		if err := decode(req.Data, &p); err != nil {
			return nil, err
		}
		s.mu.Lock()
		m := s.models[p.Handle]
		delete(s.models, p.Handle)
		s.mu.Unlock()
		if m == nil {
			return nil, fmt.Errorf("unknown model handle %q", p.Handle)
		}
		s.log.Info().Str("event", "model_disposed").Str("handle", p.Handle).Msg("worker disposed model")
		return nil, m.Close()
	}
	return nil, fmt.Errorf("unknown request type %q", req.Type)
}

func (s *Server) nextHandle(kind string) string {
	return fmt.Sprintf("%s-%d", kind, s.seq.Add(1))
}

func (s *Server) cancel(id string) {
	s.mu.Lock()
	c := s.inflight[id]
	s.mu.Unlock()
	if c != nil {
		c()
	}
}

func (s *Server) cancelAll() {
	s.mu.Lock()
	for _, c := range s.inflight {
		c()
	}
	s.mu.Unlock()
}

// release closes every session then every model.
func (s *Server) release() {
	s.mu.Lock()
	sessions, models := s.sessions, s.models
	s.sessions = make(map[string]Session)
	s.models = make(map[string]Model)
	s.mu.Unlock()
	for h, sess := range sessions {
		if err := sess.Close(); err != nil {
			s.log.Warn().Err(err).Str("handle", h).Msg("worker close context")
		}
	}
	for h, m := range models {
		if err := m.Close(); err != nil {
			s.log.Warn().Err(err).Str("handle", h).Msg("worker close model")
		}
	}
}

func (s *Server) write(v any) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.enc.Encode(v)
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.New("missing request data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode request data: %w", err)
	}
	return nil
}
