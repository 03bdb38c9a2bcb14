// Package term manages interactive pseudo-terminal sessions with
// detach-and-reattach: the process outlives its WebSocket, buffering output
// in a bounded ring until a client comes back.
package term

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

const (
	MinCols = 10
	MaxCols = 500
	MinRows = 5
	MaxRows = 200

	// defaultRingSize bounds buffered output per session.
	defaultRingSize = 50 * 1024
	// defaultDetachTTL is how long a detached session survives without a
	// client.
	defaultDetachTTL = 30 * time.Minute
	// defaultExitLinger keeps an exited session visible so the client can read
	// the exit status.
	defaultExitLinger = 60 * time.Second
	// MaxFrameBytes bounds one input frame.
	MaxFrameBytes = 64 * 1024
)

// ClampSize forces cols/rows into the supported window.
func ClampSize(cols, rows int) (int, int) {
	if cols < MinCols {
		cols = MinCols
	}
	if cols > MaxCols {
		cols = MaxCols
	}
	if rows < MinRows {
		rows = MinRows
	}
	if rows > MaxRows {
		rows = MaxRows
	}
	return cols, rows
}

// Proc is a running terminal process. Satisfied by a real PTY and by test
// fakes.
type Proc interface {
	io.ReadWriter
	Resize(cols, rows int) error
	Close() error
}

// StartProc launches a terminal process.
type StartProc func(cwd string, cols, rows int) (Proc, <-chan ExitStatus, error)

// ExitStatus is a latched process exit.
type ExitStatus struct {
	Code   int
	Signal string
}

// ptyProc wraps a real pseudo-terminal.
type ptyProc struct {
	f   *os.File
	cmd *exec.Cmd
}

func (p *ptyProc) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *ptyProc) Write(b []byte) (int, error) { return p.f.Write(b) }
func (p *ptyProc) Resize(cols, rows int) error {
	return pty.Setsize(p.f, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}
func (p *ptyProc) Close() error {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return p.f.Close()
}

// startPTY is the production StartProc: a login shell on a real PTY.
func startPTY(cwd string, cols, rows int) (Proc, <-chan ExitStatus, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}
	cmd := exec.Command(shell)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, nil, fmt.Errorf("start pty: %w", err)
	}
	exitCh := make(chan ExitStatus, 1)
	go func() {
		err := cmd.Wait()
		st := ExitStatus{}
		if err != nil {
			if ee, okk := err.(*exec.ExitError); okk {
				st.Code = ee.ExitCode()
				if st.Code == -1 {
					st.Signal = ee.String()
				}
			} else {
				st.Code = -1
				st.Signal = err.Error()
			}
		}
		exitCh <- st
	}()
	return &ptyProc{f: f, cmd: cmd}, exitCh, nil
}

// Session is one terminal with its ring and (nullable) client sink.
type Session struct {
	ID        string
	CWD       string
	CreatedAt time.Time
	ringMax   int

	mu         sync.Mutex
	proc       Proc
	ring       []byte
	sink       func([]byte)     // nil while detached
	exitSink   func(ExitStatus) // nil while detached
	detachedAt time.Time
	exited     bool
	exit       ExitStatus
	exitedAt   time.Time
	closed     bool
}

// attach binds the client sinks and returns the buffered ring for replay.
func (s *Session) attach(sink func([]byte), exitSink func(ExitStatus)) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
	s.exitSink = exitSink
	s.detachedAt = time.Time{}
	replay := make([]byte, len(s.ring))
	copy(replay, s.ring)
	return replay
}

// Detach unbinds the client; the session keeps running.
func (s *Session) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = nil
	s.exitSink = nil
	s.detachedAt = time.Now()
}

// appendOutput buffers and forwards one chunk.
func (s *Session) appendOutput(b []byte) {
	s.mu.Lock()
	s.ring = append(s.ring, b...)
	if len(s.ring) > s.ringMax {
		s.ring = append([]byte(nil), s.ring[len(s.ring)-s.ringMax:]...)
	}
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink(b)
	}
}

// Write sends input to the process. Oversized frames are dropped.
func (s *Session) Write(data []byte) error {
	if len(data) > MaxFrameBytes {
		return fmt.Errorf("input frame of %d bytes dropped (max %d)", len(data), MaxFrameBytes)
	}
	s.mu.Lock()
	proc, exited := s.proc, s.exited
	s.mu.Unlock()
	if exited || proc == nil {
		return fmt.Errorf("session %s: process exited", s.ID)
	}
	_, err := proc.Write(data)
	return err
}

// Resize clamps and applies a terminal resize.
func (s *Session) Resize(cols, rows int) error {
	cols, rows = ClampSize(cols, rows)
	s.mu.Lock()
	proc, exited := s.proc, s.exited
	s.mu.Unlock()
	if exited || proc == nil {
		return fmt.Errorf("session %s: process exited", s.ID)
	}
	return proc.Resize(cols, rows)
}

// Exited reports the latched exit status.
func (s *Session) Exited() (ExitStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exit, s.exited
}

func (s *Session) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	if s.proc != nil {
		_ = s.proc.Close()
	}
	s.sink = nil
}

// Service owns the session table.
type Service struct {
	start  StartProc
	logger *slog.Logger

	ringMax    int
	detachTTL  time.Duration
	exitLinger time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option adjusts Service tuning.
type Option func(*Service)

// WithOutputRingBytes overrides the per-session output buffer size.
func WithOutputRingBytes(n int) Option {
	return func(sv *Service) {
		if n > 0 {
			sv.ringMax = n
		}
	}
}

// WithDetachRetention overrides how long a detached session survives without
// a client.
func WithDetachRetention(d time.Duration) Option {
	return func(sv *Service) {
		if d > 0 {
			sv.detachTTL = d
		}
	}
}

// WithExitRetention overrides how long an exited session stays visible.
func WithExitRetention(d time.Duration) Option {
	return func(sv *Service) {
		if d > 0 {
			sv.exitLinger = d
		}
	}
}

// NewService creates a Service. start may be nil to use the real PTY.
func NewService(start StartProc, logger *slog.Logger, opts ...Option) *Service {
	if start == nil {
		start = startPTY
	}
	if logger == nil {
		logger = slog.Default()
	}
	sv := &Service{
		start:      start,
		logger:     logger,
		ringMax:    defaultRingSize,
		detachTTL:  defaultDetachTTL,
		exitLinger: defaultExitLinger,
		sessions:   make(map[string]*Session),
	}
	for _, o := range opts {
		o(sv)
	}
	return sv
}

// Create starts a new session in cwd. cols/rows are clamped.
func (sv *Service) Create(cwd string, cols, rows int) (*Session, error) {
	cols, rows = ClampSize(cols, rows)
	proc, exitCh, err := sv.start(cwd, cols, rows)
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:        uuid.NewString(),
		CWD:       cwd,
		CreatedAt: time.Now(),
		ringMax:   sv.ringMax,
		proc:      proc,
	}
	sv.mu.Lock()
	sv.sessions[s.ID] = s
	sv.mu.Unlock()

	go sv.pump(s, proc)
	go sv.watchExit(s, exitCh)
	sv.logger.Info("term: session created", "session_id", s.ID, "cwd", cwd)
	return s, nil
}

// pump copies process output into the session until EOF.
func (sv *Service) pump(s *Session, proc Proc) {
	buf := make([]byte, 4096)
	for {
		n, err := proc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.appendOutput(chunk)
		}
		if err != nil {
			return
		}
	}
}

// watchExit latches the exit status when the process dies.
func (sv *Service) watchExit(s *Session, exitCh <-chan ExitStatus) {
	st, okk := <-exitCh
	if !okk {
		return
	}
	s.mu.Lock()
	s.exited = true
	s.exit = st
	s.exitedAt = time.Now()
	exitSink := s.exitSink
	s.mu.Unlock()
	sv.logger.Info("term: session exited", "session_id", s.ID, "exit_code", st.Code, "signal", st.Signal)
	if exitSink != nil {
		exitSink(st)
	}
}

// Get returns a session by id.
func (sv *Service) Get(id string) (*Session, bool) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	s, okk := sv.sessions[id]
	return s, okk
}

// Attach binds sinks to the session and returns buffered output for replay.
func (sv *Service) Attach(id string, sink func([]byte), exitSink func(ExitStatus)) ([]byte, error) {
	s, okk := sv.Get(id)
	if !okk {
		return nil, fmt.Errorf("unknown session: %s", id)
	}
	return s.attach(sink, exitSink), nil
}

// Sweep removes sessions detached past the TTL and exited sessions past the
// linger window. Returns how many were closed.
func (sv *Service) Sweep(now time.Time) int {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	closed := 0
	for id, s := range sv.sessions {
		s.mu.Lock()
		expired := (!s.detachedAt.IsZero() && now.Sub(s.detachedAt) > sv.detachTTL) ||
			(s.exited && now.Sub(s.exitedAt) > sv.exitLinger)
		if expired {
			s.closeLocked()
			delete(sv.sessions, id)
			closed++
		}
		s.mu.Unlock()
	}
	if closed > 0 {
		sv.logger.Debug("term: swept sessions", "closed", closed)
	}
	return closed
}

// RunJanitor sweeps periodically until ctx is cancelled.
func (sv *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			sv.Sweep(now)
		}
	}
}

// CloseAll tears down every session. Used on shutdown.
func (sv *Service) CloseAll() {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	for id, s := range sv.sessions {
		s.mu.Lock()
		s.closeLocked()
		s.mu.Unlock()
		delete(sv.sessions, id)
	}
}
