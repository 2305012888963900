package umbilical

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/Leif-Rydenfalk/cell/internal/transport/socket"
)

// RestartPolicy controls whether and how the supervisor respawns a child
// after an unexpected exit (Necrosis). The policy itself is an operator
// concern (spec §4 explicitly leaves it out of scope); this struct is just
// the mechanism a caller wires a policy through.
type RestartPolicy struct {
	Enabled        bool
	MaxRestarts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (p RestartPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialBackoff > 0 {
		b.InitialInterval = p.InitialBackoff
	}
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	return b
}

// Config configures the supervisor.
type Config struct {
	SocketPath         string
	AllowList          *AllowList
	CytokinesisTimeout time.Duration
	Restart            RestartPolicy
	Log                *zap.SugaredLogger
}

func (c *Config) setDefaults() {
	if c.CytokinesisTimeout <= 0 {
		c.CytokinesisTimeout = 10 * time.Second
	}
	if c.Log == nil {
		c.Log = zap.NewNop().Sugar()
	}
}

// child tracks one spawned process through its mitotic lifecycle.
type child struct {
	name    string
	cmd     *exec.Cmd
	phase   string
	sockets []string
	restarts int
}

// Supervisor is the single per-machine mitotic supervisor.
type Supervisor struct {
	cfg      Config
	listener net.Listener

	mu       sync.Mutex
	children map[string]*child
}

// New binds the supervisor's well-known socket at cfg.SocketPath, owned
// 0600 by the invoking user (spec §4).
func New(cfg Config) (*Supervisor, error) {
	cfg.setDefaults()

	l, err := socket.Listen(cfg.SocketPath)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(cfg.SocketPath, 0o600); err != nil {
		l.Close()
		return nil, fmt.Errorf("failed to restrict umbilical socket permissions: %w", err)
	}

	return &Supervisor{cfg: cfg, listener: l, children: make(map[string]*child)}, nil
}

func (s *Supervisor) Run(ctx context.Context) error {
	log := s.cfg.Log.Named("umbilical")
	log.Infow("umbilical supervisor listening", "path", s.cfg.SocketPath)
	defer log.Info("umbilical supervisor stopped")

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serveRequest(ctx, nc)
	}
}

func (s *Supervisor) serveRequest(ctx context.Context, nc net.Conn) {
	defer nc.Close()

	payload, err := readFrame(nc, maxFrameLen)
	if err != nil {
		return
	}
	kind, body, err := DecodeRequest(payload)
	if err != nil {
		writeResponse(nc, Response{Kind: ResponseError, Error: "malformed request"})
		return
	}

	var resp Response
	switch kind {
	case RequestSpawn:
		resp = s.handleSpawn(ctx, body.(SpawnRequest))
	case RequestKill:
		resp = s.handleShutdown(body.(ShutdownRequest))
	case RequestList:
		resp = s.handleList()
	default:
		resp = Response{Kind: ResponseError, Error: fmt.Sprintf("unknown request kind %q", kind)}
	}

	writeResponse(nc, resp)
}

func writeResponse(nc net.Conn, resp Response) {
	_ = writeFrame(nc, EncodeResponse(resp))
}

// handleSpawn gates the request on the allow-list, starts the sandboxed
// child, and blocks until Cytokinesis is observed or cfg.CytokinesisTimeout
// elapses (spec §4: "supervisor blocks spawn completion on Cytokinesis with
// timeout").
func (s *Supervisor) handleSpawn(ctx context.Context, req SpawnRequest) Response {
	entry, ok := s.cfg.AllowList.Lookup(req.Name)
	if !ok {
		return Response{Kind: ResponseDenied}
	}

	s.mu.Lock()
	if _, exists := s.children[req.Name]; exists {
		s.mu.Unlock()
		return Response{Kind: ResponseError, Error: fmt.Sprintf("cell %q is already running", req.Name)}
	}
	s.mu.Unlock()

	c, cytokinesis, err := s.startChild(ctx, entry, req.Args)
	if err != nil {
		return Response{Kind: ResponseError, Error: err.Error()}
	}

	s.mu.Lock()
	s.children[req.Name] = c
	s.mu.Unlock()

	select {
	case sockets := <-cytokinesis:
		c.sockets = sockets
		return Response{Kind: ResponseOk, Pid: c.cmd.Process.Pid, Sockets: sockets}
	case <-time.After(s.cfg.CytokinesisTimeout):
		_ = c.cmd.Process.Kill()
		s.mu.Lock()
		delete(s.children, req.Name)
		s.mu.Unlock()
		return Response{Kind: ResponseError, Error: "child did not reach Cytokinesis before timeout"}
	}
}

// startChild execs entry's program, wires its stdout to the lifecycle-token
// scanner, and launches the monitor goroutine that watches for Necrosis and
// applies the restart policy. It returns a channel that receives the
// child's announced socket paths once Cytokinesis is observed.
func (s *Supervisor) startChild(ctx context.Context, entry AllowListEntry, extraArgs []string) (*child, <-chan []string, error) {
	log := s.cfg.Log.Named("umbilical").With("cell", entry.Name)

	cmd := exec.Command(entry.Path, append(append([]string{}, entry.Args...), extraArgs...)...)
	cmd.Env = sandboxEnv(entry, s.cfg.SocketPath)
	cmd.Stdin = nil
	cmd.SysProcAttr = sandboxAttrs(entry)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe for %s: %w", entry.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stderr pipe for %s: %w", entry.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start %s: %w", entry.Name, err)
	}

	c := &child{name: entry.Name, cmd: cmd, phase: TokenProphase}
	cytokinesis := make(chan []string, 1)

	go s.captureStderr(stderr, log)
	go s.scanLifecycle(c, stdout, cytokinesis, log)
	go s.monitor(ctx, entry, c, log)

	return c, cytokinesis, nil
}

func (s *Supervisor) captureStderr(r io.Reader, log *zap.SugaredLogger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Debugw("child stderr", "line", scanner.Text())
	}
}

func (s *Supervisor) scanLifecycle(c *child, r io.Reader, cytokinesis chan<- []string, log *zap.SugaredLogger) {
	scanner := bufio.NewScanner(r)
	var sockets []string
	for scanner.Scan() {
		line := scanner.Text()
		token, arg, _ := strings.Cut(line, " ")

		s.mu.Lock()
		c.phase = token
		s.mu.Unlock()

		switch token {
		case TokenProphase, TokenMetaphase:
			log.Debugw("lifecycle token", "token", token)
		case TokenPrometaphase:
			if arg != "" {
				sockets = append(sockets, arg)
			}
		case TokenCytokinesis:
			log.Infow("child reached cytokinesis", "sockets", sockets)
			select {
			case cytokinesis <- sockets:
			default:
			}
		case TokenApoptosis:
			log.Infow("child apoptosis", "reason", arg)
		}
	}
}

// monitor waits for the process to exit; an exit not preceded by Apoptosis
// is Necrosis (spec §4), which optionally triggers a backoff-scheduled
// restart.
func (s *Supervisor) monitor(ctx context.Context, entry AllowListEntry, c *child, log *zap.SugaredLogger) {
	err := c.cmd.Wait()

	s.mu.Lock()
	phase := c.phase
	s.mu.Unlock()

	if phase == TokenApoptosis {
		log.Infow("child exited cleanly")
		s.mu.Lock()
		delete(s.children, c.name)
		s.mu.Unlock()
		return
	}

	log.Warnw("necrosis: child exited without apoptosis", "err", err)

	if !s.cfg.Restart.Enabled || c.restarts >= s.cfg.Restart.MaxRestarts {
		s.mu.Lock()
		delete(s.children, c.name)
		s.mu.Unlock()
		return
	}

	// The delay grows with each restart of this child: take the backoff's
	// (restarts+1)-th interval.
	b := s.cfg.Restart.backOff()
	delay := b.NextBackOff()
	for i := 0; i < c.restarts; i++ {
		delay = b.NextBackOff()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.children, c.name)
		s.mu.Unlock()
		return
	}

	c.restarts++
	log.Infow("restarting after necrosis", "attempt", c.restarts)

	newChild, cytokinesis, err := s.startChild(ctx, entry, nil)
	if err != nil {
		log.Errorw("restart failed", "err", err)
		s.mu.Lock()
		delete(s.children, c.name)
		s.mu.Unlock()
		return
	}
	newChild.restarts = c.restarts

	s.mu.Lock()
	s.children[c.name] = newChild
	s.mu.Unlock()

	select {
	case sockets := <-cytokinesis:
		s.mu.Lock()
		newChild.sockets = sockets
		s.mu.Unlock()
	case <-time.After(s.cfg.CytokinesisTimeout):
		_ = newChild.cmd.Process.Kill()
	}
}

func (s *Supervisor) handleShutdown(req ShutdownRequest) Response {
	s.mu.Lock()
	c, ok := s.children[req.Name]
	s.mu.Unlock()
	if !ok {
		return Response{Kind: ResponseError, Error: fmt.Sprintf("cell %q is not running", req.Name)}
	}
	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return Response{Kind: ResponseError, Error: err.Error()}
	}
	return Response{Kind: ResponseOk}
}

func (s *Supervisor) handleList() Response {
	s.mu.Lock()
	defer s.mu.Unlock()

	children := make([]ChildStatus, 0, len(s.children))
	for _, c := range s.children {
		pid := 0
		if c.cmd.Process != nil {
			pid = c.cmd.Process.Pid
		}
		children = append(children, ChildStatus{Name: c.name, PID: pid, Phase: c.phase})
	}
	return Response{Kind: ResponseOk, Children: children}
}

// sandboxEnv builds a minimal environment for the child: no inherited
// variables beyond what the allow-list entry declares, plus the umbilical
// socket path so the child can dial its own sibling-spawn requests back
// through this same supervisor (spec §4: cells reach spawn only through the
// umbilical, never directly).
func sandboxEnv(entry AllowListEntry, umbilicalSocket string) []string {
	env := append([]string{}, entry.Env...)
	env = append(env, "CELL_UMBILICAL_SOCKET="+umbilicalSocket)
	return env
}

// sandboxAttrs applies what process isolation is available without
// requiring elevated privileges the supervisor may not have: a fresh
// process group for clean signal delivery, and a uid/gid remap when the
// allow-list entry names a user. Namespace isolation (mount/network) and
// hard CPU/RAM caps require CAP_SYS_ADMIN and cgroup delegation that vary
// by host and are therefore left to the deployment's init system rather
// than attempted here — see DESIGN.md.
func sandboxAttrs(entry AllowListEntry) *syscall.SysProcAttr {
	attrs := &syscall.SysProcAttr{Setpgid: true}

	if entry.User == "" {
		return attrs
	}
	u, err := user.Lookup(entry.User)
	if err != nil {
		return attrs
	}
	uid, err1 := strconv.Atoi(u.Uid)
	gid, err2 := strconv.Atoi(u.Gid)
	if err1 != nil || err2 != nil {
		return attrs
	}
	attrs.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	return attrs
}
