package pty

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"loom/internal/bus"
	"loom/internal/logging"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

// BufferLimit caps the per-session backlog held for late joiners.
const BufferLimit = 2 * 1024 * 1024

// replayChunkSize bounds each write while flushing backlog to a new
// subscriber.
const replayChunkSize = 64 * 1024

// Bus event kinds published by the multiplexer.
const (
	EventCreated bus.Kind = "pty.created"
	EventUpdated bus.Kind = "pty.updated"
	EventExited  bus.Kind = "pty.exited"
	EventDeleted bus.Kind = "pty.deleted"
)

// ExitedEvent is the payload of EventExited.
type ExitedEvent struct {
	ID       string
	ExitCode int
}

// DeletedEvent is the payload of EventDeleted.
type DeletedEvent struct {
	ID string
}

// Status of a PTY session.
const (
	StatusRunning = "running"
	StatusExited  = "exited"
)

// Info is the externally visible state of one session.
type Info struct {
	ID      string
	Title   string
	Command string
	Args    []string
	Cwd     string
	Status  string
	Pid     int
}

// CreateInput configures a new PTY session. Zero values fall back to the
// preferred shell in the current directory.
type CreateInput struct {
	Command string
	Args    []string
	Cwd     string
	Env     map[string]string
	Title   string
}

// Sink receives output chunks for one subscriber. Send must not block
// indefinitely; Closed reports whether the subscriber has gone away.
type Sink interface {
	Send(data []byte) error
	Closed() bool
}

// Listener observes output programmatically, independent of subscriber
// buffering semantics.
type Listener func(data []byte)

// ConnectOptions modify a Connect call.
type ConnectOptions struct {
	// Directory, when set on a session whose cwd is not yet pinned, pins
	// it and types a cd into the child's stdin.
	Directory string
}

// session is one PTY child plus its fan-out state. mu guards the
// delivery state (buffer, subscribers, listeners, info, pinning) and is
// held across delivery: that serializes live output with late-join
// replay, which the backlog-then-live ordering guarantee requires. A
// blocking sink therefore stalls only its own session; the multiplexer's
// table lock is never held here.
type session struct {
	mu sync.Mutex

	info  Info
	ptmx  *os.File
	cmd   *exec.Cmd
	shell string

	buffer      []byte
	subscribers map[int]Sink
	listeners   map[int]Listener
	nextID      int
	cwdPinned   bool
	removed     bool
}

// Multiplexer owns spawned PTY children, buffers their output with
// bounded memory, and fans each stream out to live subscribers with
// late-join replay. Its lock guards the session table only and is held
// for structural changes, never across child I/O or sink delivery.
type Multiplexer struct {
	mu       sync.Mutex
	sessions map[string]*session
	events   *bus.Bus
	shell    string
}

// NewMultiplexer creates an empty multiplexer. shell is the preferred
// shell for sessions that do not name a command; empty falls back to
// $SHELL and then /bin/bash.
func NewMultiplexer(events *bus.Bus, shell string) *Multiplexer {
	return &Multiplexer{
		sessions: make(map[string]*session),
		events:   events,
		shell:    shell,
	}
}

func (m *Multiplexer) preferredShell() string {
	if m.shell != "" {
		return m.shell
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/bash"
}

// isPOSIXShell reports whether the shell accepts `-l` and POSIX quoting.
func isPOSIXShell(shell string) bool {
	switch filepath.Base(shell) {
	case "sh", "bash", "zsh", "dash", "ksh", "fish":
		return true
	}
	return false
}

// lookup fetches a session under the table lock.
func (m *Multiplexer) lookup(id string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Create spawns a PTY child and registers the session. The returned info
// is also published as pty.created.
func (m *Multiplexer) Create(input CreateInput) (Info, error) {
	command := input.Command
	args := input.Args
	if command == "" {
		command = m.preferredShell()
		if isPOSIXShell(command) {
			args = append([]string{"-l"}, args...)
		}
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = input.Cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	for k, v := range input.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return Info{}, fmt.Errorf("starting pty: %w", err)
	}

	title := input.Title
	if title == "" {
		title = filepath.Base(command)
	}
	cwd := input.Cwd
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	s := &session{
		info: Info{
			ID:      uuid.NewString(),
			Title:   title,
			Command: command,
			Args:    args,
			Cwd:     cwd,
			Status:  StatusRunning,
			Pid:     cmd.Process.Pid,
		},
		ptmx:        ptmx,
		cmd:         cmd,
		shell:       command,
		subscribers: make(map[int]Sink),
		listeners:   make(map[int]Listener),
	}

	m.mu.Lock()
	m.sessions[s.info.ID] = s
	m.mu.Unlock()

	go m.readLoop(s)

	logging.Info("pty session created", "id", s.info.ID, "command", command, "pid", s.info.Pid)
	m.events.Publish(EventCreated, s.info)
	return s.info, nil
}

// readLoop pumps child output until the PTY closes, then reaps the child.
func (m *Multiplexer) readLoop(s *session) {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.handleOutput(chunk)
		}
		if err != nil {
			// PTY reads fail with EIO when the child exits.
			break
		}
	}

	exitCode := 0
	if err := s.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	s.ptmx.Close()

	m.mu.Lock()
	delete(m.sessions, s.info.ID)
	m.mu.Unlock()

	s.mu.Lock()
	alreadyRemoved := s.removed
	s.removed = true
	s.info.Status = StatusExited
	s.subscribers = make(map[int]Sink)
	s.listeners = make(map[int]Listener)
	s.mu.Unlock()

	if !alreadyRemoved {
		logging.Info("pty session exited", "id", s.info.ID, "exit_code", exitCode)
		m.events.Publish(EventExited, ExitedEvent{ID: s.info.ID, ExitCode: exitCode})
	}
}

// handleOutput routes one chunk: listeners always see it; live
// subscribers receive it; only chunks nobody received are buffered.
func (s *session) handleOutput(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, fn := range s.listeners {
		fn(chunk)
	}

	delivered := false
	for id, sink := range s.subscribers {
		if sink.Closed() {
			delete(s.subscribers, id)
			continue
		}
		if err := sink.Send(chunk); err != nil {
			delete(s.subscribers, id)
			continue
		}
		delivered = true
	}

	if !delivered {
		s.buffer = append(s.buffer, chunk...)
		if len(s.buffer) > BufferLimit {
			// Keep the trailing window; the head is gone for good.
			s.buffer = s.buffer[len(s.buffer)-BufferLimit:]
		}
	}
}

// Connect attaches a late-joining subscriber. The buffered backlog is
// flushed in bounded chunks before any new data is delivered; on a send
// failure the backlog is restored so a later subscriber can still replay.
func (m *Multiplexer) Connect(id string, sink Sink, opts *ConnectOptions) error {
	s, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("pty session %q not found", id)
	}

	s.mu.Lock()

	var updated *Info
	if opts != nil && opts.Directory != "" && !s.cwdPinned {
		s.cwdPinned = true
		s.info.Cwd = opts.Directory
		if _, err := s.ptmx.Write([]byte(cdCommand(s.shell, opts.Directory))); err != nil {
			logging.Warn("pty cd injection failed", "id", id, "error", err)
		}
		info := s.info
		updated = &info
	}

	var replayErr error
	backlog := s.buffer
	s.buffer = nil
	for off := 0; off < len(backlog); off += replayChunkSize {
		end := off + replayChunkSize
		if end > len(backlog) {
			end = len(backlog)
		}
		if err := sink.Send(backlog[off:end]); err != nil {
			// Restore what the subscriber did not take.
			s.buffer = append(backlog[off:], s.buffer...)
			replayErr = fmt.Errorf("replaying backlog: %w", err)
			break
		}
	}

	if replayErr == nil {
		s.nextID++
		s.subscribers[s.nextID] = sink
	}
	s.mu.Unlock()

	if updated != nil {
		m.events.Publish(EventUpdated, *updated)
	}
	return replayErr
}

// AddListener registers a programmatic output listener and returns a
// cancel function.
func (m *Multiplexer) AddListener(id string, fn Listener) (cancel func(), err error) {
	s, ok := m.lookup(id)
	if !ok {
		return nil, fmt.Errorf("pty session %q not found", id)
	}

	s.mu.Lock()
	s.nextID++
	lid := s.nextID
	s.listeners[lid] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, lid)
		s.mu.Unlock()
	}, nil
}

// cdCommand renders the shell-appropriate directory change for cwd
// pinning.
func cdCommand(shell, dir string) string {
	base := strings.ToLower(filepath.Base(shell))
	switch {
	case base == "cmd" || base == "cmd.exe":
		return fmt.Sprintf("cd /d \"%s\"\r\n", dir)
	case strings.HasPrefix(base, "powershell") || strings.HasPrefix(base, "pwsh"):
		return fmt.Sprintf("Set-Location -LiteralPath '%s'\r\n", strings.ReplaceAll(dir, "'", "''"))
	default:
		return fmt.Sprintf("cd -- '%s'\n", strings.ReplaceAll(dir, "'", `'\''`))
	}
}

// Write sends input to the child. Unknown IDs are a silent no-op.
func (m *Multiplexer) Write(id string, data []byte) {
	s, ok := m.lookup(id)
	if !ok {
		return
	}

	if _, err := s.ptmx.Write(data); err != nil {
		logging.Debug("pty write failed", "id", id, "error", err)
	}
}

// Resize adjusts the terminal size. Unknown IDs are a silent no-op.
func (m *Multiplexer) Resize(id string, cols, rows uint16) {
	s, ok := m.lookup(id)
	if !ok {
		return
	}

	if err := pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		logging.Debug("pty resize failed", "id", id, "error", err)
	}
}

// Remove kills the child, drops all subscribers, deletes the session and
// publishes pty.deleted. Removing an unknown ID is a no-op.
func (m *Multiplexer) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.removed = true
	s.subscribers = make(map[int]Sink)
	s.listeners = make(map[int]Listener)
	s.mu.Unlock()

	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}

	logging.Info("pty session removed", "id", id)
	m.events.Publish(EventDeleted, DeletedEvent{ID: id})
}

// Get returns a session's info.
func (m *Multiplexer) Get(id string) (Info, bool) {
	s, ok := m.lookup(id)
	if !ok {
		return Info{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info, true
}

// List returns info for every live session.
func (m *Multiplexer) List() []Info {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(all))
	for _, s := range all {
		s.mu.Lock()
		out = append(out, s.info)
		s.mu.Unlock()
	}
	return out
}

// Close removes every session.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Remove(id)
	}
}
