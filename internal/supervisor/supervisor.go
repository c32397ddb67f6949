// Package supervisor owns the proxy daemon processes. It spawns one process
// per instance, confirms readiness by dialing the instance's listener, stops
// gracefully with SIGTERM before escalating to SIGKILL, and reports deaths
// that nobody asked for.
//
// The supervisor never restarts anything on its own. Deciding what should be
// running is the reconciler's job; this package only executes and observes.
package supervisor

import (
	"fmt"
	"log"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/proxfleet/proxfleet/internal/instance"
	"github.com/proxfleet/proxfleet/internal/logstore"
)

// Config holds the daemon binaries and supervision timing.
type Config struct {
	ForwardProxyBin string
	TLSTunnelBin    string

	ReadyTimeout    time.Duration // spawn to listener accepting connections
	StopTimeout     time.Duration // SIGTERM to SIGKILL escalation
	MonitorInterval time.Duration // liveness re-check cadence
}

// ProcessError describes a supervision failure for one instance.
type ProcessError struct {
	Name string
	Op   string
	Err  error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Name, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// process is one supervised proxy daemon.
type process struct {
	cmd      *exec.Cmd
	port     int
	done     chan struct{} // closed by the wait goroutine
	stopping bool          // guarded by Supervisor.mu; true once a stop began
	exitErr  error         // valid after done closes
}

// Supervisor tracks at most one process per instance name.
type Supervisor struct {
	cfg  Config
	logs *logstore.Store

	mu    sync.Mutex
	procs map[string]*process

	// OnUnexpectedExit fires from the wait goroutine when a process dies
	// without a stop having been requested. Set before the first Start.
	OnUnexpectedExit func(name string, err error)
}

// New creates a supervisor with no running processes.
func New(cfg Config, logs *logstore.Store) *Supervisor {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 10 * time.Second
	}
	return &Supervisor{
		cfg:   cfg,
		logs:  logs,
		procs: make(map[string]*process),
	}
}

// SetTiming applies reloaded supervision timing to subsequent starts, stops
// and monitor sweeps. Binary paths are fixed at construction. Non-positive
// values leave the current setting.
func (s *Supervisor) SetTiming(ready, stop, monitor time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ready > 0 {
		s.cfg.ReadyTimeout = ready
	}
	if stop > 0 {
		s.cfg.StopTimeout = stop
	}
	if monitor > 0 {
		s.cfg.MonitorInterval = monitor
	}
}

func (s *Supervisor) readyTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.ReadyTimeout
}

func (s *Supervisor) stopTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.StopTimeout
}

func (s *Supervisor) monitorInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MonitorInterval
}

// Running reports whether a live process is tracked for name.
func (s *Supervisor) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[name]
	if !ok {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Pid returns the pid of the live process for name, if any.
func (s *Supervisor) Pid(name string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[name]
	if !ok {
		return 0, false
	}
	select {
	case <-p.done:
		return 0, false
	default:
		return p.cmd.Process.Pid, true
	}
}

// Start spawns the daemon for rec and blocks until its listener accepts
// connections or ReadyTimeout expires. Starting an instance that is already
// running is a no-op. On readiness failure the process is killed and no
// entry remains tracked.
func (s *Supervisor) Start(rec *instance.Record, instanceDir, configPath string) error {
	s.mu.Lock()
	if p, ok := s.procs[rec.Name]; ok {
		select {
		case <-p.done:
			delete(s.procs, rec.Name) // stale entry from an earlier death
		default:
			s.mu.Unlock()
			return nil
		}
	}
	s.mu.Unlock()

	bin, args, err := s.commandFor(rec, configPath)
	if err != nil {
		return &ProcessError{Name: rec.Name, Op: "start", Err: err}
	}

	cmd := exec.Command(bin, args...)
	cmd.Dir = instanceDir
	if s.logs != nil {
		il, err := s.logs.Open(rec.Name, instanceDir)
		if err != nil {
			return &ProcessError{Name: rec.Name, Op: "start", Err: err}
		}
		cmd.Stdout = il
		cmd.Stderr = il
	}

	if err := cmd.Start(); err != nil {
		return &ProcessError{Name: rec.Name, Op: "start", Err: err}
	}
	log.Printf("supervisor: started %s (pid %d, port %d)", rec.Name, cmd.Process.Pid, rec.Port)

	p := &process{cmd: cmd, port: rec.Port, done: make(chan struct{})}
	s.mu.Lock()
	s.procs[rec.Name] = p
	s.mu.Unlock()

	go s.wait(rec.Name, p)

	if err := waitForListener(rec.Port, p.done, s.readyTimeout()); err != nil {
		s.kill(rec.Name, p)
		return &ProcessError{Name: rec.Name, Op: "start", Err: err}
	}
	return nil
}

// Stop terminates the process for name: SIGTERM first, SIGKILL if it is
// still alive after StopTimeout. Stopping an instance with no tracked
// process is a no-op.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	p, ok := s.procs[name]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	p.stopping = true
	s.mu.Unlock()

	select {
	case <-p.done:
	default:
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			// Already gone; the wait goroutine will close done.
			log.Printf("supervisor: signal %s: %v", name, err)
		}
	}

	select {
	case <-p.done:
	case <-time.After(s.stopTimeout()):
		log.Printf("supervisor: %s ignored SIGTERM, killing", name)
		p.cmd.Process.Kill()
		<-p.done
	}

	s.mu.Lock()
	delete(s.procs, name)
	s.mu.Unlock()
	if s.logs != nil {
		s.logs.Remove(name)
	}
	log.Printf("supervisor: stopped %s", name)
	return nil
}

// StopAll stops every tracked process. Used at daemon shutdown; desired
// state on disk is untouched.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.procs))
	for name := range s.procs {
		names = append(names, name)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := s.Stop(name); err != nil {
				log.Printf("supervisor: stop %s: %v", name, err)
			}
		}(name)
	}
	wg.Wait()
}

// Monitor re-checks tracked processes every MonitorInterval until stop is
// closed. The wait goroutines catch deaths immediately; this sweep cleans up
// entries whose death the callback already handled. The interval is re-read
// each round so a config reload takes effect on the next one.
func (s *Supervisor) Monitor(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-time.After(s.monitorInterval()):
			s.mu.Lock()
			for name, p := range s.procs {
				select {
				case <-p.done:
					if !p.stopping {
						delete(s.procs, name)
					}
				default:
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Supervisor) wait(name string, p *process) {
	p.exitErr = p.cmd.Wait()
	close(p.done)

	s.mu.Lock()
	stopping := p.stopping
	s.mu.Unlock()

	if !stopping {
		log.Printf("supervisor: %s exited unexpectedly: %v", name, p.exitErr)
		if s.OnUnexpectedExit != nil {
			s.OnUnexpectedExit(name, p.exitErr)
		}
	}
}

// kill force-terminates a process that failed readiness and removes it.
func (s *Supervisor) kill(name string, p *process) {
	s.mu.Lock()
	p.stopping = true
	s.mu.Unlock()

	p.cmd.Process.Kill()
	<-p.done

	s.mu.Lock()
	delete(s.procs, name)
	s.mu.Unlock()
}

func (s *Supervisor) commandFor(rec *instance.Record, configPath string) (string, []string, error) {
	switch rec.ProxyType {
	case instance.ForwardProxy:
		if s.cfg.ForwardProxyBin == "" {
			return "", nil, fmt.Errorf("no forward proxy binary configured")
		}
		// -N keeps the daemon in the foreground so Wait sees its exit.
		return s.cfg.ForwardProxyBin, []string{"-N", "-f", configPath}, nil
	case instance.TLSTunnel:
		if s.cfg.TLSTunnelBin == "" {
			return "", nil, fmt.Errorf("no tls tunnel binary configured")
		}
		return s.cfg.TLSTunnelBin, []string{"-f", "-c", configPath}, nil
	default:
		return "", nil, fmt.Errorf("unknown proxy type %q", rec.ProxyType)
	}
}

// waitForListener polls the instance port until a TCP connect succeeds, the
// process dies, or the timeout expires.
func waitForListener(port int, died <-chan struct{}, timeout time.Duration) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-died:
			return fmt.Errorf("process exited before listening on %s", addr)
		default:
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("not listening on %s after %s", addr, timeout)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
