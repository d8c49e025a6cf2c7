// Package runtime resolves which container runtime launches sandboxes and
// keeps the Podman machine warm on hosts that need one.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	goruntime "runtime"
	"strings"
	"sync"
	"time"
)

// ErrUnavailable means no container runtime answered a version probe.
var ErrUnavailable = errors.New("runtime_unavailable")

// probeTimeout bounds a single version query.
const probeTimeout = 5 * time.Second

// Runner executes a runtime CLI command and returns its combined output.
// The default shells out; tests substitute a fake.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Selector resolves the container binary once and refcounts invocations so
// an idle Podman machine can be shut down after the configured interval.
type Selector struct {
	override    string // explicit runtime from config; empty means probe
	idleTimeout time.Duration
	run         Runner

	// needsMachine reports whether the resolved runtime requires a VM on
	// this host. Defaults to podman-on-non-Linux.
	needsMachine func(binary string) bool

	mu             sync.Mutex
	binary         string
	probed         bool
	active         int
	machineRunning bool
	idleTimer      *time.Timer
}

// NewSelector creates a selector. override may be "podman", "docker", or
// empty for auto-probing.
func NewSelector(override string, idleTimeout time.Duration) *Selector {
	return NewSelectorWithRunner(override, idleTimeout, execRunner)
}

// NewSelectorWithRunner substitutes the command runner, for tests that must
// not shell out.
func NewSelectorWithRunner(override string, idleTimeout time.Duration, run Runner) *Selector {
	s := &Selector{
		override:    override,
		idleTimeout: idleTimeout,
		run:         run,
	}
	s.needsMachine = func(binary string) bool {
		return binary == "podman" && goruntime.GOOS != "linux"
	}
	return s
}

// Binary resolves the runtime: the explicit override if set, otherwise the
// first of podman, docker that answers a version query. Each probe gets one
// retry. The result is cached; a definitive miss is cached too.
func (s *Selector) Binary(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binaryLocked(ctx)
}

func (s *Selector) binaryLocked(ctx context.Context) (string, error) {
	if s.probed {
		if s.binary == "" {
			return "", ErrUnavailable
		}
		return s.binary, nil
	}

	candidates := []string{"podman", "docker"}
	if s.override != "" {
		candidates = []string{s.override}
	}

	for _, candidate := range candidates {
		if s.probe(ctx, candidate) {
			s.binary = candidate
			s.probed = true
			log.Printf("[Runtime] using %s", candidate)
			return candidate, nil
		}
	}

	s.probed = true
	return "", fmt.Errorf("runtime: no container runtime found (tried %s): %w",
		strings.Join(candidates, ", "), ErrUnavailable)
}

// probe runs `<bin> version` with one retry on failure.
func (s *Selector) probe(ctx context.Context, binary string) bool {
	for attempt := 0; attempt < 2; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		_, err := s.run(probeCtx, binary, "version", "--format", "{{.Client.Version}}")
		cancel()
		if err == nil {
			return true
		}
		if attempt == 0 {
			log.Printf("[Runtime] %s version probe failed, retrying: %v", binary, err)
		}
	}
	return false
}

// Acquire resolves the runtime, makes sure any required VM is up, and
// registers one outstanding invocation. Every successful Acquire must be
// paired with a Release.
func (s *Selector) Acquire(ctx context.Context, stateDir string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	binary, err := s.binaryLocked(ctx)
	if err != nil {
		return "", err
	}

	if s.needsMachine(binary) && !s.machineRunning {
		if err := s.startMachine(ctx, binary, stateDir); err != nil {
			return "", err
		}
		s.machineRunning = true
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.active++
	return binary, nil
}

// Release drops one outstanding invocation. When the count reaches zero on
// a machine-backed host, the idle shutdown timer starts.
func (s *Selector) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active > 0 {
		s.active--
	}
	if s.active == 0 && s.machineRunning {
		s.idleTimer = time.AfterFunc(s.idleTimeout, s.idleStop)
	}
}

// startMachine boots the Podman machine and checks that the host state
// directory is shared into the VM so IPC bind mounts work.
func (s *Selector) startMachine(ctx context.Context, binary, stateDir string) error {
	log.Printf("[Runtime] starting %s machine", binary)
	if out, err := s.run(ctx, binary, "machine", "start"); err != nil {
		// An already-running machine is fine; podman reports it as an error.
		if !strings.Contains(string(out), "already running") {
			return fmt.Errorf("runtime: start %s machine: %v: %s", binary, err, strings.TrimSpace(string(out)))
		}
	}
	if stateDir != "" {
		out, err := s.run(ctx, binary, "machine", "inspect", "--format", "{{.Mounts}}")
		if err == nil && !strings.Contains(string(out), stateDir) && !strings.Contains(string(out), "/Users") && !strings.Contains(string(out), "/home") {
			log.Printf("[Runtime] WARNING: state dir %s does not appear to be shared into the %s machine", stateDir, binary)
		}
	}
	return nil
}

// idleStop fires after the idle interval with no outstanding invocations.
func (s *Selector) idleStop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active > 0 || !s.machineRunning {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	log.Printf("[Runtime] stopping idle %s machine", s.binary)
	if out, err := s.run(ctx, s.binary, "machine", "stop"); err != nil {
		log.Printf("[Runtime] stop machine: %v: %s", err, strings.TrimSpace(string(out)))
		return
	}
	s.machineRunning = false
}

// Shutdown cancels any pending idle timer and stops a running machine.
// Called once at bridge exit.
func (s *Selector) Shutdown() {
	s.mu.Lock()
	timer := s.idleTimer
	s.idleTimer = nil
	machine := s.machineRunning
	binary := s.binary
	s.machineRunning = false
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if machine {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if out, err := s.run(ctx, binary, "machine", "stop"); err != nil {
			log.Printf("[Runtime] stop machine on shutdown: %v: %s", err, strings.TrimSpace(string(out)))
		}
	}
}
