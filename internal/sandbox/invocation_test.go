package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codebridge-mcp-server/internal/catalog"
	"codebridge-mcp-server/internal/config"
	"codebridge-mcp-server/internal/runtime"
)

func okRunner(_ context.Context, _ string, _ ...string) ([]byte, error) {
	return []byte("27.0.0"), nil
}

func testExecutor(t *testing.T, pool *fakePool, script string) *Executor {
	t.Helper()
	cfg := config.DefaultConfig().Sandbox
	cfg.DefaultTimeout = 5
	cfg.MaxTimeout = 10

	stateDir := t.TempDir()
	selector := runtime.NewSelectorWithRunner("docker", time.Minute, okRunner)
	e := NewExecutor(cfg, selector, pool, catalog.NewDiscovery(pool), stateDir)
	if script != "" {
		e.command = func(name string, args ...string) *exec.Cmd {
			return exec.Command("sh", "-c", script)
		}
	}
	return e
}

func TestRunRejectsEmptyCode(t *testing.T) {
	e := testExecutor(t, newFakePool(), "")
	_, err := e.Run(context.Background(), Request{Code: "   "})
	if err == nil || !strings.Contains(err.Error(), CodeInvalidRequest) {
		t.Fatalf("err = %v, want invalid_request", err)
	}
	var invalid *InvalidRequestError
	if !errors.As(err, &invalid) {
		t.Fatalf("err type = %T", err)
	}
}

func TestRunRejectsBadTimeout(t *testing.T) {
	e := testExecutor(t, newFakePool(), "")
	for _, timeout := range []int{0, -1, 11} {
		tv := timeout
		_, err := e.Run(context.Background(), Request{Code: "print(1)", Timeout: &tv})
		if err == nil || !strings.Contains(err.Error(), CodeInvalidRequest) {
			t.Errorf("timeout %d: err = %v, want invalid_request", timeout, err)
		}
	}
}

func TestRunHelloWorld(t *testing.T) {
	script := `printf '%s\n' '{"kind":"stdout","data":"2\n"}'; echo '{"kind":"done","status":"ok"}'`
	e := testExecutor(t, newFakePool(), script)

	result, err := e.Run(context.Background(), Request{Code: "print(1+1)"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != "ok" {
		t.Errorf("Status = %q (error %q)", result.Status, result.Error)
	}
	if result.Stdout != "2\n" {
		t.Errorf("Stdout = %q", result.Stdout)
	}
	if result.Stderr != "" {
		t.Errorf("Stderr = %q", result.Stderr)
	}
}

func TestRunDedupesServers(t *testing.T) {
	script := `echo '{"kind":"done","status":"ok"}'`
	e := testExecutor(t, newFakePool(), script)

	result, err := e.Run(context.Background(), Request{
		Code:    "pass",
		Servers: []string{"stub", "ghost", "stub", "ghost"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Servers) != 2 || result.Servers[0] != "stub" || result.Servers[1] != "ghost" {
		t.Errorf("Servers = %v, want [stub ghost]", result.Servers)
	}
}

func TestRunRoundTripsARequestFrame(t *testing.T) {
	script := `echo '{"kind":"request","id":1,"method":"capability_summary","params":{}}'
read reply
echo '{"kind":"stderr","data":"reply received"}'
echo '{"kind":"done","status":"ok"}'`
	e := testExecutor(t, newFakePool(), script)

	result, err := e.Run(context.Background(), Request{Code: "pass"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != "ok" {
		t.Fatalf("Status = %q (error %q, stderr %q)", result.Status, result.Error, result.Stderr)
	}
	if !strings.Contains(result.Stderr, "reply received") {
		t.Errorf("Stderr = %q, want the response round-trip marker", result.Stderr)
	}
}

func TestRunTimeout(t *testing.T) {
	e := testExecutor(t, newFakePool(), "exec sleep 30")
	timeout := 1

	start := time.Now()
	result, err := e.Run(context.Background(), Request{Code: "import time; time.sleep(10)", Timeout: &timeout})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != "timeout" {
		t.Errorf("Status = %q", result.Status)
	}
	if result.Error != CodeSandboxTimeout {
		t.Errorf("Error = %q", result.Error)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("run took %v, want <= timeout + grace", elapsed)
	}
}

func TestRunSandboxCrash(t *testing.T) {
	// Exit without a done frame.
	e := testExecutor(t, newFakePool(), `echo '{"kind":"stdout","data":"partial"}'; exit 3`)

	result, err := e.Run(context.Background(), Request{Code: "pass"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != "error" {
		t.Errorf("Status = %q", result.Status)
	}
	if !strings.Contains(result.Error, CodeSandboxCrash) {
		t.Errorf("Error = %q, want sandbox_crash", result.Error)
	}
	if result.Stdout != "partial" {
		t.Errorf("Stdout = %q", result.Stdout)
	}
}

func TestRunProtocolError(t *testing.T) {
	e := testExecutor(t, newFakePool(), `echo 'this is not a frame'; sleep 5`)

	result, err := e.Run(context.Background(), Request{Code: "pass"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != "error" {
		t.Errorf("Status = %q", result.Status)
	}
	if !strings.Contains(result.Error, CodeProtocolError) {
		t.Errorf("Error = %q, want protocol_error", result.Error)
	}
}

func TestRunDoneError(t *testing.T) {
	script := `echo '{"kind":"stderr","data":"Traceback..."}'
echo '{"kind":"done","status":"error","error":"BridgeError: unknown_server: ghost"}'`
	e := testExecutor(t, newFakePool(), script)

	result, err := e.Run(context.Background(), Request{Code: "await mcp_ghost.x()", Servers: []string{"ghost"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != "error" {
		t.Errorf("Status = %q", result.Status)
	}
	if !strings.Contains(result.Error, "unknown_server") {
		t.Errorf("Error = %q", result.Error)
	}
	if !strings.Contains(result.Stderr, "Traceback") {
		t.Errorf("Stderr = %q", result.Stderr)
	}
}

func TestRunRemovesIPCDirectory(t *testing.T) {
	pool := newFakePool()
	cfg := config.DefaultConfig().Sandbox
	stateDir := t.TempDir()
	selector := runtime.NewSelectorWithRunner("docker", time.Minute, okRunner)
	e := NewExecutor(cfg, selector, pool, catalog.NewDiscovery(pool), stateDir)
	e.command = func(name string, args ...string) *exec.Cmd {
		return exec.Command("sh", "-c", `echo '{"kind":"done","status":"ok"}'`)
	}

	if _, err := e.Run(context.Background(), Request{Code: "pass"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries, err := os.ReadDir(stateDir)
	if err != nil {
		t.Fatalf("read state dir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "inv-") {
			t.Errorf("leftover IPC directory %s", filepath.Join(stateDir, entry.Name()))
		}
	}
}

func TestContainerArgsPolicy(t *testing.T) {
	cfg := config.DefaultConfig().Sandbox
	cfg.CPUs = "1.5"
	cfg.PassEnv = []string{"SAFE_VAR"}
	t.Setenv("SAFE_VAR", "yes")
	t.Setenv("SECRET_VAR", "no")

	e := &Executor{cfg: cfg}
	args := e.containerArgs("inv-test", "/state/inv-test", `{"servers":[]}`)
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"--network none",
		"--read-only",
		"--cap-drop ALL",
		"--security-opt no-new-privileges",
		"--user 65534:65534",
		"--memory 512m",
		"--pids-limit 128",
		"--cpus 1.5",
		"--tmpfs /tmp:rw,noexec,nosuid,size=64m",
		"--volume /state/inv-test:/ipc",
		"--env " + CatalogEnvName + `={"servers":[]}`,
		"--env SAFE_VAR=yes",
		"python -u /ipc/" + EntrypointFileName,
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q\nargs: %s", want, joined)
		}
	}
	if strings.Contains(joined, "SECRET_VAR") {
		t.Error("undeclared environment variable leaked into the sandbox")
	}
	if args[len(args)-4] != cfg.Image {
		t.Errorf("image not in final position before the entrypoint: %v", args[len(args)-6:])
	}
}

func TestDedupe(t *testing.T) {
	got := dedupe([]string{"a", "b", "a", "", "c", "b"})
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("dedupe = %v", got)
	}
}
