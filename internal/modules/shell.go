package modules

import (
	"bytes"
	"os/exec"
	"time"

	"github.com/dop251/goja"

	"macotron/internal/logging"
	"macotron/internal/script"
)

// ShellModule exposes shell.run(command) to scripts. Execution is
// synchronous on the script thread, matching the single-logical-thread
// model: a long-running command stalls the runtime, and the interrupt flag
// is the escape hatch.
type ShellModule struct {
	shell   string
	timeout time.Duration
}

// NewShellModule returns the shell module with default options.
func NewShellModule() *ShellModule {
	return &ShellModule{shell: "/bin/sh", timeout: 30 * time.Second}
}

func (m *ShellModule) Name() string       { return "shell" }
func (m *ShellModule) ModuleVersion() int { return 1 }

func (m *ShellModule) DefaultOptions() map[string]interface{} {
	return map[string]interface{}{
		"shell":      "/bin/sh",
		"timeout_ms": 30000,
	}
}

func (m *ShellModule) Register(rt *script.Runtime, options map[string]interface{}) error {
	if sh, ok := options["shell"].(string); ok && sh != "" {
		m.shell = sh
	}
	if ms, ok := options["timeout_ms"].(int); ok && ms > 0 {
		m.timeout = time.Duration(ms) * time.Millisecond
	}

	return rt.BindNamespace("shell", map[string]func(goja.FunctionCall) goja.Value{
		"run": func(call goja.FunctionCall) goja.Value {
			command := call.Argument(0).String()
			logging.Runtime("shell.run: %s", command)

			cmd := exec.Command(m.shell, "-c", command)
			var stdout, stderr bytes.Buffer
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr

			if err := cmd.Start(); err != nil {
				rt.Throw("shell.run: %v", err)
			}
			done := make(chan error, 1)
			go func() { done <- cmd.Wait() }()

			var runErr error
			select {
			case runErr = <-done:
			case <-time.After(m.timeout):
				_ = cmd.Process.Kill()
				<-done
				rt.Throw("shell.run: command timed out after %s", m.timeout)
			}

			result := rt.VM().NewObject()
			_ = result.Set("stdout", stdout.String())
			_ = result.Set("stderr", stderr.String())
			code := 0
			if exitErr, ok := runErr.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else if runErr != nil {
				rt.Throw("shell.run: %v", runErr)
			}
			_ = result.Set("code", code)
			return result
		},
	})
}

// Cleanup is a no-op: commands are not tracked across calls.
func (m *ShellModule) Cleanup() error { return nil }
