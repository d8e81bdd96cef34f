// Package python checks the host Python environment a trainer runs in.
// It runs the configured interpreter through a tactile executor and
// verifies that it starts, reports its version, and can import the trainer
// module and its packages.
package python

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"dpsweep/internal/logging"
	"dpsweep/internal/tactile"
)

// ErrNotReady is returned by Probe when any check fails.
var ErrNotReady = errors.New("python environment not ready")

// EnvironmentState tracks the state of an Environment.
type EnvironmentState string

const (
	StateInitializing EnvironmentState = "initializing"
	StateProbing      EnvironmentState = "probing"
	StateReady        EnvironmentState = "ready"
	StateError        EnvironmentState = "error"
)

// versionScript prints major.minor.micro.
const versionScript = "import sys; print('%d.%d.%d' % sys.version_info[:3])"

// findSpecScript exits 0 when the module named by argv[1] is importable
// and 3 when it is not. A missing parent package counts as not importable.
const findSpecScript = `import importlib.util, sys
try:
    found = importlib.util.find_spec(sys.argv[1]) is not None
except ImportError:
    found = False
sys.exit(0 if found else 3)`

// EnvironmentConfig configures the checks.
type EnvironmentConfig struct {
	Python string `json:"python"` // Interpreter to run
	Module string `json:"module"` // Trainer module, checked when set

	// Packages are further top-level imports the trainer needs.
	Packages []string `json:"packages"`

	WorkDir string   `json:"work_dir"` // Where the module is importable from
	Env     []string `json:"env"`      // KEY=VALUE appended to the environment

	// ProbeTimeout bounds each interpreter call.
	ProbeTimeout time.Duration `json:"probe_timeout"`
}

// DefaultConfig returns defaults for the stock classification trainer.
func DefaultConfig() EnvironmentConfig {
	return EnvironmentConfig{
		Python:       "python",
		Packages:     DefaultPackages(),
		ProbeTimeout: 30 * time.Second,
	}
}

// DefaultPackages are the imports the classification trainer depends on.
func DefaultPackages() []string {
	return []string{"torch", "transformers"}
}

// Check is the outcome of one probe.
type Check struct {
	Name     string        `json:"name"`
	OK       bool          `json:"ok"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Environment probes one interpreter.
type Environment struct {
	mu sync.RWMutex

	config   EnvironmentConfig
	executor tactile.Executor

	state     EnvironmentState
	version   string
	checks    []Check
	lastError error
}

// NewEnvironment creates an environment for config, run through executor.
func NewEnvironment(config EnvironmentConfig, executor tactile.Executor) *Environment {
	if config.Python == "" {
		config.Python = "python"
	}
	return &Environment{
		config:   config,
		executor: executor,
		state:    StateInitializing,
	}
}

// State returns the current environment state.
func (e *Environment) State() EnvironmentState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Version returns the interpreter version found by the last Probe.
func (e *Environment) Version() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

// Checks returns the results of the last Probe in the order they ran.
func (e *Environment) Checks() []Check {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Check(nil), e.checks...)
}

// GetError returns the last error.
func (e *Environment) GetError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastError
}

func (e *Environment) setState(state EnvironmentState) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
}

func (e *Environment) setError(err error) {
	e.mu.Lock()
	e.lastError = err
	e.state = StateError
	e.mu.Unlock()
}

// Probe runs every check. The interpreter check comes first; when it
// fails the import checks are skipped. Infrastructure errors from the
// executor are returned as-is. Failed checks yield ErrNotReady.
func (e *Environment) Probe(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryTactile, "python.Probe")
	defer timer.Stop()

	e.setState(StateProbing)
	e.mu.Lock()
	e.checks = nil
	e.version = ""
	e.lastError = nil
	e.mu.Unlock()

	logging.Tactile("Probing Python environment: python=%s module=%s", e.config.Python, e.config.Module)

	interp, err := e.run(ctx, "-c", versionScript)
	if err != nil {
		e.setError(err)
		return err
	}
	check := Check{Name: "interpreter", Duration: interp.Duration}
	switch {
	case interp.Killed:
		check.Detail = "timed out: " + interp.KillReason
	case interp.ExitCode != 0:
		check.Detail = lastLine(interp.Output(), fmt.Sprintf("exit status %d", interp.ExitCode))
	default:
		check.OK = true
		check.Detail = strings.TrimSpace(interp.Stdout)
		e.mu.Lock()
		e.version = check.Detail
		e.mu.Unlock()
	}
	e.addCheck(check)

	if check.OK {
		var imports []string
		if e.config.Module != "" {
			imports = append(imports, e.config.Module)
		}
		imports = append(imports, e.config.Packages...)
		for _, name := range imports {
			if err := e.checkImport(ctx, name); err != nil {
				e.setError(err)
				return err
			}
		}
	}

	var failed []string
	for _, c := range e.Checks() {
		if !c.OK {
			failed = append(failed, c.Name)
		}
	}
	if len(failed) > 0 {
		err := fmt.Errorf("%w: %s failed", ErrNotReady, strings.Join(failed, ", "))
		logging.TactileWarn("Python environment check failed: %v", err)
		e.setError(err)
		return err
	}

	logging.Tactile("Python environment ready: %s %s", e.config.Python, e.Version())
	e.setState(StateReady)
	return nil
}

func (e *Environment) checkImport(ctx context.Context, name string) error {
	result, err := e.run(ctx, "-c", findSpecScript, name)
	if err != nil {
		return err
	}
	check := Check{Name: "import " + name, Duration: result.Duration}
	switch {
	case result.Killed:
		check.Detail = "timed out: " + result.KillReason
	case result.ExitCode == 0:
		check.OK = true
	case result.ExitCode == 3:
		check.Detail = "not importable"
	default:
		check.Detail = lastLine(result.Output(), fmt.Sprintf("exit status %d", result.ExitCode))
	}
	e.addCheck(check)
	return nil
}

func (e *Environment) addCheck(c Check) {
	logging.TactileDebug("Python check %q: ok=%v %s", c.Name, c.OK, c.Detail)
	e.mu.Lock()
	e.checks = append(e.checks, c)
	e.mu.Unlock()
}

// run executes the interpreter. A child that could not start is reported
// as a failed check, not an error.
func (e *Environment) run(ctx context.Context, args ...string) (*tactile.ExecutionResult, error) {
	cmd := tactile.Command{
		Binary:           e.config.Python,
		Arguments:        args,
		WorkingDirectory: e.config.WorkDir,
		Environment:      e.config.Env,
		Tags:             map[string]string{"purpose": "python-probe"},
	}
	if e.config.ProbeTimeout > 0 {
		cmd.Limits = &tactile.ResourceLimits{TimeoutMs: e.config.ProbeTimeout.Milliseconds()}
	}

	result, err := e.executor.Execute(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", e.config.Python, err)
	}
	if result.IsError() {
		return &tactile.ExecutionResult{
			Success:  true,
			ExitCode: -1,
			Stderr:   result.Error,
			Duration: result.Duration,
		}, nil
	}
	return result, nil
}

// lastLine picks the final line of a traceback.
func lastLine(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	lines := strings.Split(s, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
