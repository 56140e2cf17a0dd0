/**
 * OpenSCAD invoker
 *
 * Runs the external CAD engine exactly once per call under a hard timeout.
 * The script goes to a scoped temp file that is removed on every exit path.
 * Retries are the caller's business.
 */

package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/duet/stl-worker/internal/errors"
	"github.com/duet/stl-worker/internal/logging"
)

const (
	defaultBinary       = "openscad"
	defaultTimeout      = 120 * time.Second
	defaultExportFormat = "binstl"

	// maxDiagnostics keeps the tail of engine output attached to errors.
	maxDiagnostics = 16 * 1024
)

// InvokerConfig holds invoker configuration
type InvokerConfig struct {
	BinaryPath   string
	Timeout      time.Duration
	ExportFormat string // "binstl", "asciistl", or "" for the engine default
	HardWarnings bool   // fail on the first engine warning
	Runner       Runner
	Logger       *logging.Logger
}

// RenderRequest is one script to render.
type RenderRequest struct {
	Stage      string // label used in logs and errors
	Script     string
	OutputPath string
	WorkDir    string // where the temp script lives; "" means os.TempDir()
}

// RenderResult describes a successful render.
type RenderResult struct {
	OutputPath string
	OutputSize int64
	Duration   time.Duration
	Stdout     string
	Stderr     string
}

// Invoker renders OpenSCAD scripts to mesh files.
type Invoker struct {
	binary       string
	timeout      time.Duration
	exportFormat string
	hardWarnings bool
	runner       Runner
	logger       *logging.Logger
}

// NewInvoker creates a new invoker
func NewInvoker(cfg *InvokerConfig) (*Invoker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout must not be negative, got %v", cfg.Timeout)
	}

	inv := &Invoker{
		binary:       cfg.BinaryPath,
		timeout:      cfg.Timeout,
		exportFormat: cfg.ExportFormat,
		hardWarnings: cfg.HardWarnings,
		runner:       cfg.Runner,
		logger:       cfg.Logger,
	}
	if inv.binary == "" {
		inv.binary = defaultBinary
	}
	if inv.timeout == 0 {
		inv.timeout = defaultTimeout
	}
	if inv.runner == nil {
		inv.runner = ExecRunner{}
	}
	if inv.logger == nil {
		inv.logger = logging.Discard()
	}
	return inv, nil
}

// DefaultExportFormat is the binary STL exporter name.
func DefaultExportFormat() string { return defaultExportFormat }

// Timeout returns the per-invocation deadline.
func (inv *Invoker) Timeout() time.Duration { return inv.timeout }

// Render writes the script, runs the engine once and checks the output.
func (inv *Invoker) Render(ctx context.Context, req RenderRequest) (*RenderResult, error) {
	if req.OutputPath == "" {
		return nil, fmt.Errorf("output path is required")
	}
	start := time.Now()

	scriptPath, err := writeScript(req.WorkDir, req.Script)
	if err != nil {
		return nil, errors.NewEngineInvocationError(req.Stage, -1, false, "", "", err)
	}
	defer os.Remove(scriptPath)

	runCtx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	inv.logger.Debug("running CAD engine", "stage", req.Stage, "script", scriptPath, "output", req.OutputPath)
	out, runErr := inv.runner.Run(runCtx, Command{
		Path: inv.binary,
		Args: inv.args(scriptPath, req.OutputPath),
		Dir:  req.WorkDir,
	})
	duration := time.Since(start)

	var stdout, stderr string
	exitCode := -1
	if out != nil {
		stdout, stderr, exitCode = tail(out.Stdout), tail(out.Stderr), out.ExitCode
	}
	timedOut := stderrors.Is(runCtx.Err(), context.DeadlineExceeded)

	if timedOut || runErr != nil || exitCode != 0 {
		inv.logger.Error("CAD engine failed", "stage", req.Stage, "exit_code", exitCode,
			"timed_out", timedOut, "duration", duration, "stderr", firstLine(stderr))
		if runErr == nil && timedOut {
			runErr = runCtx.Err()
		}
		return nil, errors.NewEngineInvocationError(req.Stage, exitCode, timedOut, stdout, stderr, runErr)
	}

	info, statErr := os.Stat(req.OutputPath)
	if statErr != nil || info.IsDir() || info.Size() == 0 {
		inv.logger.Error("CAD engine produced no output", "stage", req.Stage, "output", req.OutputPath)
		return nil, errors.NewEngineOutputMissingError(req.Stage, req.OutputPath, stdout, stderr)
	}

	inv.logger.Info("CAD engine finished", "stage", req.Stage, "bytes", info.Size(), "duration", duration)
	return &RenderResult{
		OutputPath: req.OutputPath,
		OutputSize: info.Size(),
		Duration:   duration,
		Stdout:     stdout,
		Stderr:     stderr,
	}, nil
}

// Version asks the engine for its version string. OpenSCAD prints it on
// stderr.
func (inv *Invoker) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := inv.runner.Run(ctx, Command{Path: inv.binary, Args: []string{"--version"}})
	if err != nil {
		return "", fmt.Errorf("failed to run %s --version: %w", inv.binary, err)
	}
	v := strings.TrimSpace(out.Stderr)
	if v == "" {
		v = strings.TrimSpace(out.Stdout)
	}
	return v, nil
}

func (inv *Invoker) args(scriptPath, outputPath string) []string {
	args := []string{"-o", outputPath}
	if inv.exportFormat != "" {
		args = append(args, "--export-format", inv.exportFormat)
	}
	if inv.hardWarnings {
		args = append(args, "--hardwarnings")
	}
	return append(args, scriptPath)
}

func writeScript(dir, script string) (path string, err error) {
	f, err := os.CreateTemp(dir, "stage-*.scad")
	if err != nil {
		return "", fmt.Errorf("failed to create script file: %w", err)
	}
	path = f.Name()
	defer func() {
		if err != nil {
			os.Remove(path)
		}
	}()

	if _, err = f.WriteString(script); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write script file: %w", err)
	}
	if err = f.Close(); err != nil {
		return "", fmt.Errorf("failed to close script file: %w", err)
	}
	return path, nil
}

func tail(s string) string {
	if len(s) <= maxDiagnostics {
		return s
	}
	return "..." + s[len(s)-maxDiagnostics:]
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
