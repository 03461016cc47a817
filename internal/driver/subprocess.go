package driver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Exit codes reported for abnormal terminations.
const (
	ExitCodeTimeout   = 124
	ExitCodeCancelled = 130
)

// LocalSubprocessDriver executes nodes as local subprocesses. It parses NDJSON
// from stdout for structured events and emits stderr lines as error logs.
type LocalSubprocessDriver struct {
	emitter        EventEmitter
	envPassthrough map[string]string
	cwd            string

	mu    sync.Mutex
	procs map[string]map[string]*runningProc // runID -> nodeID -> process
}

type runningProc struct {
	cancel   context.CancelFunc
	exitCode *int
}

// SubprocessConfig holds configuration for the subprocess driver.
type SubprocessConfig struct {
	// EnvPassthrough contains environment variables to pass to all subprocesses
	EnvPassthrough map[string]string

	// CWD is the working directory for subprocesses (empty = inherit)
	CWD string
}

// NewLocalSubprocessDriver creates a new subprocess driver.
func NewLocalSubprocessDriver(emitter EventEmitter, cfg *SubprocessConfig) *LocalSubprocessDriver {
	if cfg == nil {
		cfg = &SubprocessConfig{}
	}
	return &LocalSubprocessDriver{
		emitter:        emitter,
		envPassthrough: cfg.EnvPassthrough,
		cwd:            cfg.CWD,
		procs:          make(map[string]map[string]*runningProc),
	}
}

// RunNode executes the command as a subprocess and returns the exit code.
func (d *LocalSubprocessDriver) RunNode(ctx context.Context, runID, nodeID string, cmd []string, env map[string]string, timeout float64) (int, error) {
	if len(cmd) == 0 {
		return 1, fmt.Errorf("empty command")
	}

	mergedEnv := os.Environ()
	for k, v := range d.envPassthrough {
		mergedEnv = append(mergedEnv, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range env {
		mergedEnv = append(mergedEnv, fmt.Sprintf("%s=%s", k, v))
	}
	mergedEnv = append(mergedEnv,
		fmt.Sprintf("RUN_ID=%s", runID),
		fmt.Sprintf("NODE_ID=%s", nodeID),
	)

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(execCtx, time.Duration(timeout*float64(time.Second)))
		defer cancel()
	}

	c := exec.CommandContext(execCtx, cmd[0], cmd[1:]...)
	c.Env = mergedEnv
	if d.cwd != "" {
		c.Dir = d.cwd
	}

	stdout, err := c.StdoutPipe()
	if err != nil {
		return 1, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return 1, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := c.Start(); err != nil {
		return 1, fmt.Errorf("start: %w", err)
	}

	d.track(runID, nodeID, cancel)
	defer d.untrack(runID, nodeID)

	var wg sync.WaitGroup
	wg.Add(2)

	// Stdout carries NDJSON
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		buf := make([]byte, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			d.processStdoutLine(ctx, runID, nodeID, line)
		}
	}()

	// Stderr lines become error logs
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		buf := make([]byte, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			d.emitEvent(ctx, runID, "log", map[string]interface{}{
				"message": line,
				"level":   "error",
				"runId":   runID,
				"nodeId":  nodeID,
			}, nodeID, "error")
		}
	}()

	wg.Wait()

	err = c.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
		switch execCtx.Err() {
		case context.DeadlineExceeded:
			exitCode = ExitCodeTimeout
			d.emitEvent(ctx, runID, "log", map[string]interface{}{
				"message": fmt.Sprintf("node %s timed out after %.1fs", nodeID, timeout),
				"level":   "error",
				"runId":   runID,
				"nodeId":  nodeID,
			}, nodeID, "error")
		case context.Canceled:
			exitCode = ExitCodeCancelled
		}
	}

	d.recordExit(runID, nodeID, exitCode)
	return exitCode, nil
}

// GetNodeStatus reports the runtime state of a tracked node.
func (d *LocalSubprocessDriver) GetNodeStatus(ctx context.Context, runID, nodeID string) (*NodeRuntime, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	proc, ok := d.procs[runID][nodeID]
	if !ok {
		return &NodeRuntime{}, nil
	}
	return &NodeRuntime{
		Running:  proc.exitCode == nil,
		ExitCode: proc.exitCode,
	}, nil
}

// CancelNode stops a running subprocess. No-op if the node is not running.
func (d *LocalSubprocessDriver) CancelNode(ctx context.Context, runID, nodeID string) error {
	d.mu.Lock()
	proc, ok := d.procs[runID][nodeID]
	d.mu.Unlock()

	if ok && proc.exitCode == nil {
		proc.cancel()
	}
	return nil
}

// CleanupRun stops any still-running subprocesses for a run and drops its
// tracking state.
func (d *LocalSubprocessDriver) CleanupRun(ctx context.Context, runID string) error {
	d.mu.Lock()
	nodes := d.procs[runID]
	delete(d.procs, runID)
	d.mu.Unlock()

	for nodeID, proc := range nodes {
		if proc.exitCode == nil {
			slog.Warn("killing leftover subprocess",
				slog.String("run_id", runID),
				slog.String("node_id", nodeID))
			proc.cancel()
		}
	}
	return nil
}

func (d *LocalSubprocessDriver) track(runID, nodeID string, cancel context.CancelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.procs[runID] == nil {
		d.procs[runID] = make(map[string]*runningProc)
	}
	d.procs[runID][nodeID] = &runningProc{cancel: cancel}
}

func (d *LocalSubprocessDriver) recordExit(runID, nodeID string, exitCode int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if proc, ok := d.procs[runID][nodeID]; ok {
		code := exitCode
		proc.exitCode = &code
	}
}

func (d *LocalSubprocessDriver) untrack(runID, nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.procs[runID], nodeID)
}

// processStdoutLine parses NDJSON and emits structured events. Lines with
// type "outputs" (or an "outputs" object on a checkpoint) also record node
// outputs for downstream expressions. Non-JSON lines become info logs.
func (d *LocalSubprocessDriver) processStdoutLine(ctx context.Context, runID, nodeID, line string) {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		d.emitEvent(ctx, runID, "log", map[string]interface{}{
			"message": line,
			"level":   "info",
			"runId":   runID,
			"nodeId":  nodeID,
		}, nodeID, "info")
		return
	}

	eventType := "log"
	if t, ok := obj["type"].(string); ok && t != "" {
		eventType = t
	}

	level := ""
	if l, ok := obj["level"].(string); ok {
		level = l
	}

	if outputs, ok := obj["outputs"].(map[string]interface{}); ok {
		if err := d.emitter.EmitOutputs(ctx, runID, nodeID, outputs); err != nil {
			slog.Error("record outputs",
				slog.String("run_id", runID),
				slog.String("node_id", nodeID),
				slog.Any("error", err))
		}
		if eventType == "outputs" {
			return
		}
	}

	if _, ok := obj["runId"]; !ok {
		obj["runId"] = runID
	}
	if _, ok := obj["nodeId"]; !ok {
		obj["nodeId"] = nodeID
	}

	d.emitEvent(ctx, runID, eventType, obj, nodeID, level)
}

func (d *LocalSubprocessDriver) emitEvent(ctx context.Context, runID, eventType string, data map[string]interface{}, nodeID, level string) {
	if d.emitter == nil {
		return
	}
	if err := d.emitter.EmitEvent(ctx, runID, eventType, data, nodeID, level); err != nil {
		slog.Error("emit event",
			slog.String("run_id", runID),
			slog.String("event_type", eventType),
			slog.Any("error", err))
	}
}

var _ Driver = (*LocalSubprocessDriver)(nil)
