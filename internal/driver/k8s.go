package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flexinfer/flowrun/internal/k8s"
	"github.com/flexinfer/flowrun/pkg/types"
)

// K8sDriver executes nodes as Kubernetes Jobs.
type K8sDriver struct {
	client     *k8s.Client
	jobBuilder *k8s.JobBuilder
	emitter    EventEmitter
	logger     *slog.Logger

	mu   sync.Mutex
	jobs map[string]map[string]*trackedJob // runID -> nodeID -> job
}

type trackedJob struct {
	name     string
	cancel   context.CancelFunc
	exitCode *int
}

// K8sDriverConfig holds configuration for the K8s driver.
type K8sDriverConfig struct {
	K8sConfig *k8s.Config
	JobConfig *k8s.JobConfig
}

// NewK8sDriver creates a new K8s driver.
func NewK8sDriver(emitter EventEmitter, cfg *K8sDriverConfig, logger *slog.Logger) (*K8sDriver, error) {
	if cfg == nil {
		cfg = &K8sDriverConfig{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := k8s.NewClient(cfg.K8sConfig)
	if err != nil {
		return nil, fmt.Errorf("create k8s client: %w", err)
	}

	jobCfg := cfg.JobConfig
	if jobCfg == nil {
		jobCfg = k8s.DefaultJobConfig()
	}
	jobCfg.Namespace = client.Namespace()

	return &K8sDriver{
		client:     client,
		jobBuilder: k8s.NewJobBuilder(jobCfg),
		emitter:    emitter,
		logger:     logger,
		jobs:       make(map[string]map[string]*trackedJob),
	}, nil
}

// RunNode creates a K8s Job and follows it to completion.
func (d *K8sDriver) RunNode(ctx context.Context, runID, nodeID string, cmd []string, env map[string]string, timeout float64) (int, error) {
	nodeSpec := &types.NodeSpec{
		ID:      nodeID,
		Command: cmd,
		Env:     env,
	}
	if img, ok := env["NODE_IMAGE"]; ok {
		nodeSpec.Image = img
	}
	if nodeSpec.Image == "" {
		return 1, fmt.Errorf("node %s has no image", nodeID)
	}
	if timeout > 0 {
		nodeSpec.Timeout = time.Duration(timeout * float64(time.Second))
	}

	job, err := d.jobBuilder.BuildJob(runID, nodeID, nodeSpec)
	if err != nil {
		return 1, fmt.Errorf("build job: %w", err)
	}

	createdJob, err := d.client.CreateJob(ctx, job)
	if err != nil {
		return 1, fmt.Errorf("create job: %w", err)
	}

	jobName := createdJob.Name
	d.logger.Info("created k8s job",
		slog.String("job", jobName),
		slog.String("run_id", runID),
		slog.String("node_id", nodeID))

	watchCtx, watchCancel := context.WithCancel(ctx)
	defer watchCancel()

	d.trackJob(runID, nodeID, jobName, watchCancel)
	defer d.untrackJob(runID, nodeID)

	exitCode := 0
	exitErr := error(nil)
	done := make(chan struct{})

	watcher := k8s.NewJobWatcher(d.client, jobName, &k8s.WatchConfig{
		OnLog: func(line string, isStderr bool) {
			d.processLogLine(ctx, runID, nodeID, line, isStderr)
		},
		OnStatus: func(status *k8s.JobStatus) {
			d.logger.Debug("job status",
				slog.String("job", jobName),
				slog.String("phase", status.Phase))
		},
		OnComplete: func(code int, err error) {
			exitCode = code
			exitErr = err
			close(done)
			watchCancel()
		},
	})

	go watcher.Watch(watchCtx)

	select {
	case <-done:
	case <-ctx.Done():
		if err := d.client.DeleteJob(context.Background(), jobName); err != nil {
			d.logger.Warn("delete job", slog.String("job", jobName), slog.Any("error", err))
		}
		d.recordJobExit(runID, nodeID, ExitCodeCancelled)
		return ExitCodeCancelled, nil
	}

	d.recordJobExit(runID, nodeID, exitCode)
	if exitErr != nil {
		return exitCode, exitErr
	}
	return exitCode, nil
}

// GetNodeStatus reports the runtime state of a tracked node.
func (d *K8sDriver) GetNodeStatus(ctx context.Context, runID, nodeID string) (*NodeRuntime, error) {
	d.mu.Lock()
	job, ok := d.jobs[runID][nodeID]
	d.mu.Unlock()

	if !ok {
		return &NodeRuntime{}, nil
	}
	if job.exitCode != nil {
		return &NodeRuntime{ExitCode: job.exitCode}, nil
	}

	obj, err := d.client.GetJob(ctx, job.name)
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", job.name, err)
	}
	status := k8s.GetJobStatus(obj)
	return &NodeRuntime{Running: status.Phase == "running" || status.Phase == "pending"}, nil
}

// CancelNode deletes the node's Job if it is still running.
func (d *K8sDriver) CancelNode(ctx context.Context, runID, nodeID string) error {
	d.mu.Lock()
	job, ok := d.jobs[runID][nodeID]
	d.mu.Unlock()

	if !ok || job.exitCode != nil {
		return nil
	}
	job.cancel()
	return nil
}

// CleanupRun deletes any Jobs still tracked for the run.
func (d *K8sDriver) CleanupRun(ctx context.Context, runID string) error {
	d.mu.Lock()
	nodes := d.jobs[runID]
	delete(d.jobs, runID)
	d.mu.Unlock()

	for nodeID, job := range nodes {
		if job.exitCode != nil {
			continue
		}
		job.cancel()
		if err := d.client.DeleteJob(ctx, job.name); err != nil {
			d.logger.Warn("delete leftover job",
				slog.String("run_id", runID),
				slog.String("node_id", nodeID),
				slog.String("job", job.name),
				slog.Any("error", err))
		}
	}
	return nil
}

func (d *K8sDriver) trackJob(runID, nodeID, jobName string, cancel context.CancelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.jobs[runID] == nil {
		d.jobs[runID] = make(map[string]*trackedJob)
	}
	d.jobs[runID][nodeID] = &trackedJob{name: jobName, cancel: cancel}
}

func (d *K8sDriver) recordJobExit(runID, nodeID string, exitCode int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if job, ok := d.jobs[runID][nodeID]; ok {
		code := exitCode
		job.exitCode = &code
	}
}

func (d *K8sDriver) untrackJob(runID, nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.jobs[runID], nodeID)
}

// processLogLine handles a log line from the pod, parsing NDJSON the same way
// the subprocess driver does.
func (d *K8sDriver) processLogLine(ctx context.Context, runID, nodeID, line string, isStderr bool) {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(line), &obj); err != nil {
		level := "info"
		if isStderr {
			level = "error"
		}
		d.emitEvent(ctx, runID, "log", map[string]interface{}{
			"message": line,
			"level":   level,
			"runId":   runID,
			"nodeId":  nodeID,
		}, nodeID, level)
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
			d.logger.Error("record outputs",
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

func (d *K8sDriver) emitEvent(ctx context.Context, runID, eventType string, data map[string]interface{}, nodeID, level string) {
	if d.emitter == nil {
		return
	}
	if err := d.emitter.EmitEvent(ctx, runID, eventType, data, nodeID, level); err != nil {
		d.logger.Error("emit event",
			slog.String("run_id", runID),
			slog.String("event_type", eventType),
			slog.Any("error", err))
	}
}

// HealthCheck verifies K8s connectivity.
func (d *K8sDriver) HealthCheck(ctx context.Context) error {
	return d.client.HealthCheck(ctx)
}

var _ Driver = (*K8sDriver)(nil)
