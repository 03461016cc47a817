package k8s

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
)

// JobWatcher follows a Job to completion, reporting status changes and pod
// log lines through callbacks.
type JobWatcher struct {
	client     *Client
	jobName    string
	onLog      func(line string, isStderr bool)
	onStatus   func(status *JobStatus)
	onComplete func(exitCode int, err error)
}

// WatchConfig holds callbacks for job watching.
type WatchConfig struct {
	OnLog      func(line string, isStderr bool)
	OnStatus   func(status *JobStatus)
	OnComplete func(exitCode int, err error)
}

// NewJobWatcher creates a new watcher for a job.
func NewJobWatcher(client *Client, jobName string, cfg *WatchConfig) *JobWatcher {
	w := &JobWatcher{
		client:  client,
		jobName: jobName,
	}
	if cfg != nil {
		w.onLog = cfg.OnLog
		w.onStatus = cfg.OnStatus
		w.onComplete = cfg.OnComplete
	}
	return w
}

// Watch follows the job until completion or context cancellation.
func (w *JobWatcher) Watch(ctx context.Context) error {
	go w.watchJob(ctx)
	go w.streamLogs(ctx)

	<-ctx.Done()
	return ctx.Err()
}

func (w *JobWatcher) watchJob(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		watcher, err := w.client.clientset.BatchV1().Jobs(w.client.namespace).Watch(ctx, metav1.ListOptions{
			FieldSelector: fmt.Sprintf("metadata.name=%s", w.jobName),
		})
		if err != nil {
			slog.Warn("watch job", slog.String("job", w.jobName), slog.Any("error", err))
			time.Sleep(time.Second)
			continue
		}

		for event := range watcher.ResultChan() {
			select {
			case <-ctx.Done():
				watcher.Stop()
				return
			default:
			}

			if event.Type == watch.Error {
				continue
			}

			job, ok := event.Object.(*batchv1.Job)
			if !ok {
				continue
			}

			status := GetJobStatus(job)
			if w.onStatus != nil {
				w.onStatus(status)
			}

			if status.Phase == "succeeded" || status.Phase == "failed" {
				exitCode := 0
				if status.Phase == "failed" {
					exitCode = 1
				}
				if w.onComplete != nil {
					w.onComplete(exitCode, nil)
				}
				watcher.Stop()
				return
			}
		}
	}
}

func (w *JobWatcher) streamLogs(ctx context.Context) {
	podName, err := w.waitForPod(ctx)
	if err != nil {
		slog.Warn("wait for pod", slog.String("job", w.jobName), slog.Any("error", err))
		return
	}

	if err := w.waitForContainer(ctx, podName); err != nil {
		slog.Warn("wait for container", slog.String("pod", podName), slog.Any("error", err))
		return
	}

	if err := w.followPodLogs(ctx, podName); err != nil {
		slog.Warn("follow logs", slog.String("pod", podName), slog.Any("error", err))
	}
}

func (w *JobWatcher) waitForPod(ctx context.Context) (string, error) {
	labelSelector := fmt.Sprintf("job-name=%s", w.jobName)

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
		}

		pods, err := w.client.ListPods(ctx, labelSelector)
		if err != nil {
			continue
		}
		if len(pods.Items) > 0 {
			return pods.Items[0].Name, nil
		}
	}
}

func (w *JobWatcher) waitForContainer(ctx context.Context, podName string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}

		pod, err := w.client.clientset.CoreV1().Pods(w.client.namespace).Get(ctx, podName, metav1.GetOptions{})
		if err != nil {
			continue
		}

		for _, cs := range pod.Status.ContainerStatuses {
			if cs.Name == containerName {
				if cs.State.Running != nil || cs.State.Terminated != nil {
					return nil
				}
			}
		}

		if pod.Status.Phase == corev1.PodRunning ||
			pod.Status.Phase == corev1.PodSucceeded ||
			pod.Status.Phase == corev1.PodFailed {
			return nil
		}
	}
}

func (w *JobWatcher) followPodLogs(ctx context.Context, podName string) error {
	req := w.client.clientset.CoreV1().Pods(w.client.namespace).GetLogs(podName, &corev1.PodLogOptions{
		Container: containerName,
		Follow:    true,
	})

	stream, err := req.Stream(ctx)
	if err != nil {
		return fmt.Errorf("get log stream: %w", err)
	}
	defer stream.Close()

	reader := bufio.NewReader(stream)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			continue
		}

		if w.onLog != nil {
			w.onLog(line, false)
		}
	}
}
