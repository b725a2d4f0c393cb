// Package sandbox executes untrusted user code against a challenge's test
// harness inside an isolated container and returns a normalized report.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Programming-Simplified-Community/codejam-bot/pkg/config"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/container"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/report"
	"github.com/Programming-Simplified-Community/codejam-bot/pkg/stats"
)

// Run describes one sandbox execution.
type Run struct {
	RunID       string
	UserID      string
	ChallengeID string
	Language    string
	Code        string
	Test        config.ChallengeConfig
}

// Executor runs one submission inside an isolated container.
//
// Execute returns (nil, nil) when the run could not produce a usable
// result: image pull failure, container start failure, stream failure, or
// report parse failure. All of these are logged, never propagated, and the
// workspace is cleaned up on every path.
type Executor interface {
	Start(ctx context.Context) error
	Stop() error

	Execute(ctx context.Context, run *Run) (*report.Report, error)
}

// Config for the executor.
type Config struct {
	DataDir         string
	ReportsDir      string
	PullPolicy      string
	MonitorInterval time.Duration
	DefaultTimeout  time.Duration
}

// NewExecutor creates a sandbox executor sharing one container runtime
// client across concurrent runs.
func NewExecutor(
	log logrus.FieldLogger,
	cfg *Config,
	containers container.Manager,
	registry *Registry,
) Executor {
	return &executor{
		log:        log.WithField("component", "sandbox"),
		cfg:        cfg,
		containers: containers,
		registry:   registry,
	}
}

type executor struct {
	log        logrus.FieldLogger
	cfg        *Config
	containers container.Manager
	registry   *Registry
}

// Ensure interface compliance.
var _ Executor = (*executor)(nil)

// Start ensures the working directories exist.
func (e *executor) Start(ctx context.Context) error {
	if err := os.MkdirAll(e.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	if err := os.MkdirAll(e.cfg.ReportsDir, 0o755); err != nil {
		return fmt.Errorf("creating reports directory: %w", err)
	}

	e.log.Debug("Sandbox executor started")

	return nil
}

// Stop cleans up the executor.
func (e *executor) Stop() error {
	return nil
}

// Execute runs one submission through the full sandbox lifecycle.
func (e *executor) Execute(ctx context.Context, run *Run) (*report.Report, error) {
	log := e.log.WithFields(logrus.Fields{
		"run_id":    run.RunID,
		"user":      run.UserID,
		"challenge": run.ChallengeID,
	})

	strategy, err := e.registry.Get(run.Language)
	if err != nil {
		log.WithError(err).Error("No sandbox strategy for language")

		return nil, nil
	}

	// Per-run workspace holding the code file and the report directory.
	workDir := filepath.Join(e.cfg.DataDir, run.RunID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating run workspace: %w", err)
	}

	// Cleanup is unconditional: the workspace goes away on success and on
	// every failure path.
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			log.WithError(rmErr).Warn("Failed to remove run workspace")
		}
	}()

	codeDir := filepath.Join(workDir, "code")
	reportDir := filepath.Join(workDir, "report")

	for _, dir := range []string{codeDir, reportDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating run directory: %w", err)
		}
	}

	codeFile := filepath.Join(codeDir, strategy.CodeFileName())
	if err := os.WriteFile(codeFile, []byte(run.Code), 0o644); err != nil {
		return nil, fmt.Errorf("writing code file: %w", err)
	}

	if err := e.containers.PullImage(ctx, run.Test.Image, e.cfg.PullPolicy); err != nil {
		log.WithError(err).Error("Image pull failed")

		return nil, nil
	}

	spec := &container.Spec{
		Name:       "codejam-" + run.RunID,
		Image:      run.Test.Image,
		Entrypoint: run.Test.Entrypoint,
		Mounts: []container.Mount{
			{Source: codeDir, Target: run.Test.MountDest, ReadOnly: true},
			{Source: reportDir, Target: "/report"},
		},
		Labels: map[string]string{
			"codejam.run-id":    run.RunID,
			"codejam.user":      run.UserID,
			"codejam.challenge": run.ChallengeID,
		},
	}

	containerID, err := e.containers.CreateContainer(ctx, spec)
	if err != nil {
		log.WithError(err).Error("Container create failed")

		return nil, nil
	}

	defer func() {
		if rmErr := e.containers.RemoveContainer(context.Background(), containerID); rmErr != nil {
			log.WithError(rmErr).Warn("Failed to remove sandbox container")
		}
	}()

	// Collect container output for diagnostics.
	var output bytes.Buffer

	logCtx, logCancel := context.WithCancel(ctx)
	defer logCancel()

	logDone := make(chan struct{})

	go func() {
		defer close(logDone)

		if streamErr := e.containers.StreamLogs(logCtx, containerID, &output, &output); streamErr != nil {
			log.WithError(streamErr).Debug("Log streaming ended")
		}
	}()

	if err := e.containers.StartContainer(ctx, containerID); err != nil {
		log.WithError(err).Error("Container start failed")

		return nil, nil
	}

	// Resource monitoring runs on its own cancellation token; its failures
	// never fail the run.
	monitorCtx, monitorCancel := context.WithCancel(ctx)
	defer monitorCancel()

	go e.monitor(monitorCtx, monitorCancel, containerID, log)

	timeout := e.cfg.DefaultTimeout
	if run.Test.TimeoutSeconds > 0 {
		timeout = time.Duration(run.Test.TimeoutSeconds) * time.Second
	}

	timedOut, err := e.waitForExit(ctx, containerID, timeout, log)
	if err != nil {
		log.WithError(err).Error("Waiting for sandbox container failed")

		return nil, nil
	}

	monitorCancel()
	logCancel()
	<-logDone

	if timedOut {
		return timeoutReport(timeout), nil
	}

	rawPath := filepath.Join(reportDir, strategy.ReportFileName())

	raw, err := os.ReadFile(rawPath)
	if err != nil {
		log.WithError(err).WithField("output", tail(output.String(), 512)).
			Error("Reading raw report failed")

		return nil, nil
	}

	rep, err := report.Parse(raw)
	if err != nil {
		log.WithError(err).Error("Parsing raw report failed")

		return nil, nil
	}

	// Keep a copy of the raw report for auditing. Best effort.
	archived := filepath.Join(e.cfg.ReportsDir, run.RunID+".json")
	if err := os.WriteFile(archived, raw, 0o644); err != nil {
		log.WithError(err).Debug("Failed to archive raw report")
	}

	log.WithFields(logrus.Fields{
		"total":  rep.Total,
		"passed": rep.Passed,
		"failed": rep.Failed,
	}).Info("Sandbox run completed")

	return rep, nil
}

// monitor samples container resource usage on a fixed interval. A sample
// showing zero cumulative CPU usage is the idle/exit signal that stops
// monitoring. Sampling errors are swallowed.
func (e *executor) monitor(
	ctx context.Context,
	cancel context.CancelFunc,
	containerID string,
	log logrus.FieldLogger,
) {
	reader, err := stats.NewReader(log, e.containers.GetClient(), containerID)
	if err != nil {
		log.WithError(err).Debug("Stats reader unavailable, skipping monitoring")

		return
	}

	defer func() { _ = reader.Close() }()

	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := reader.ReadSample(ctx)
			if err != nil {
				log.WithError(err).Debug("Stats sample failed")

				continue
			}

			if sample.CPUUsage == 0 {
				log.Debug("Zero CPU usage sampled, stopping monitor")
				cancel()

				return
			}

			log.WithFields(logrus.Fields{
				"memory_bytes": sample.Memory,
				"cpu_usec":     sample.CPUUsage,
			}).Debug("Sandbox resource sample")
		}
	}
}

// waitForExit blocks until the container exits or the timeout elapses.
// On timeout the container is stopped and timedOut is true.
func (e *executor) waitForExit(
	ctx context.Context,
	containerID string,
	timeout time.Duration,
	log logrus.FieldLogger,
) (timedOut bool, err error) {
	statusCh, errCh := e.containers.WaitForContainerExit(ctx, containerID)

	var timer <-chan time.Time

	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()

		timer = t.C
	}

	select {
	case status := <-statusCh:
		log.WithField("exit_code", status).Debug("Sandbox container exited")

		return false, nil
	case waitErr := <-errCh:
		return false, waitErr
	case <-timer:
		log.WithField("timeout", timeout.String()).Warn("Sandbox run timed out")

		if stopErr := e.containers.StopContainer(context.Background(), containerID); stopErr != nil {
			log.WithError(stopErr).Warn("Failed to stop timed-out container")
		}

		return true, nil
	}
}

// timeoutReport is the failure-shaped report returned when a run exceeds
// its time limit.
func timeoutReport(timeout time.Duration) *report.Report {
	return &report.Report{
		Total:    1,
		Failed:   1,
		Duration: timeout,
		Results: []report.TestResult{
			{
				Name:    "execution",
				Outcome: report.OutcomeFailed,
				Message: fmt.Sprintf("execution exceeded the %s time limit", timeout),
			},
		},
	}
}

// tail returns at most n trailing bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[len(s)-n:]
}
