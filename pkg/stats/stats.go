package stats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// Sample is a snapshot of a sandbox container's resource usage.
type Sample struct {
	Memory   uint64 // Current memory usage (bytes)
	CPUUsage uint64 // CPU usage (microseconds, cumulative)
}

// Reader reads resource usage for one container.
type Reader interface {
	// ReadSample returns current resource metrics for the container.
	ReadSample(ctx context.Context) (*Sample, error)
	// Close releases any resources held by the reader.
	Close() error
}

// NewReader creates a stats reader backed by the Docker Stats API.
func NewReader(
	log logrus.FieldLogger,
	dockerClient *client.Client,
	containerID string,
) (Reader, error) {
	if dockerClient == nil {
		return nil, fmt.Errorf("docker client is nil")
	}

	return &dockerReader{
		log:         log.WithField("component", "stats"),
		client:      dockerClient,
		containerID: containerID,
	}, nil
}

type dockerReader struct {
	log         logrus.FieldLogger
	client      *client.Client
	containerID string
}

// Ensure interface compliance.
var _ Reader = (*dockerReader)(nil)

// ReadSample returns current resource metrics using the Docker Stats API.
// One-shot stats (stream=false) keep the overhead per sample low.
func (r *dockerReader) ReadSample(ctx context.Context) (*Sample, error) {
	statsResp, err := r.client.ContainerStats(ctx, r.containerID, false)
	if err != nil {
		return nil, fmt.Errorf("getting container stats: %w", err)
	}
	defer func() { _ = statsResp.Body.Close() }()

	var dockerStats container.StatsResponse
	if err := json.NewDecoder(statsResp.Body).Decode(&dockerStats); err != nil {
		return nil, fmt.Errorf("decoding stats response: %w", err)
	}

	return &Sample{
		Memory: dockerStats.MemoryStats.Usage,
		// Docker reports CPU in nanoseconds, convert to microseconds.
		CPUUsage: dockerStats.CPUStats.CPUUsage.TotalUsage / 1000,
	}, nil
}

// Close releases any resources held by the reader.
func (r *dockerReader) Close() error {
	return nil
}
