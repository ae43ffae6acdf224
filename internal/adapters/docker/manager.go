package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	units "github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/Kortemme-Lab/pull-into-place/internal/core/domain"
	"github.com/Kortemme-Lab/pull-into-place/internal/core/ports"
)

const (
	labelManaged   = "pip.managed"
	labelBatchID   = "pip.batch_id"
	labelTaskIndex = "pip.task_index"
	labelStage     = "pip.stage"
)

// Manager runs every task of a batch in its own container. Containers are
// created stopped, which is the held state; Release starts them.
type Manager struct {
	logger *slog.Logger
	cli    *client.Client
	image  string
	worker string
}

// NewManager creates a Docker-backed scheduler. Containers run
// `<worker> task <stage dir>` from image with the workspace bind-mounted at
// the same path.
func NewManager(logger *slog.Logger, imageRef, worker string) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if worker == "" {
		worker = "pip"
	}
	return &Manager{logger: logger, cli: cli, image: imageRef, worker: worker}, nil
}

// Ensure Manager implements Scheduler
var _ ports.Scheduler = (*Manager)(nil)

func containerName(id domain.BatchID, taskIndex int) string {
	return fmt.Sprintf("pip-%s-%d", id, taskIndex)
}

func (m *Manager) containerConfig(spec domain.BatchSpec, id domain.BatchID, taskIndex int) (*container.Config, *container.HostConfig, error) {
	sd := spec.StageDir
	cfg := &container.Config{
		Image: m.image,
		Cmd:   []string{m.worker, "task", sd.Path()},
		Env: []string{
			"PIP_BATCH_ID=" + string(id),
			"PIP_TASK_INDEX=" + strconv.Itoa(taskIndex),
		},
		WorkingDir: sd.Root,
		Labels: map[string]string{
			labelManaged:   "true",
			labelBatchID:   string(id),
			labelTaskIndex: strconv.Itoa(taskIndex),
			labelStage:     sd.DirName(),
		},
	}

	var resources container.Resources
	if spec.Limits.MaxMemory != "" {
		mem, err := units.RAMInBytes(spec.Limits.MaxMemory)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid memory limit %q: %w", spec.Limits.MaxMemory, err)
		}
		resources.Memory = mem
	}

	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: sd.Root,
				Target: sd.Root,
			},
		},
		Resources: resources,
	}
	return cfg, hostCfg, nil
}

func (m *Manager) create(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, name string) error {
	_, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if client.IsErrNotFound(err) {
		reader, pullErr := m.cli.ImagePull(ctx, m.image, image.PullOptions{})
		if pullErr != nil {
			return fmt.Errorf("failed to pull image %s: %w", m.image, pullErr)
		}
		io.Copy(io.Discard, reader) //nolint:errcheck
		reader.Close()
		_, err = m.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	}
	if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	return nil
}

// Reserve creates one stopped container per task.
func (m *Manager) Reserve(ctx context.Context, spec domain.BatchSpec) (domain.BatchID, error) {
	if spec.TaskCount < 1 {
		return "", fmt.Errorf("batch has no tasks")
	}
	id := domain.BatchID(uuid.New().String())
	for i := 0; i < spec.TaskCount; i++ {
		cfg, hostCfg, err := m.containerConfig(spec, id, i)
		if err == nil {
			err = m.create(ctx, cfg, hostCfg, containerName(id, i))
		}
		if err != nil {
			if cancelErr := m.Cancel(context.Background(), id); cancelErr != nil {
				m.logger.Error("failed to remove partial batch", "batch_id", id, "error", cancelErr)
			}
			return "", err
		}
	}
	m.logger.Info("batch containers created", "batch_id", id, "tasks", spec.TaskCount)
	return id, nil
}

func (m *Manager) batchContainers(ctx context.Context, id domain.BatchID) ([]types.Container, error) {
	return m.cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: makeFilters(map[string]string{
			"label": labelBatchID + "=" + string(id),
		}),
	})
}

// Release starts every container of the batch.
func (m *Manager) Release(ctx context.Context, id domain.BatchID) error {
	containers, err := m.batchContainers(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to list batch containers: %w", err)
	}
	if len(containers) == 0 {
		return fmt.Errorf("batch %s has no containers", id)
	}
	for _, c := range containers {
		if err := m.cli.ContainerStart(ctx, c.ID, container.StartOptions{}); err != nil {
			return fmt.Errorf("failed to start container %s: %w", c.ID, err)
		}
	}
	m.logger.Info("batch started", "batch_id", id, "containers", len(containers))
	return nil
}

// Cancel force-removes every container of the batch.
func (m *Manager) Cancel(ctx context.Context, id domain.BatchID) error {
	containers, err := m.batchContainers(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to list batch containers: %w", err)
	}
	for _, c := range containers {
		err := m.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
		if err != nil && !client.IsErrNotFound(err) {
			return fmt.Errorf("failed to remove container: %w", err)
		}
	}
	return nil
}

// Helper to construct list filters
func makeFilters(m map[string]string) filters.Args {
	args := filters.NewArgs()
	for k, v := range m {
		args.Add(k, v)
	}
	return args
}
