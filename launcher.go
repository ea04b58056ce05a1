package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/davecgh/go-spew/spew"
	docker "github.com/fsouza/go-dockerclient"
	"github.com/golang/glog"

	"github.com/featurecloud/fc-controller/pkg/logs"
	"github.com/featurecloud/fc-controller/pkg/notifier"
	dockernotifier "github.com/featurecloud/fc-controller/pkg/notifier/docker"
	"github.com/featurecloud/fc-controller/pkg/runtime"
)

// ErrNoInstance is returned when no instance with the requested name exists.
var ErrNoInstance = errors.New("no instance found")

// Launcher manages the lifecycle of one named instance through an injected
// container runtime.
type Launcher struct {
	Client runtime.Interface
	// Progress receives image pull output. When nil, output goes to the log.
	Progress io.Writer
}

// EnsureRunning replaces any previous instance named opts.Name with a fresh one.
// Stopping and removing the previous instance never fail the launch. Pulling the
// image, creating the data directory and starting the instance do. Nothing is
// restored when a later step fails.
func (l *Launcher) EnsureRunning(ctx context.Context, opts Options) (*Instance, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	hostDataDir, err := filepath.Abs(opts.HostDataDir)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve host data directory %s: %v", opts.HostDataDir, err)
	}

	var id string
	steps := l.removeSteps(opts, IgnoreIfAbsent)
	steps = append(steps,
		Step{Name: "pull image", Policy: Propagate, Run: func(ctx context.Context) error {
			return l.pull(ctx, opts)
		}},
		Step{Name: "create data directory", Policy: Propagate, Run: func(ctx context.Context) error {
			return os.MkdirAll(hostDataDir, 0755)
		}},
		Step{Name: "start instance", Policy: Propagate, Run: func(ctx context.Context) error {
			id, err = l.start(ctx, opts, hostDataDir)
			return err
		}},
	)
	if err := RunPlan(ctx, steps); err != nil {
		return nil, err
	}

	container, err := l.Client.InspectContainerWithOptions(docker.InspectContainerOptions{ID: id, Context: ctx})
	if err != nil {
		return nil, fmt.Errorf("instance %s started but could not be inspected: %v", opts.Name, err)
	}
	glog.Infof("Started %s (%s) from %s", opts.Name, shortID(container.ID), opts.Image)
	return instanceFor(container), nil
}

// Stop stops and removes the named instance. A missing instance is not an error
// and the host data directory is kept. Any other engine failure is returned.
func (l *Launcher) Stop(ctx context.Context, opts Options) error {
	if len(opts.Name) == 0 {
		return fmt.Errorf("an instance name is required")
	}
	return RunPlan(ctx, l.removeSteps(opts, PropagateUnlessAbsent))
}

// Status returns the named instance or an error wrapping ErrNoInstance.
func (l *Launcher) Status(ctx context.Context, opts Options) (*Instance, error) {
	container, err := l.Client.InspectContainerWithOptions(docker.InspectContainerOptions{ID: opts.Name, Context: ctx})
	if err != nil {
		if runtime.IsAbsent(err) {
			return nil, fmt.Errorf("%w: %s", ErrNoInstance, opts.Name)
		}
		return nil, fmt.Errorf("unable to inspect %s: %v", opts.Name, err)
	}
	return instanceFor(container), nil
}

type LogOptions struct {
	Follow bool
	// Tail limits output to the last lines, "all" when empty.
	Tail   string
	Stdout io.Writer
	Stderr io.Writer
}

// Logs copies the output of the named instance until it is exhausted or, when
// following, until ctx is done.
func (l *Launcher) Logs(ctx context.Context, opts Options, logOpts LogOptions) error {
	tail := logOpts.Tail
	if len(tail) == 0 {
		tail = "all"
	}
	err := l.Client.Logs(docker.LogsOptions{
		Context:      ctx,
		Container:    opts.Name,
		OutputStream: logOpts.Stdout,
		ErrorStream:  logOpts.Stderr,
		Stdout:       true,
		Stderr:       true,
		Follow:       logOpts.Follow,
		Tail:         tail,
	})
	if err != nil {
		if runtime.IsAbsent(err) {
			return fmt.Errorf("%w: %s", ErrNoInstance, opts.Name)
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return nil
}

// Watch reports lifecycle changes of the named instance to n until ctx is done.
// It returns an error if the engine ends the event stream first.
func (l *Launcher) Watch(ctx context.Context, opts Options, n notifier.Instances, syncInterval time.Duration) error {
	watcher := dockernotifier.New(l.Client, opts.Name, n)
	if syncInterval > 0 {
		watcher.SyncInterval = syncInterval
	}
	if err := watcher.Run(ctx.Done()); err != nil {
		return fmt.Errorf("unable to watch %s: %v", opts.Name, err)
	}
	select {
	case <-ctx.Done():
		return nil
	case <-watcher.Done():
		if err := watcher.Err(); err != nil {
			return fmt.Errorf("stopped watching %s: %w", opts.Name, err)
		}
		return nil
	}
}

func (l *Launcher) removeSteps(opts Options, policy ErrorPolicy) []Step {
	return []Step{
		{Name: "stop previous instance", Policy: policy, Run: func(ctx context.Context) error {
			return l.Client.StopContainerWithContext(opts.Name, opts.stopTimeoutSeconds(), ctx)
		}},
		{Name: "remove previous instance", Policy: policy, Run: func(ctx context.Context) error {
			return l.Client.RemoveContainer(docker.RemoveContainerOptions{ID: opts.Name, Force: true, Context: ctx})
		}},
	}
}

func (l *Launcher) pull(ctx context.Context, opts Options) error {
	repository, tag := opts.ImageReference()
	out := l.Progress
	if out == nil {
		progress := logs.NewProgressWriter(opts.ImageName())
		defer progress.Flush()
		out = progress
	}
	glog.V(2).Infof("Pulling %s", opts.ImageName())
	return l.Client.PullImage(docker.PullImageOptions{
		Repository:   repository,
		Tag:          tag,
		OutputStream: out,
		Context:      ctx,
	}, docker.AuthConfiguration{})
}

func (l *Launcher) start(ctx context.Context, opts Options, hostDataDir string) (string, error) {
	port := opts.port()
	createOpts := docker.CreateContainerOptions{
		Name: opts.Name,
		Config: &docker.Config{
			Image:        opts.ImageName(),
			Cmd:          EntrypointArgs(hostDataDir, InternalDataDir, opts.Name),
			ExposedPorts: map[docker.Port]struct{}{port: {}},
		},
		HostConfig: &docker.HostConfig{
			Binds: []string{
				opts.ControlSocket + ":" + opts.ControlSocket,
				hostDataDir + ":" + InternalDataDir,
			},
			PortBindings: map[docker.Port][]docker.PortBinding{
				port: {{HostPort: fmt.Sprintf("%d", opts.Port)}},
			},
		},
		Context: ctx,
	}
	glog.V(6).Infof("Creating instance:\n%s", spew.Sdump(createOpts.Config, createOpts.HostConfig))

	container, err := l.Client.CreateContainer(createOpts)
	if err != nil {
		return "", err
	}
	if err := l.Client.StartContainerWithContext(container.ID, nil, ctx); err != nil {
		// a created but never started container would otherwise claim the name
		if rmErr := l.Client.RemoveContainer(docker.RemoveContainerOptions{ID: container.ID, Force: true}); rmErr != nil && !runtime.IsAbsent(rmErr) {
			glog.Errorf("Unable to remove instance %s after failed start: %v", shortID(container.ID), rmErr)
		}
		return "", err
	}
	return container.ID, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
