// Package fake provides an in-memory container engine for tests.
package fake

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	docker "github.com/fsouza/go-dockerclient"

	"github.com/featurecloud/fc-controller/pkg/runtime"
)

// Runtime models a single host with a name-indexed container table. All methods
// are safe for concurrent use.
type Runtime struct {
	// Registry lists the pullable references as repository:tag or
	// repository@digest. A nil registry accepts every reference.
	Registry map[string]bool

	PullErr   error
	CreateErr error
	StartErr  error
	BuildErr  error

	// LogOutput is written to the stdout stream by Logs.
	LogOutput string
	// BuildOutput is written to the output stream by BuildImage.
	BuildOutput string

	mu         sync.Mutex
	calls      []string
	containers map[string]*docker.Container
	listeners  []chan<- *docker.APIEvents
	builds     []Build
	nextID     int
}

// Build records one BuildImage call and the context archive it received.
type Build struct {
	Options docker.BuildImageOptions
	Context []byte
}

var _ runtime.Interface = &Runtime{}

func New() *Runtime {
	return &Runtime{containers: make(map[string]*docker.Container)}
}

// Calls returns the recorded operations in order, e.g. "stop fc-controller".
func (r *Runtime) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Builds returns the recorded BuildImage calls.
func (r *Runtime) Builds() []Build {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Build(nil), r.builds...)
}

// Count returns the number of containers with the given name.
func (r *Runtime) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[strings.TrimPrefix(name, "/")]; ok {
		return 1
	}
	return 0
}

// Add places a container directly into the table, as if created by another client.
func (r *Runtime) Add(name string, running bool) *docker.Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.newContainer(name, &docker.Config{Image: "previous:latest"}, &docker.HostConfig{})
	if running {
		c.State.Running = true
		c.State.Status = "running"
	}
	return c
}

func (r *Runtime) StopContainerWithContext(id string, timeout uint, ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("stop", id)
	c := r.find(id)
	if c == nil {
		return &docker.NoSuchContainer{ID: id}
	}
	if !c.State.Running {
		return &docker.ContainerNotRunning{ID: id}
	}
	c.State.Running = false
	c.State.Status = "exited"
	c.State.FinishedAt = time.Now()
	r.emit("die", c)
	r.emit("stop", c)
	return nil
}

func (r *Runtime) RemoveContainer(opts docker.RemoveContainerOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("remove", opts.ID)
	c := r.find(opts.ID)
	if c == nil {
		return &docker.NoSuchContainer{ID: opts.ID}
	}
	if c.State.Running && !opts.Force {
		return &docker.Error{Status: http.StatusConflict, Message: "container is running"}
	}
	delete(r.containers, strings.TrimPrefix(c.Name, "/"))
	r.emit("destroy", c)
	return nil
}

func (r *Runtime) PullImage(opts docker.PullImageOptions, auth docker.AuthConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref := opts.Repository + ":" + opts.Tag
	if strings.Contains(opts.Tag, ":") {
		ref = opts.Repository + "@" + opts.Tag
	}
	r.record("pull", ref)
	if r.PullErr != nil {
		return r.PullErr
	}
	if r.Registry != nil && !r.Registry[ref] {
		return &docker.Error{Status: http.StatusNotFound, Message: fmt.Sprintf("manifest for %s not found", ref)}
	}
	if opts.OutputStream != nil {
		fmt.Fprintf(opts.OutputStream, "Status: Downloaded newer image for %s\n", ref)
	}
	return nil
}

func (r *Runtime) CreateContainer(opts docker.CreateContainerOptions) (*docker.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("create", opts.Name)
	if r.CreateErr != nil {
		return nil, r.CreateErr
	}
	if r.find(opts.Name) != nil {
		return nil, docker.ErrContainerAlreadyExists
	}
	c := r.newContainer(opts.Name, opts.Config, opts.HostConfig)
	r.emit("create", c)
	copied := *c
	return &copied, nil
}

func (r *Runtime) StartContainerWithContext(id string, hostConfig *docker.HostConfig, ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("start", id)
	c := r.find(id)
	if c == nil {
		return &docker.NoSuchContainer{ID: id}
	}
	if r.StartErr != nil {
		return r.StartErr
	}
	if c.State.Running {
		return &docker.ContainerAlreadyRunning{ID: id}
	}
	c.State.Running = true
	c.State.Status = "running"
	c.State.StartedAt = time.Now()
	r.emit("start", c)
	return nil
}

func (r *Runtime) InspectContainerWithOptions(opts docker.InspectContainerOptions) (*docker.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.find(opts.ID)
	if c == nil {
		return nil, &docker.NoSuchContainer{ID: opts.ID}
	}
	copied := *c
	return &copied, nil
}

func (r *Runtime) Logs(opts docker.LogsOptions) error {
	r.mu.Lock()
	r.record("logs", opts.Container)
	c := r.find(opts.Container)
	output := r.LogOutput
	r.mu.Unlock()
	if c == nil {
		return &docker.Error{Status: http.StatusNotFound, Message: "No such container: " + opts.Container}
	}
	if opts.Stdout && opts.OutputStream != nil {
		if _, err := io.WriteString(opts.OutputStream, output); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) BuildImage(opts docker.BuildImageOptions) error {
	var data []byte
	if opts.InputStream != nil {
		var err error
		if data, err = io.ReadAll(opts.InputStream); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("build", opts.Name)
	r.builds = append(r.builds, Build{Options: opts, Context: bytes.Clone(data)})
	if r.BuildErr != nil {
		return r.BuildErr
	}
	if opts.OutputStream != nil && len(r.BuildOutput) > 0 {
		io.WriteString(opts.OutputStream, r.BuildOutput)
	}
	return nil
}

func (r *Runtime) AddEventListenerWithOptions(options docker.EventsOptions, listener chan<- *docker.APIEvents) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, listener)
	return nil
}

func (r *Runtime) RemoveEventListener(listener chan *docker.APIEvents) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.listeners {
		if l == (chan<- *docker.APIEvents)(listener) {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("listener not registered")
}

// CloseListeners closes and forgets every registered event listener, as the
// engine client does when the event stream ends.
func (r *Runtime) CloseListeners() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.listeners {
		close(l)
	}
	r.listeners = nil
}

// Listeners returns how many event listeners are registered.
func (r *Runtime) Listeners() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

func (r *Runtime) record(op, target string) {
	r.calls = append(r.calls, op+" "+target)
}

func (r *Runtime) find(idOrName string) *docker.Container {
	if c, ok := r.containers[strings.TrimPrefix(idOrName, "/")]; ok {
		return c
	}
	for _, c := range r.containers {
		if c.ID == idOrName {
			return c
		}
	}
	return nil
}

func (r *Runtime) newContainer(name string, config *docker.Config, hostConfig *docker.HostConfig) *docker.Container {
	r.nextID++
	c := &docker.Container{
		ID:         fmt.Sprintf("%064x", r.nextID),
		Name:       "/" + name,
		Created:    time.Now(),
		Config:     config,
		HostConfig: hostConfig,
		State:      docker.State{Status: "created"},
	}
	if config != nil {
		c.Image = config.Image
		c.Args = config.Cmd
	}
	if hostConfig != nil {
		for _, bind := range hostConfig.Binds {
			parts := strings.Split(bind, ":")
			if len(parts) < 2 {
				continue
			}
			c.Mounts = append(c.Mounts, docker.Mount{
				Source:      parts[0],
				Destination: parts[1],
				RW:          len(parts) < 3 || parts[2] != "ro",
			})
		}
	}
	r.containers[name] = c
	return c
}

func (r *Runtime) emit(action string, c *docker.Container) {
	event := &docker.APIEvents{
		Type:   "container",
		Action: action,
		Actor: docker.APIActor{
			ID:         c.ID,
			Attributes: map[string]string{"name": strings.TrimPrefix(c.Name, "/")},
		},
		Time: time.Now().Unix(),
	}
	for _, l := range r.listeners {
		select {
		case l <- event:
		default:
		}
	}
}
