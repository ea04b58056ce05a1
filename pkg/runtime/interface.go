package runtime

import (
	"context"

	docker "github.com/fsouza/go-dockerclient"
)

// Containers is the subset of the engine container API the launcher drives.
type Containers interface {
	StopContainerWithContext(id string, timeout uint, ctx context.Context) error
	RemoveContainer(opts docker.RemoveContainerOptions) error
	CreateContainer(opts docker.CreateContainerOptions) (*docker.Container, error)
	StartContainerWithContext(id string, hostConfig *docker.HostConfig, ctx context.Context) error
	InspectContainerWithOptions(opts docker.InspectContainerOptions) (*docker.Container, error)
	Logs(opts docker.LogsOptions) error
}

type Images interface {
	PullImage(opts docker.PullImageOptions, auth docker.AuthConfiguration) error
	BuildImage(opts docker.BuildImageOptions) error
}

type Events interface {
	AddEventListenerWithOptions(options docker.EventsOptions, listener chan<- *docker.APIEvents) error
	RemoveEventListener(listener chan *docker.APIEvents) error
}

// Interface is the container orchestration capability handed to the launcher.
type Interface interface {
	Containers
	Images
	Events
}

var _ Interface = &docker.Client{}
