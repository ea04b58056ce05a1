package controller

import (
	"sort"
	"strings"
	"time"

	docker "github.com/fsouza/go-dockerclient"
)

// Instance is the inspected view of a running controller.
type Instance struct {
	ID        string        `json:"id" yaml:"id"`
	Name      string        `json:"name" yaml:"name"`
	Image     string        `json:"image" yaml:"image"`
	State     string        `json:"state" yaml:"state"`
	Running   bool          `json:"running" yaml:"running"`
	StartedAt time.Time     `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
	Ports     []PortMapping `json:"ports,omitempty" yaml:"ports,omitempty"`
	Mounts    []Mount       `json:"mounts,omitempty" yaml:"mounts,omitempty"`
	Args      []string      `json:"args,omitempty" yaml:"args,omitempty"`
}

type PortMapping struct {
	HostIP        string `json:"hostIP,omitempty" yaml:"hostIP,omitempty"`
	HostPort      string `json:"hostPort" yaml:"hostPort"`
	ContainerPort string `json:"containerPort" yaml:"containerPort"`
}

type Mount struct {
	Source      string `json:"source" yaml:"source"`
	Destination string `json:"destination" yaml:"destination"`
	RW          bool   `json:"rw" yaml:"rw"`
}

func instanceFor(container *docker.Container) *Instance {
	instance := &Instance{
		ID:        container.ID,
		Name:      strings.TrimPrefix(container.Name, "/"),
		State:     container.State.StateString(),
		Running:   container.State.Running,
		StartedAt: container.State.StartedAt,
		Args:      container.Args,
	}
	if container.Config != nil {
		instance.Image = container.Config.Image
	}
	for _, mount := range container.Mounts {
		instance.Mounts = append(instance.Mounts, Mount{
			Source:      mount.Source,
			Destination: mount.Destination,
			RW:          mount.RW,
		})
	}
	if container.HostConfig != nil {
		for port, bindings := range container.HostConfig.PortBindings {
			for _, binding := range bindings {
				instance.Ports = append(instance.Ports, PortMapping{
					HostIP:        binding.HostIP,
					HostPort:      binding.HostPort,
					ContainerPort: string(port),
				})
			}
		}
		sort.Slice(instance.Ports, func(i, j int) bool {
			return instance.Ports[i].ContainerPort < instance.Ports[j].ContainerPort
		})
	}
	return instance
}
