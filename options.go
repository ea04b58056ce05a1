package controller

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	docker "github.com/fsouza/go-dockerclient"
)

const (
	DefaultName          = "fc-controller"
	DefaultImage         = "featurecloud.ai/controller"
	DefaultHostDataDir   = "data"
	DefaultPort          = 8000
	DefaultControlSocket = "/var/run/docker.sock"
	DefaultStopTimeout   = 10 * time.Second

	// InternalDataDir is where the host data directory appears inside the instance.
	InternalDataDir = "/data"
)

// Options describes the instance the launcher manages.
type Options struct {
	// Name identifies the instance. At most one instance with this name exists
	// after a launch.
	Name string
	// Image is the registry qualified image reference. The "latest" tag is used
	// when the reference has neither a tag nor a digest.
	Image string
	// HostDataDir is created if missing and mounted at InternalDataDir.
	HostDataDir string
	// Port is published on the host and mapped to the same container port.
	Port int
	// ControlSocket is the engine socket path, mounted at the same path.
	ControlSocket string
	// StopTimeout bounds how long a previous instance may take to stop.
	StopTimeout time.Duration
}

// NewOptions returns the defaults for the FeatureCloud controller.
func NewOptions() Options {
	return Options{
		Name:          DefaultName,
		Image:         DefaultImage,
		HostDataDir:   DefaultHostDataDir,
		Port:          DefaultPort,
		ControlSocket: DefaultControlSocket,
		StopTimeout:   DefaultStopTimeout,
	}
}

func (o Options) Validate() error {
	if len(o.Name) == 0 {
		return fmt.Errorf("an instance name is required")
	}
	if len(o.Image) == 0 {
		return fmt.Errorf("an image reference is required")
	}
	if _, digest, ok := strings.Cut(o.Image, "@"); ok && !strings.Contains(digest, ":") {
		return fmt.Errorf("image reference %q has an invalid digest", o.Image)
	}
	if len(o.HostDataDir) == 0 {
		return fmt.Errorf("a host data directory is required")
	}
	if o.Port < 1 || o.Port > 65535 {
		return fmt.Errorf("port %d is out of range", o.Port)
	}
	if !filepath.IsAbs(o.ControlSocket) {
		return fmt.Errorf("control socket path %q must be absolute", o.ControlSocket)
	}
	if o.StopTimeout < 0 {
		return fmt.Errorf("stop timeout may not be negative")
	}
	return nil
}

// ImageReference splits Image into the repository and the tag or digest to
// pull. A digest wins over a tag, and latest is used when there is neither.
func (o Options) ImageReference() (repository, tag string) {
	name, digest, hasDigest := strings.Cut(o.Image, "@")
	repository, tag = docker.ParseRepositoryTag(name)
	if hasDigest {
		return repository, digest
	}
	if len(tag) == 0 {
		tag = "latest"
	}
	return repository, tag
}

// ImageName is the reference the instance is created from, repository:tag or
// repository@digest.
func (o Options) ImageName() string {
	repository, tag := o.ImageReference()
	if strings.Contains(tag, ":") {
		return repository + "@" + tag
	}
	return repository + ":" + tag
}

// EntrypointArgs returns the three configuration arguments handed to the
// instance entrypoint: the host data root, the internal data root and the
// instance's own name, in that order.
func EntrypointArgs(hostDataDir, internalDataDir, name string) []string {
	return []string{
		"--host-root=" + hostDataDir,
		"--internal-root=" + internalDataDir,
		"--controller-name=" + name,
	}
}

func (o Options) port() docker.Port {
	return docker.Port(fmt.Sprintf("%d/tcp", o.Port))
}

func (o Options) stopTimeoutSeconds() uint {
	return uint((o.StopTimeout + time.Second - 1) / time.Second)
}
