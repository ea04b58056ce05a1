package runtime

import (
	"os"

	docker "github.com/fsouza/go-dockerclient"
	"github.com/golang/glog"
)

// NewClient connects to the engine. An explicit endpoint wins, then DOCKER_HOST
// and the related environment, then the provided control socket.
func NewClient(endpoint, socketPath string) (*docker.Client, error) {
	switch {
	case len(endpoint) > 0:
		glog.V(4).Infof("Using engine endpoint %s", endpoint)
		return docker.NewClient(endpoint)
	case len(os.Getenv("DOCKER_HOST")) > 0:
		glog.V(4).Infof("Using engine endpoint from environment")
		return docker.NewClientFromEnv()
	default:
		glog.V(4).Infof("Using engine socket %s", socketPath)
		return docker.NewClient("unix://" + socketPath)
	}
}
