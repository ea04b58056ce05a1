package runtime

import (
	"errors"
	"net/http"

	docker "github.com/fsouza/go-dockerclient"
)

// IsAbsent reports whether err means the target container does not exist or is
// already stopped.
func IsAbsent(err error) bool {
	if err == nil {
		return false
	}
	var noSuchContainer *docker.NoSuchContainer
	if errors.As(err, &noSuchContainer) {
		return true
	}
	var notRunning *docker.ContainerNotRunning
	if errors.As(err, &notRunning) {
		return true
	}
	var apiErr *docker.Error
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusNotModified
	}
	return false
}
