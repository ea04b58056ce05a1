package docker

import (
	"errors"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	docker "github.com/fsouza/go-dockerclient"
	"github.com/golang/glog"

	"github.com/featurecloud/fc-controller/pkg/notifier"
	"github.com/featurecloud/fc-controller/pkg/runtime"
)

// ErrEventsClosed is reported by Err when the engine closed the event stream,
// usually because the engine went away.
var ErrEventsClosed = errors.New("engine event stream closed")

// Client is what the notifier needs from the engine.
type Client interface {
	runtime.Events
	InspectContainerWithOptions(opts docker.InspectContainerOptions) (*docker.Container, error)
}

// dockerNotifier watches engine events for a single container name and resyncs
// periodically with an inspect, so that a missed or reordered event still
// converges on the engine's view. It guarantees Added and Removed are delivered
// once per instance identity.
type dockerNotifier struct {
	client   Client
	name     string
	notifier notifier.Instances
	current  *notifier.InstanceInfo
	done     chan struct{}
	err      error

	SyncInterval time.Duration
}

func New(client Client, name string, n notifier.Instances) *dockerNotifier {
	return &dockerNotifier{
		client:       client,
		name:         name,
		notifier:     n,
		done:         make(chan struct{}),
		SyncInterval: 30 * time.Second,
	}
}

// Run registers for events and processes them in the background until stopCh
// is closed or the engine closes the event stream. Done is closed once the
// background loop has exited.
func (n *dockerNotifier) Run(stopCh <-chan struct{}) error {
	eventsCh := make(chan *docker.APIEvents, 1000)
	options := docker.EventsOptions{
		Filters: map[string][]string{
			"type":      {"container"},
			"container": {n.name},
		},
	}
	if err := n.client.AddEventListenerWithOptions(options, eventsCh); err != nil {
		return err
	}
	firstCh := make(chan time.Time, 1)
	firstCh <- time.Time{}
	var timeCh <-chan time.Time = firstCh
	var ticker *time.Ticker
	go func() {
		defer close(n.done)
		defer glog.V(4).Infof("Exiting event loop for %s", n.name)
		defer func() {
			if ticker != nil {
				ticker.Stop()
			}
			if err := n.client.RemoveEventListener(eventsCh); err != nil {
				glog.V(4).Infof("Unable to remove event listener: %v", err)
			}
		}()
		for {
			select {
			case <-stopCh:
				return
			case <-timeCh:
				if timeCh == firstCh {
					ticker = time.NewTicker(n.SyncInterval)
					timeCh = ticker.C
				}
				n.sync()
			case event, ok := <-eventsCh:
				if !ok {
					n.err = ErrEventsClosed
					return
				}
				if event.Type != "container" || !n.matches(event) {
					continue
				}
				switch event.Action {
				case "create", "start", "restart", "die", "stop", "kill", "destroy":
					glog.V(5).Infof("Received %s for %s", event.Action, n.name)
					n.sync()
				}
			}
		}
	}()
	return nil
}

// Done is closed when the event loop exits.
func (n *dockerNotifier) Done() <-chan struct{} {
	return n.done
}

// Err returns why the event loop exited, nil when it was stopped. It is only
// meaningful after Done is closed.
func (n *dockerNotifier) Err() error {
	return n.err
}

func (n *dockerNotifier) matches(event *docker.APIEvents) bool {
	if strings.TrimPrefix(event.Actor.Attributes["name"], "/") == n.name {
		return true
	}
	return n.current != nil && event.Actor.ID == n.current.ID
}

func (n *dockerNotifier) sync() {
	container, err := n.client.InspectContainerWithOptions(docker.InspectContainerOptions{ID: n.name})
	var info *notifier.InstanceInfo
	switch {
	case err == nil:
		info = infoForContainer(container)
	case runtime.IsAbsent(err):
	default:
		glog.Errorf("Unable to inspect %s: %v", n.name, err)
		return
	}
	glog.V(6).Infof("Sync:\nOld: %s\nNew: %s", spew.Sdump(n.current), spew.Sdump(info))

	switch {
	case info == nil:
		if n.current != nil {
			n.notifier.InstanceRemoved(n.current)
		}
	case n.current == nil:
		n.notifier.InstanceAdded(info)
	case n.current.ID != info.ID:
		// the name was reused by a new instance
		n.notifier.InstanceRemoved(n.current)
		n.notifier.InstanceAdded(info)
	}
	n.current = info
	n.notifier.InstanceSync(info)
}

func infoForContainer(container *docker.Container) *notifier.InstanceInfo {
	info := &notifier.InstanceInfo{
		ID:        container.ID,
		Name:      strings.TrimPrefix(container.Name, "/"),
		State:     container.State.StateString(),
		Running:   container.State.Running,
		StartedAt: container.State.StartedAt,
	}
	if container.Config != nil {
		info.Image = container.Config.Image
	}
	return info
}
