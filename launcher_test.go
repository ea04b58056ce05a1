package controller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	docker "github.com/fsouza/go-dockerclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/featurecloud/fc-controller/pkg/notifier"
	dockernotifier "github.com/featurecloud/fc-controller/pkg/notifier/docker"
	"github.com/featurecloud/fc-controller/pkg/runtime/fake"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	opts := NewOptions()
	opts.HostDataDir = filepath.Join(t.TempDir(), "data")
	return opts
}

func TestEnsureRunningWithoutPreviousInstance(t *testing.T) {
	client := fake.New()
	l := &Launcher{Client: client, Progress: &bytes.Buffer{}}
	opts := testOptions(t)

	instance, err := l.EnsureRunning(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, "fc-controller", instance.Name)
	assert.True(t, instance.Running)
	assert.Equal(t, "featurecloud.ai/controller:latest", instance.Image)
	assert.Equal(t, 1, client.Count("fc-controller"))
	assert.Equal(t, []string{
		"stop fc-controller",
		"remove fc-controller",
		"pull featurecloud.ai/controller:latest",
		"create fc-controller",
		"start " + instance.ID,
	}, client.Calls())
}

func TestEnsureRunningIsIdempotent(t *testing.T) {
	client := fake.New()
	l := &Launcher{Client: client, Progress: &bytes.Buffer{}}
	opts := testOptions(t)

	first, err := l.EnsureRunning(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, client.Count(opts.Name))

	second, err := l.EnsureRunning(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, client.Count(opts.Name))
	assert.NotEqual(t, first.ID, second.ID, "every launch replaces the instance")
	assert.True(t, second.Running)
}

func TestEnsureRunningReplacesStoppedInstance(t *testing.T) {
	client := fake.New()
	previous := client.Add("fc-controller", false)
	l := &Launcher{Client: client, Progress: &bytes.Buffer{}}

	instance, err := l.EnsureRunning(context.Background(), testOptions(t))
	require.NoError(t, err)
	assert.NotEqual(t, previous.ID, instance.ID)
	assert.Equal(t, 1, client.Count("fc-controller"))
}

func TestEnsureRunningCreatesDataDirectory(t *testing.T) {
	client := fake.New()
	l := &Launcher{Client: client, Progress: &bytes.Buffer{}}
	opts := testOptions(t)
	opts.HostDataDir = filepath.Join(opts.HostDataDir, "nested", "dir")

	_, err := l.EnsureRunning(context.Background(), opts)
	require.NoError(t, err)

	info, err := os.Stat(opts.HostDataDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	f, err := os.CreateTemp(opts.HostDataDir, "writable-")
	require.NoError(t, err)
	f.Close()

	// the directory survives stopping the instance
	require.NoError(t, l.Stop(context.Background(), opts))
	_, err = os.Stat(opts.HostDataDir)
	assert.NoError(t, err)
}

func TestEnsureRunningMountsAndPorts(t *testing.T) {
	client := fake.New()
	l := &Launcher{Client: client, Progress: &bytes.Buffer{}}
	opts := testOptions(t)
	opts.Port = 8123

	instance, err := l.EnsureRunning(context.Background(), opts)
	require.NoError(t, err)

	assert.ElementsMatch(t, []Mount{
		{Source: "/var/run/docker.sock", Destination: "/var/run/docker.sock", RW: true},
		{Source: opts.HostDataDir, Destination: "/data", RW: true},
	}, instance.Mounts)
	assert.Equal(t, []PortMapping{{HostPort: "8123", ContainerPort: "8123/tcp"}}, instance.Ports)
}

func TestEnsureRunningPassesEntrypointArgs(t *testing.T) {
	client := fake.New()
	l := &Launcher{Client: client, Progress: &bytes.Buffer{}}
	opts := testOptions(t)
	opts.Name = "fc-controller-test"

	instance, err := l.EnsureRunning(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"--host-root=" + opts.HostDataDir,
		"--internal-root=/data",
		"--controller-name=fc-controller-test",
	}, instance.Args)
}

func TestEnsureRunningResolvesRelativeDataDirectory(t *testing.T) {
	client := fake.New()
	l := &Launcher{Client: client, Progress: &bytes.Buffer{}}
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })

	opts := NewOptions()
	instance, err := l.EnsureRunning(context.Background(), opts)
	require.NoError(t, err)

	abs, err := filepath.Abs("data")
	require.NoError(t, err)
	assert.Equal(t, "--host-root="+abs, instance.Args[0])
	assert.DirExists(t, abs)
}

func TestEnsureRunningPullFailure(t *testing.T) {
	client := fake.New()
	client.Registry = map[string]bool{}
	client.Add("fc-controller", true)
	l := &Launcher{Client: client, Progress: &bytes.Buffer{}}
	opts := testOptions(t)

	_, err := l.EnsureRunning(context.Background(), opts)
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "pull image", stepErr.Step)
	var apiErr *docker.Error
	assert.True(t, errors.As(err, &apiErr))

	assert.Equal(t, 0, client.Count("fc-controller"), "no stale instance claims the name")
	assert.NoDirExists(t, opts.HostDataDir)
	assert.NotContains(t, client.Calls(), "create fc-controller")
}

func TestEnsureRunningPullsDigestReference(t *testing.T) {
	image := "featurecloud.ai/controller@" + testDigest
	client := fake.New()
	client.Registry = map[string]bool{image: true}
	l := &Launcher{Client: client, Progress: &bytes.Buffer{}}
	opts := testOptions(t)
	opts.Image = image

	instance, err := l.EnsureRunning(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, image, instance.Image)
	assert.Contains(t, client.Calls(), "pull "+image)
}

func TestEnsureRunningStartFailureLeavesNoInstance(t *testing.T) {
	client := fake.New()
	previous := client.Add("fc-controller", true)
	client.StartErr = &docker.Error{Status: http.StatusInternalServerError, Message: "port is already allocated"}
	l := &Launcher{Client: client, Progress: &bytes.Buffer{}}

	_, err := l.EnsureRunning(context.Background(), testOptions(t))
	require.Error(t, err)
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "start instance", stepErr.Step)
	assert.Contains(t, err.Error(), "port is already allocated")

	assert.Equal(t, 0, client.Count("fc-controller"), "the replaced instance is not restored")
	_, err = client.InspectContainerWithOptions(docker.InspectContainerOptions{ID: previous.ID})
	assert.Error(t, err)
}

func TestEnsureRunningCreateFailureLeavesNoInstance(t *testing.T) {
	client := fake.New()
	client.Add("fc-controller", true)
	client.CreateErr = &docker.Error{Status: http.StatusInternalServerError, Message: "no space left on device"}
	l := &Launcher{Client: client, Progress: &bytes.Buffer{}}
	opts := testOptions(t)

	_, err := l.EnsureRunning(context.Background(), opts)
	require.Error(t, err)
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "start instance", stepErr.Step)
	assert.ErrorIs(t, err, client.CreateErr)

	assert.Equal(t, 0, client.Count("fc-controller"))
	assert.DirExists(t, opts.HostDataDir, "earlier steps are not rolled back")
	calls := client.Calls()
	assert.Equal(t, "create fc-controller", calls[len(calls)-1])
}

func TestEnsureRunningCleanupErrorsAreNotFatal(t *testing.T) {
	client := &failingCleanup{Runtime: fake.New()}
	l := &Launcher{Client: client, Progress: &bytes.Buffer{}}

	instance, err := l.EnsureRunning(context.Background(), testOptions(t))
	require.NoError(t, err)
	assert.True(t, instance.Running)
}

func TestEnsureRunningValidatesOptions(t *testing.T) {
	client := fake.New()
	l := &Launcher{Client: client}
	opts := testOptions(t)
	opts.Port = 0

	_, err := l.EnsureRunning(context.Background(), opts)
	assert.ErrorContains(t, err, "out of range")
	assert.Empty(t, client.Calls())
}

func TestStopWithoutInstance(t *testing.T) {
	client := fake.New()
	l := &Launcher{Client: client}

	require.NoError(t, l.Stop(context.Background(), testOptions(t)))
	assert.Equal(t, []string{"stop fc-controller", "remove fc-controller"}, client.Calls())
}

func TestStopRemovesStoppedInstance(t *testing.T) {
	client := fake.New()
	client.Add("fc-controller", false)
	l := &Launcher{Client: client}

	require.NoError(t, l.Stop(context.Background(), testOptions(t)))
	assert.Equal(t, 0, client.Count("fc-controller"))
}

func TestStopReturnsEngineErrors(t *testing.T) {
	client := &failingCleanup{Runtime: fake.New()}
	client.Add("fc-controller", true)
	l := &Launcher{Client: client}

	err := l.Stop(context.Background(), testOptions(t))
	require.Error(t, err)
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "stop previous instance", stepErr.Step)
	assert.ErrorContains(t, err, "engine unavailable")
	assert.Equal(t, 1, client.Count("fc-controller"))
}

func TestStatus(t *testing.T) {
	client := fake.New()
	l := &Launcher{Client: client, Progress: &bytes.Buffer{}}
	opts := testOptions(t)

	_, err := l.Status(context.Background(), opts)
	assert.ErrorIs(t, err, ErrNoInstance)

	started, err := l.EnsureRunning(context.Background(), opts)
	require.NoError(t, err)

	instance, err := l.Status(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, started.ID, instance.ID)
	assert.Equal(t, "running", instance.State)
}

func TestLogs(t *testing.T) {
	client := fake.New()
	client.LogOutput = "controller listening on :8000\n"
	l := &Launcher{Client: client, Progress: &bytes.Buffer{}}
	opts := testOptions(t)

	err := l.Logs(context.Background(), opts, LogOptions{Stdout: &bytes.Buffer{}})
	assert.ErrorIs(t, err, ErrNoInstance)

	_, err = l.EnsureRunning(context.Background(), opts)
	require.NoError(t, err)

	out := &bytes.Buffer{}
	require.NoError(t, l.Logs(context.Background(), opts, LogOptions{Stdout: out, Stderr: &bytes.Buffer{}}))
	assert.Equal(t, "controller listening on :8000\n", out.String())
}

type addedRecorder struct {
	added chan *notifier.InstanceInfo
}

func (r *addedRecorder) InstanceSync(info *notifier.InstanceInfo)    {}
func (r *addedRecorder) InstanceRemoved(info *notifier.InstanceInfo) {}
func (r *addedRecorder) InstanceAdded(info *notifier.InstanceInfo) {
	r.added <- info
}

func TestWatchReportsLaunchedInstance(t *testing.T) {
	client := fake.New()
	l := &Launcher{Client: client, Progress: &bytes.Buffer{}}
	opts := testOptions(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &addedRecorder{added: make(chan *notifier.InstanceInfo, 10)}
	done := make(chan error, 1)
	go func() { done <- l.Watch(ctx, opts, rec, time.Hour) }()

	require.Eventually(t, func() bool { return client.Listeners() == 1 }, 2*time.Second, 10*time.Millisecond)
	instance, err := l.EnsureRunning(context.Background(), opts)
	require.NoError(t, err)

	select {
	case info := <-rec.added:
		assert.Equal(t, instance.ID, info.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("instance was never reported")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not return after cancel")
	}
}

func TestWatchReturnsWhenEventStreamEnds(t *testing.T) {
	client := fake.New()
	l := &Launcher{Client: client}
	opts := testOptions(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := &addedRecorder{added: make(chan *notifier.InstanceInfo, 10)}
	done := make(chan error, 1)
	go func() { done <- l.Watch(ctx, opts, rec, time.Hour) }()

	require.Eventually(t, func() bool { return client.Listeners() == 1 }, 2*time.Second, 10*time.Millisecond)
	client.CloseListeners()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, dockernotifier.ErrEventsClosed)
		assert.ErrorContains(t, err, "stopped watching fc-controller")
	case <-time.After(2 * time.Second):
		t.Fatal("watch kept blocking after the event stream ended")
	}
}

// failingCleanup reports unexpected engine errors for stop and remove.
type failingCleanup struct {
	*fake.Runtime
}

func (f *failingCleanup) StopContainerWithContext(id string, timeout uint, ctx context.Context) error {
	return fmt.Errorf("engine unavailable")
}

func (f *failingCleanup) RemoveContainer(opts docker.RemoveContainerOptions) error {
	if opts.ID == "fc-controller" {
		return fmt.Errorf("engine unavailable")
	}
	return f.Runtime.RemoveContainer(opts)
}
