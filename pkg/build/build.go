// Package build assembles a runtime image from a local context directory and
// its build descriptor.
package build

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	dockerarchive "github.com/docker/docker/pkg/archive"
	docker "github.com/fsouza/go-dockerclient"
	"github.com/golang/glog"
	"github.com/moby/patternmatcher/ignorefile"
	"github.com/openshift/imagebuilder"
	"github.com/openshift/imagebuilder/dockerfile/parser"

	"github.com/featurecloud/fc-controller/pkg/build/archive"
	"github.com/featurecloud/fc-controller/pkg/logs"
	"github.com/featurecloud/fc-controller/pkg/runtime"
)

const maxDescriptorSize = 100 * 1024

type Options struct {
	// ContextDir is archived and sent to the engine.
	ContextDir string
	// Dockerfile is relative to ContextDir, "Dockerfile" when empty.
	Dockerfile string
	// Name is the repository and optional tag of the resulting image.
	Name    string
	Pull    bool
	NoCache bool
	// Out receives build output. When nil, output goes to the log.
	Out io.Writer
}

// Descriptor summarizes a validated build descriptor.
type Descriptor struct {
	Path         string
	BaseImages   []string
	ExposedPorts []string
	Entrypoint   []string
	Cmd          []string
}

// Build validates the descriptor inside the context and asks the engine to build it.
func Build(ctx context.Context, client runtime.Images, opts Options) (*Descriptor, error) {
	if len(opts.Name) == 0 {
		return nil, fmt.Errorf("an image name is required")
	}
	info, err := os.Stat(opts.ContextDir)
	if err != nil {
		return nil, fmt.Errorf("unable to read build context: %v", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("build context %s is not a directory", opts.ContextDir)
	}
	dockerfile := opts.Dockerfile
	if len(dockerfile) == 0 {
		dockerfile = "Dockerfile"
	}
	dockerfile = path.Clean(filepath.ToSlash(dockerfile))
	if path.IsAbs(dockerfile) || strings.HasPrefix(dockerfile, "../") {
		return nil, fmt.Errorf("build descriptor %s must be inside the build context", opts.Dockerfile)
	}

	tarOptions, err := contextTarOptions(opts.ContextDir, dockerfile)
	if err != nil {
		return nil, err
	}

	// the first pass validates the descriptor as the engine will see it
	descriptor, err := readDescriptor(opts.ContextDir, dockerfile, tarOptions)
	if err != nil {
		return nil, err
	}

	input, err := dockerarchive.TarWithOptions(opts.ContextDir, tarOptions)
	if err != nil {
		return nil, fmt.Errorf("unable to archive build context: %v", err)
	}
	defer input.Close()

	out := opts.Out
	if out == nil {
		progress := logs.NewProgressWriter(opts.Name)
		defer progress.Flush()
		out = progress
	}
	glog.V(2).Infof("Building %s from %s", opts.Name, filepath.Join(opts.ContextDir, dockerfile))
	err = client.BuildImage(docker.BuildImageOptions{
		Context:        ctx,
		Name:           opts.Name,
		Dockerfile:     dockerfile,
		InputStream:    input,
		OutputStream:   out,
		Pull:           opts.Pull,
		NoCache:        opts.NoCache,
		RmTmpContainer: true,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to build %s: %v", opts.Name, err)
	}
	glog.Infof("Built %s, exposing %s", opts.Name, strings.Join(descriptor.ExposedPorts, ", "))
	return descriptor, nil
}

// contextTarOptions honors .dockerignore while always keeping the descriptor
// and the ignore file itself.
func contextTarOptions(contextDir, dockerfile string) (*dockerarchive.TarOptions, error) {
	options := &dockerarchive.TarOptions{}
	f, err := os.Open(filepath.Join(contextDir, ".dockerignore"))
	switch {
	case os.IsNotExist(err):
		return options, nil
	case err != nil:
		return nil, fmt.Errorf("unable to read .dockerignore: %v", err)
	}
	defer f.Close()
	excludes, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("unable to parse .dockerignore: %v", err)
	}
	if len(excludes) > 0 {
		excludes = append(excludes, "!"+dockerfile, "!.dockerignore")
	}
	options.ExcludePatterns = excludes
	return options, nil
}

func readDescriptor(contextDir, dockerfile string, tarOptions *dockerarchive.TarOptions) (*Descriptor, error) {
	r, err := dockerarchive.TarWithOptions(contextDir, tarOptions)
	if err != nil {
		return nil, fmt.Errorf("unable to archive build context: %v", err)
	}
	defer r.Close()
	data, err := archive.Find(r, dockerfile, maxDescriptorSize)
	if err == archive.ErrNotFound {
		return nil, fmt.Errorf("no build descriptor found at %s", dockerfile)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to read build descriptor: %v", err)
	}
	return ParseDescriptor(dockerfile, data)
}

// ParseDescriptor parses a Dockerfile and checks that it produces a runnable image.
func ParseDescriptor(name string, data []byte) (*Descriptor, error) {
	node, err := imagebuilder.ParseDockerfile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("unable to parse %s: %v", name, err)
	}
	d := &Descriptor{Path: name}
	var runnable bool
	for _, child := range node.Children {
		args := nodeArgs(child)
		switch strings.ToLower(child.Value) {
		case "from":
			if len(args) > 0 {
				d.BaseImages = append(d.BaseImages, args[0])
			}
		case "expose":
			d.ExposedPorts = append(d.ExposedPorts, args...)
		case "entrypoint":
			d.Entrypoint = args
			runnable = true
		case "cmd":
			d.Cmd = args
			runnable = true
		}
	}
	if len(d.BaseImages) == 0 {
		return nil, fmt.Errorf("%s has no FROM instruction", name)
	}
	if !runnable {
		return nil, fmt.Errorf("%s declares neither ENTRYPOINT nor CMD", name)
	}
	return d, nil
}

func nodeArgs(node *parser.Node) []string {
	var args []string
	for next := node.Next; next != nil; next = next.Next {
		args = append(args, next.Value)
	}
	return args
}
