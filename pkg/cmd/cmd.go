package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	controller "github.com/featurecloud/fc-controller"
	"github.com/featurecloud/fc-controller/pkg/build"
	"github.com/featurecloud/fc-controller/pkg/config"
	"github.com/featurecloud/fc-controller/pkg/runtime"
	"github.com/featurecloud/fc-controller/pkg/status"
)

// ClientFunc connects to the container engine described by cfg.
type ClientFunc func(cfg *config.Config) (runtime.Interface, error)

func defaultClient(cfg *config.Config) (runtime.Interface, error) {
	return runtime.NewClient(cfg.Endpoint, cfg.Socket)
}

type root struct {
	configPath string
	newClient  ClientFunc
	out        io.Writer
}

// New provides the command tree that manages the local controller.
func New(name string) *cobra.Command {
	return newCommand(name, defaultClient, os.Stdout)
}

func newCommand(name string, newClient ClientFunc, out io.Writer) *cobra.Command {
	r := &root{newClient: newClient, out: out}
	cmd := &cobra.Command{
		Use:   name,
		Short: "Manage the local FeatureCloud controller",
		Long: heredoc.Doc(`
			Manage the local FeatureCloud controller

			The controller runs as a single container on this host. It is given the host
			container engine socket so it can start app containers next to itself, and a
			host data directory that survives restarts.`),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&r.configPath, "config", r.configPath, "Read settings from this file instead of fc-controller.yaml in $HOME/.featurecloud or the working directory.")
	config.AddFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		r.newStartCommand(),
		r.newStopCommand(),
		r.newStatusCommand(),
		r.newLogsCommand(),
		r.newWatchCommand(),
		r.newBuildCommand(),
	)
	return cmd
}

func (r *root) launcher(c *cobra.Command) (*controller.Launcher, controller.Options, error) {
	cfg, err := config.Load(r.configPath, c.Flags())
	if err != nil {
		return nil, controller.Options{}, err
	}
	client, err := r.newClient(cfg)
	if err != nil {
		return nil, controller.Options{}, fmt.Errorf("unable to connect to the container engine: %v", err)
	}
	return &controller.Launcher{Client: client}, cfg.Options(), nil
}

func (r *root) newStartCommand() *cobra.Command {
	var progress bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a fresh controller, replacing any running one",
		Long: heredoc.Doc(`
			Start a fresh controller, replacing any running one

			Any previous controller with the same name is stopped and removed, the latest
			image is pulled and a new controller is started in the background. The command
			returns once the controller is running, which does not mean it has finished
			initializing.`),
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			l, opts, err := r.launcher(c)
			if err != nil {
				return err
			}
			if progress {
				l.Progress = r.out
			}
			ctx, cancel := signalContext()
			defer cancel()
			instance, err := l.EnsureRunning(ctx, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(r.out, "%s started on port %d, data in %s\n", instance.Name, opts.Port, hostRoot(instance))
			return nil
		},
	}
	cmd.Flags().BoolVar(&progress, "progress", progress, "Print image pull progress instead of logging it.")
	return cmd
}

func (r *root) newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop and remove the controller, keeping its data directory",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			l, opts, err := r.launcher(c)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			if err := l.Stop(ctx, opts); err != nil {
				return err
			}
			fmt.Fprintf(r.out, "%s stopped\n", opts.Name)
			return nil
		},
	}
}

func (r *root) newStatusCommand() *cobra.Command {
	output := status.FormatText
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the controller instance",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			l, opts, err := r.launcher(c)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			instance, err := l.Status(ctx, opts)
			if err != nil {
				if errors.Is(err, controller.ErrNoInstance) {
					return fmt.Errorf("%s is not running", opts.Name)
				}
				return err
			}
			return status.Render(r.out, instance, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", output, "Output format. Accepts 'text', 'json' or 'yaml'.")
	return cmd
}

func (r *root) newLogsCommand() *cobra.Command {
	var logOpts controller.LogOptions
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the controller output",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			l, opts, err := r.launcher(c)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			logOpts.Stdout = r.out
			logOpts.Stderr = os.Stderr
			return l.Logs(ctx, opts, logOpts)
		},
	}
	cmd.Flags().BoolVarP(&logOpts.Follow, "follow", "f", logOpts.Follow, "Keep streaming output until interrupted.")
	cmd.Flags().StringVar(&logOpts.Tail, "tail", "all", "Number of lines to show from the end of the output.")
	return cmd
}

func (r *root) newWatchCommand() *cobra.Command {
	interval := 30 * time.Second
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print controller lifecycle changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			l, opts, err := r.launcher(c)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return l.Watch(ctx, opts, status.NewPrinter(r.out), interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "sync-interval", interval, "How often to recheck the controller in case an event was missed.")
	return cmd
}

func (r *root) newBuildCommand() *cobra.Command {
	var opts build.Options
	cmd := &cobra.Command{
		Use:   "build [CONTEXT]",
		Short: "Build an app image from a context directory",
		Long: heredoc.Doc(`
			Build an app image from a context directory

			The Dockerfile in the context is checked before anything is sent to the
			engine: it must parse and must declare an ENTRYPOINT or CMD. Entries matched
			by .dockerignore are left out of the context.`),
		Args: cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			opts.ContextDir = "."
			if len(args) > 0 {
				opts.ContextDir = args[0]
			}
			cfg, err := config.Load(r.configPath, c.Flags())
			if err != nil {
				return err
			}
			client, err := r.newClient(cfg)
			if err != nil {
				return fmt.Errorf("unable to connect to the container engine: %v", err)
			}
			opts.Out = r.out
			ctx, cancel := signalContext()
			defer cancel()
			descriptor, err := build.Build(ctx, client, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(r.out, "built %s from %s\n", opts.Name, descriptor.Path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.Name, "tag", "t", opts.Name, "Name and optional tag of the image to build.")
	cmd.Flags().StringVarP(&opts.Dockerfile, "file", "f", "Dockerfile", "Path of the Dockerfile relative to the context.")
	cmd.Flags().BoolVar(&opts.Pull, "pull", opts.Pull, "Always pull newer versions of base images.")
	cmd.Flags().BoolVar(&opts.NoCache, "no-cache", opts.NoCache, "Do not use cached layers.")
	return cmd
}

func hostRoot(instance *controller.Instance) string {
	for _, m := range instance.Mounts {
		if m.Destination == controller.InternalDataDir {
			return m.Source
		}
	}
	return ""
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
