// Package status renders controller instances for operators.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	controller "github.com/featurecloud/fc-controller"
	"github.com/featurecloud/fc-controller/pkg/notifier"
)

const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

var (
	labelStyle   = lipgloss.NewStyle().Bold(true).Width(10)
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	stoppedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// Render writes instance to w in the requested format.
func Render(w io.Writer, instance *controller.Instance, format string) error {
	switch format {
	case FormatText, "":
		_, err := io.WriteString(w, text(instance))
		return err
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(instance)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(instance); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q, expected one of text, json, yaml", format)
	}
}

func text(instance *controller.Instance) string {
	var b strings.Builder
	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label))
		b.WriteString(value)
		b.WriteString("\n")
	}
	row("Name", instance.Name)
	row("ID", shortID(instance.ID))
	row("Image", instance.Image)
	row("State", stateStyle(instance.Running).Render(instance.State))
	if instance.Running && !instance.StartedAt.IsZero() {
		row("Started", instance.StartedAt.Format(time.RFC3339))
	}
	for _, p := range instance.Ports {
		host := p.HostPort
		if len(p.HostIP) > 0 {
			host = p.HostIP + ":" + host
		}
		row("Port", host+" -> "+p.ContainerPort)
	}
	for _, m := range instance.Mounts {
		mode := "ro"
		if m.RW {
			mode = "rw"
		}
		row("Mount", fmt.Sprintf("%s -> %s (%s)", m.Source, m.Destination, mode))
	}
	if len(instance.Args) > 0 {
		row("Args", strings.Join(instance.Args, " "))
	}
	return b.String()
}

func stateStyle(running bool) lipgloss.Style {
	if running {
		return runningStyle
	}
	return stoppedStyle
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Printer writes one line per observed lifecycle change.
type Printer struct {
	lock  sync.Mutex
	out   io.Writer
	state string
}

var _ notifier.Instances = &Printer{}

func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

func (p *Printer) InstanceAdded(info *notifier.InstanceInfo) {
	p.lock.Lock()
	defer p.lock.Unlock()
	fmt.Fprintf(p.out, "%s %s added (%s)\n", info.Name, shortID(info.ID), info.Image)
	p.state = ""
}

func (p *Printer) InstanceRemoved(info *notifier.InstanceInfo) {
	p.lock.Lock()
	defer p.lock.Unlock()
	fmt.Fprintf(p.out, "%s %s removed\n", info.Name, shortID(info.ID))
	p.state = ""
}

func (p *Printer) InstanceSync(info *notifier.InstanceInfo) {
	p.lock.Lock()
	defer p.lock.Unlock()
	state := "absent"
	if info != nil {
		state = info.State
	}
	if state == p.state {
		return
	}
	p.state = state
	if info == nil {
		fmt.Fprintln(p.out, "no instance")
		return
	}
	fmt.Fprintf(p.out, "%s %s %s\n", info.Name, shortID(info.ID), stateStyle(info.Running).Render(state))
}
