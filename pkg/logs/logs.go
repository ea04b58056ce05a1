// package logs bridges the standard log package and engine progress streams
// into glog. The glog setup is derived from https://github.com/kubernetes/kubernetes
// and is a copy of k8s.io/apiserver/pkg/util/logs.
package logs

import (
	"bytes"
	"flag"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/pflag"
)

var logFlushFreq = pflag.Duration("log-flush-frequency", 5*time.Second, "Maximum number of seconds between log flushes")

func init() {
	flag.Set("logtostderr", "true")
}

// GlogWriter serves as a bridge between the standard log package and the glog package.
type GlogWriter struct{}

// Write implements the io.Writer interface.
func (writer GlogWriter) Write(data []byte) (n int, err error) {
	glog.Info(string(data))
	return len(data), nil
}

// InitLogs initializes logs the way we want.
func InitLogs() {
	log.SetOutput(GlogWriter{})
	log.SetFlags(0)
	// The default glog flush interval is 30 seconds, which is frighteningly long.
	go func() {
		for {
			glog.Flush()
			time.Sleep(*logFlushFreq)
		}
	}()
}

// FlushLogs flushes logs immediately.
func FlushLogs() {
	glog.Flush()
}

// ProgressWriter logs each complete line written to it, prefixed with a subject
// such as the image being pulled. Repeated identical lines are logged once.
type ProgressWriter struct {
	prefix string

	lock sync.Mutex
	buf  bytes.Buffer
	last string
}

func NewProgressWriter(prefix string) *ProgressWriter {
	return &ProgressWriter{prefix: prefix}
}

func (w *ProgressWriter) Write(data []byte) (int, error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.buf.Write(data)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			return len(data), nil
		}
		w.logLine(line)
	}
}

// Flush logs any trailing partial line.
func (w *ProgressWriter) Flush() {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.logLine(w.buf.String())
	w.buf.Reset()
}

func (w *ProgressWriter) logLine(line string) {
	line = strings.TrimSpace(line)
	if len(line) == 0 || line == w.last {
		return
	}
	w.last = line
	glog.V(1).Infof("%s: %s", w.prefix, line)
}

// Last returns the most recently logged line.
func (w *ProgressWriter) Last() string {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.last
}
