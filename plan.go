package controller

import (
	"context"
	"fmt"

	"github.com/golang/glog"

	"github.com/featurecloud/fc-controller/pkg/runtime"
)

// ErrorPolicy decides what a failed step means for the rest of a plan.
type ErrorPolicy int

const (
	// Propagate aborts the plan and returns the error.
	Propagate ErrorPolicy = iota
	// IgnoreIfAbsent continues the plan. Failures caused by a missing instance
	// are expected and only logged at high verbosity.
	IgnoreIfAbsent
	// PropagateUnlessAbsent treats a missing instance as success and aborts the
	// plan on any other failure.
	PropagateUnlessAbsent
)

func (p ErrorPolicy) String() string {
	switch p {
	case Propagate:
		return "propagate"
	case IgnoreIfAbsent:
		return "ignore-if-absent"
	case PropagateUnlessAbsent:
		return "propagate-unless-absent"
	default:
		return fmt.Sprintf("ErrorPolicy(%d)", int(p))
	}
}

// Step is one ordered action of a plan.
type Step struct {
	Name   string
	Policy ErrorPolicy
	Run    func(ctx context.Context) error
}

// StepError reports the step that aborted a plan.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// RunPlan executes steps top to bottom regardless of the starting state. Earlier
// steps are never rolled back.
func RunPlan(ctx context.Context, steps []Step) error {
	for _, step := range steps {
		err := step.Run(ctx)
		if err == nil {
			glog.V(4).Infof("Step %q completed", step.Name)
			continue
		}
		switch {
		case (step.Policy == IgnoreIfAbsent || step.Policy == PropagateUnlessAbsent) && runtime.IsAbsent(err):
			glog.V(2).Infof("Step %q had nothing to do: %v", step.Name, err)
			continue
		case step.Policy == IgnoreIfAbsent:
			glog.Warningf("Step %q failed, continuing: %v", step.Name, err)
			continue
		}
		return &StepError{Step: step.Name, Err: err}
	}
	return nil
}
