package scheduler

import (
	"errors"
	"fmt"
)

var ErrRunCancelled = errors.New("scheduler: run cancelled")

type UnknownPresetError struct {
	Name string
}

func (e *UnknownPresetError) Error() string {
	return fmt.Sprintf("unknown plugin set: %s", e.Name)
}

// ResolutionError ties a dependency resolution failure to the object whose
// plugin set could not be resolved.
type ResolutionError struct {
	UID  string
	Mime string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving plugins for %s (%s): %v", e.UID, e.Mime, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}
