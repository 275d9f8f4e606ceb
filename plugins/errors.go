package plugins

import (
	"fmt"
	"strings"
)

type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("plugin already registered: %s", e.Name)
}

type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("plugin not found: %s", e.Name)
}

// CyclicDependencyError names every plugin that lies on a dependency
// cycle, sorted. Plugins merely blocked behind a cycle are not listed.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic plugin dependency between: %s", strings.Join(e.Cycle, ", "))
}

type MissingDependencyError struct {
	Plugin  string
	Missing string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("plugin %s depends on unregistered plugin %s", e.Plugin, e.Missing)
}
