package scheduler

import "fmt"

// NoBuilderForArchError is returned synchronously from Submit when rule
// application selects an architecture with no configured BuilderQueue.
type NoBuilderForArchError struct {
	Arch string
}

func (e *NoBuilderForArchError) Error() string {
	return fmt.Sprintf("no builder configured for architecture %q", e.Arch)
}
