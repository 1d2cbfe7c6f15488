package upstream

import "fmt"

// StatusError is returned when an upstream answers with a non-2xx status
type StatusError struct {
	Service    string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Service, e.StatusCode)
}

// ToolFailedError is returned when the tool server reports a failed execution
type ToolFailedError struct {
	ToolName string
	Message  string
}

func (e *ToolFailedError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.ToolName, e.Message)
}
