package orchestrator

import "github.com/google/uuid"

func newExecutionID() string {
	return uuid.NewString()
}
