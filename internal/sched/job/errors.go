package job

import "errors"

var (
	ErrDefinitionNotFound     = errors.New("job definition not found")
	ErrDefinitionInactive     = errors.New("job definition inactive")
	ErrHandlerNotFound        = errors.New("job handler not found")
	ErrSingletonRunning       = errors.New("singleton definition already has a non-terminal instance")
	ErrDependencyNotSatisfied = errors.New("job dependency not satisfied")

	// ErrLockUnavailable is transient: callers retry acquisition (or move to
	// the next candidate), they never fail the job on it.
	ErrLockUnavailable = errors.New("lock unavailable")

	ErrInstanceNotFound  = errors.New("job instance not found")
	ErrInvalidTransition = errors.New("invalid instance state transition")
	ErrExecutionTimeout  = errors.New("handler execution timed out")

	ErrQueueNotFound = errors.New("queue not found")

	ErrWorkerDeactivated = errors.New("worker is deactivated")
)
