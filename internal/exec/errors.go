package exec

import "errors"

var (
	// ErrNotFound covers unknown team or execution ids.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateName is a team name collision.
	ErrDuplicateName = errors.New("team name already exists")
	// ErrTeamNotActive rejects triggers against INACTIVE or ERROR teams.
	ErrTeamNotActive = errors.New("team is not active")
	// ErrTeamRunning rejects deleting a team with a running execution.
	ErrTeamRunning = errors.New("team has a running execution")
	// ErrConcurrencyLimit is returned when the admission semaphore is full.
	ErrConcurrencyLimit = errors.New("concurrency limit exceeded")
	// ErrNotRunning rejects cancelling an execution that is not RUNNING.
	ErrNotRunning = errors.New("execution is not running")
)
