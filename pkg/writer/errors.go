package writer

import "fmt"

// DatabaseError is returned after retry exhaustion on a pipeline write.
// Op names the stage that failed (lookup, upsert_conversation,
// upsert_messages) and Err carries the last backend error.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error during %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// UnexpectedDatabaseError wraps failures outside the retried write path,
// such as serialization of the conversation payload.
type UnexpectedDatabaseError struct {
	Err error
}

func (e *UnexpectedDatabaseError) Error() string {
	return fmt.Sprintf("unexpected database error: %v", e.Err)
}

func (e *UnexpectedDatabaseError) Unwrap() error { return e.Err }
