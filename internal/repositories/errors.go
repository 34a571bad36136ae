package repositories

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist. Callers check it with errors.Is to tell a missing agent,
// customer, or conversation apart from a real database failure.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update loses to a concurrent
// writer or violates a unique constraint: creating an agent whose name is
// taken, opening a second conversation for a customer that already has one,
// or an assignment CAS that found the conversation no longer WAITING.
var ErrConflict = errors.New("record already exists")
