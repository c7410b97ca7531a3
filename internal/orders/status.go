package orders

import "fmt"

type Status string

const (
	StatusCreated   Status = "created"
	StatusApproved  Status = "approved"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

var validNext = map[Status]map[Status]bool{
	StatusCreated:   {StatusApproved: true, StatusFailed: true, StatusError: true},
	StatusError:     {StatusCreated: true, StatusApproved: true, StatusFailed: true},
	StatusApproved:  {StatusCancelled: true},
	StatusFailed:    {},
	StatusCancelled: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// Pending reports whether the saga of an order in s has not settled yet.
func (s Status) Pending() bool {
	return s == StatusCreated || s == StatusError
}

func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusCancelled
}

func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown order status %q", v)
	}
	return s, nil
}
