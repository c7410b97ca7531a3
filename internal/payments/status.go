package payments

import "fmt"

type Status string

const (
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusRefused    Status = "refused"
	StatusFailed     Status = "failed"
	StatusRefund     Status = "refund"
)

var validNext = map[Status]map[Status]bool{
	StatusProcessing: {StatusSuccess: true, StatusRefused: true, StatusFailed: true},
	StatusSuccess:    {StatusRefund: true},
	StatusRefused:    {},
	StatusFailed:     {},
	StatusRefund:     {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if _, ok := validNext[s]; !ok {
		return "", fmt.Errorf("unknown payment status %q", v)
	}
	return s, nil
}
