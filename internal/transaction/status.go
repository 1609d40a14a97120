package transaction

import (
	"fmt"
	"strings"
)

// Status is the lifecycle position of a payment.
type Status string

const (
	StatusInitiated    Status = "INITIATED"
	StatusPending      Status = "PENDING"
	StatusOnRamping    Status = "ON_RAMPING"
	StatusConverting   Status = "CONVERTING"
	StatusTransferring Status = "TRANSFERRING"
	StatusOffRamping   Status = "OFF_RAMPING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
)

// Pipeline is the canonical ordering a successful payment walks through.
var Pipeline = []Status{
	StatusInitiated,
	StatusPending,
	StatusOnRamping,
	StatusConverting,
	StatusTransferring,
	StatusOffRamping,
	StatusCompleted,
}

var validTransitions = map[Status][]Status{
	StatusInitiated:    {StatusPending, StatusFailed},
	StatusPending:      {StatusOnRamping, StatusFailed},
	StatusOnRamping:    {StatusConverting, StatusFailed},
	StatusConverting:   {StatusTransferring, StatusFailed},
	StatusTransferring: {StatusOffRamping, StatusFailed},
	StatusOffRamping:   {StatusCompleted, StatusFailed},
	StatusCompleted:    {},
	StatusFailed:       {StatusPending},
}

// IsValidTransition reports whether the state graph has an edge from -> to.
func IsValidTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllStatuses returns the pipeline statuses followed by FAILED.
func AllStatuses() []Status {
	out := make([]Status, 0, len(Pipeline)+1)
	out = append(out, Pipeline...)
	return append(out, StatusFailed)
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsInFlight is true for statuses where a background pipeline is expected to
// be making progress.
func (s Status) IsInFlight() bool {
	switch s {
	case StatusPending, StatusOnRamping, StatusConverting, StatusTransferring, StatusOffRamping:
		return true
	}
	return false
}

// PipelineIndex returns the position of s in Pipeline, or -1 for FAILED and
// unknown values.
func (s Status) PipelineIndex() int {
	for i, p := range Pipeline {
		if p == s {
			return i
		}
	}
	return -1
}

func (s Status) String() string {
	return string(s)
}

// ParseStatus accepts any casing of a known status name.
func ParseStatus(raw string) (Status, error) {
	candidate := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := validTransitions[candidate]; !ok {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return candidate, nil
}
