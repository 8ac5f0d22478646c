// Package health reports component health for the relay's /health endpoint.
package health

import (
	"regexp"
	"time"
)

// State is a health level.
type State string

const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

// Level maps a state onto the health gauge: 2 healthy, 1 degraded, 0 unhealthy.
func (s State) Level() int {
	switch s {
	case StateHealthy:
		return 2
	case StateDegraded:
		return 1
	}
	return 0
}

// Status is the health of one component, optionally composed of others.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      State     `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

func (s Status) IsHealthy() bool   { return s.Status == StateHealthy }
func (s Status) IsDegraded() bool  { return s.Status == StateDegraded }
func (s Status) IsUnhealthy() bool { return s.Status == StateUnhealthy }

func newStatus(component string, state State, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy creates a healthy status.
func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

// NewDegraded creates a degraded status.
func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

// NewUnhealthy creates an unhealthy status.
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

// FromError is healthy for a nil err and unhealthy otherwise, with URLs,
// addresses and credentials removed from the message.
func FromError(component string, err error) Status {
	if err == nil {
		return NewHealthy(component, "ok")
	}
	return NewUnhealthy(component, Sanitize(err.Error()))
}

// Aggregate is unhealthy when any sub-status is, degraded when any is
// degraded, and healthy otherwise.
func Aggregate(component string, subs []Status) Status {
	if len(subs) == 0 {
		return NewHealthy(component, "no components")
	}
	state := StateHealthy
	for _, sub := range subs {
		switch {
		case sub.IsUnhealthy():
			state = StateUnhealthy
		case sub.IsDegraded() && state == StateHealthy:
			state = StateDegraded
		}
	}
	message := "all components healthy"
	switch state {
	case StateUnhealthy:
		message = "one or more components unhealthy"
	case StateDegraded:
		message = "one or more components degraded"
	}
	out := newStatus(component, state, message)
	out.SubStatuses = append([]Status(nil), subs...)
	return out
}

var (
	urlPattern        = regexp.MustCompile(`(?i)\b(?:https?|wss?|nats)://[^\s]+`)
	ipPattern         = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}(?::\d{2,5})?\b`)
	credentialPattern = regexp.MustCompile(`(?i)(password|token|secret|boatsecret)[^a-zA-Z]*[:=][^,&\s}]+`)
)

// Sanitize strips URLs, IP addresses and credential assignments from msg.
func Sanitize(msg string) string {
	msg = urlPattern.ReplaceAllString(msg, "[URL]")
	msg = ipPattern.ReplaceAllString(msg, "[IP]")
	return credentialPattern.ReplaceAllString(msg, "[REDACTED]")
}
