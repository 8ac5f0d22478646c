package linker

import "github.com/anqori/anchorwatch/connection"

// State is the liveness of the data the linker is showing.
type State string

const (
	// StateLive means fresh data arrived over the direct link.
	StateLive State = "LIVE"
	// StatePolled means the data came from polling the active connection.
	StatePolled State = "POLLED"
	// StateWaiting means a link is up but no data has arrived.
	StateWaiting State = "WAITING"
	// StateNoLink means nothing is connected.
	StateNoLink State = "NO_LINK"
)

var allStates = []State{StateLive, StatePolled, StateWaiting, StateNoLink}

// Summary classes.
const (
	ClassOK    = "ok"
	ClassWarn  = "warn"
	ClassAlarm = "alarm"
)

// Verdict is the summary derived on every tick.
type Verdict struct {
	State        State           `json:"state"`
	Text         string          `json:"text"`
	Class        string          `json:"class"`
	Source       string          `json:"source"`
	ActiveKind   connection.Kind `json:"activeKind"`
	BuildVersion string          `json:"buildVersion,omitempty"`
}

func (v Verdict) equal(o Verdict) bool { return v == o }
