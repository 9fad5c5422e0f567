package bridge

// Operations understood by the simulator bridge.
const (
	OpStart   = "start"
	OpState   = "state"
	OpCommand = "command"
)

// Request is one client frame.
type Request struct {
	Op      string `json:"op"`
	Command string `json:"command,omitempty"`
}

// Response answers a Request. State responses carry what the simulator
// reported since the previous state request; observations are JSON texts.
type Response struct {
	Error        string    `json:"error,omitempty"`
	Running      bool      `json:"running"`
	Observations []string  `json:"observations,omitempty"`
	Errors       []string  `json:"errors,omitempty"`
	Rewards      []float64 `json:"rewards,omitempty"`
}
