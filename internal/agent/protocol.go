package agent

import "time"

type HeartbeatResponse struct {
	Time    time.Time `json:"time"`
	Host    string    `json:"host"`
	Version string    `json:"version"`
}

// ExecRequest asks the agent to run a shell command line.
type ExecRequest struct {
	Command string   `json:"command"`
	Env     []string `json:"env,omitempty"`
	Timeout int      `json:"timeout_seconds,omitempty"`
	WorkDir string   `json:"work_dir,omitempty"`
}

type ExecResponse struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
	Duration int64  `json:"duration_ms"`
}
