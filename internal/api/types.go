package api

import (
	"time"

	"coderoom/internal/config"
	"coderoom/internal/sandbox"
	"coderoom/internal/session"
)

// ExecutionRequest is the API-level request to run code in a sandbox.
// Timeout accepts either timeout_seconds or a duration string; the
// server clamps it either way.
type ExecutionRequest struct {
	Code           string         `json:"code"`
	Language       string         `json:"language,omitempty"` // python (default)
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	Timeout        Duration       `json:"timeout,omitempty"`
	StdinLines     []string       `json:"stdin_lines,omitempty"`
	FilePath       string         `json:"file_path,omitempty"`
	Limits         ResourceLimits `json:"limits,omitempty"`
}

func (r ExecutionRequest) timeout() time.Duration {
	if r.TimeoutSeconds > 0 {
		// cap before converting so huge values cannot overflow
		secs := min(r.TimeoutSeconds, int(config.MaxRunTimeout/time.Second))
		return time.Duration(secs) * time.Second
	}
	return r.Timeout.Duration
}

func (r ExecutionRequest) toSandbox(ownerID string) sandbox.ExecutionRequest {
	return sandbox.ExecutionRequest{
		Code:       r.Code,
		Language:   r.Language,
		Timeout:    r.timeout(),
		StdinLines: r.StdinLines,
		OwnerID:    ownerID,
		FilePath:   r.FilePath,
		Limits: sandbox.ResourceLimits{
			CPUShares: r.Limits.CPUShares,
			MemoryMB:  r.Limits.MemoryMB,
			PidsLimit: r.Limits.PidsLimit,
			DiskMB:    r.Limits.DiskMB,
		},
	}
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ResourceLimits narrows container resources; the process backend ignores it.
type ResourceLimits struct {
	CPUShares int64 `json:"cpu_shares,omitempty"` // 1024 = 1 CPU
	MemoryMB  int64 `json:"memory_mb,omitempty"`
	PidsLimit int64 `json:"pids_limit,omitempty"`
	DiskMB    int64 `json:"disk_mb,omitempty"`
}

// ExecutionResponse is the API-level response after a run.
type ExecutionResponse struct {
	ID              string  `json:"id"`
	Stdout          string  `json:"stdout"`
	Stderr          string  `json:"stderr"`
	ExitCode        int     `json:"exit_code"`
	WallTimeMS      float64 `json:"wall_time_ms"`
	TimedOut        bool    `json:"timed_out"`
	Success         bool    `json:"success"`
	StdoutTruncated bool    `json:"stdout_truncated,omitempty"`
	StderrTruncated bool    `json:"stderr_truncated,omitempty"`
}

func newExecutionResponse(res *sandbox.ExecutionResult) ExecutionResponse {
	return ExecutionResponse{
		ID:              res.ID,
		Stdout:          res.Stdout,
		Stderr:          res.Stderr,
		ExitCode:        res.ExitCode,
		WallTimeMS:      res.WallTimeMS,
		TimedOut:        res.TimedOut,
		Success:         res.Succeeded(),
		StdoutTruncated: res.StdoutTruncated,
		StderrTruncated: res.StderrTruncated,
	}
}

type CreateSessionRequest struct {
	Kind  string   `json:"kind,omitempty"` // collaborative (default) or simple
	Title string   `json:"title,omitempty"`
	Code  string   `json:"code,omitempty"`
	TTL   Duration `json:"ttl,omitempty"`
}

type PermissionRequest struct {
	Permission string `json:"permission"`
}

// MembersResponse lists a session's members and the users with an open
// connection right now.
type MembersResponse struct {
	Members []session.Member `json:"members"`
	Online  []string         `json:"online"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status           string  `json:"status"`
	Backend          string  `json:"backend"`
	BackendHealthy   bool    `json:"backend_healthy"`
	Database         bool    `json:"database"`
	ActiveExecutions int64   `json:"active_executions"`
	Load1            float64 `json:"load1"`
	MemoryUsedPct    float64 `json:"memory_used_percent"`
	Uptime           string  `json:"uptime"`
}
