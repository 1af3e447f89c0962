package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"coderoom/internal/config"
	"coderoom/internal/runtime"
)

// DefaultLanguage is used when a request names none.
const DefaultLanguage = "python"

type ExecutionRequest struct {
	Code       string         `json:"code"`
	Language   string         `json:"language,omitempty"`
	Timeout    time.Duration  `json:"timeout"`
	StdinLines []string       `json:"stdin_lines,omitempty"`
	OwnerID    string         `json:"owner_id,omitempty"`
	FilePath   string         `json:"file_path,omitempty"`
	Limits     ResourceLimits `json:"limits"`
}

// ExecutionResult is the outcome of one run. A timeout is a result, not an
// error: TimedOut is set and ExitCode is -1.
type ExecutionResult struct {
	ID              string  `json:"id"`
	Stdout          string  `json:"stdout"`
	Stderr          string  `json:"stderr"`
	ExitCode        int     `json:"exit_code"`
	WallTimeMS      float64 `json:"wall_time_ms"`
	TimedOut        bool    `json:"timed_out"`
	StdoutTruncated bool    `json:"stdout_truncated,omitempty"`
	StderrTruncated bool    `json:"stderr_truncated,omitempty"`
	CodeHash        string  `json:"code_hash"`
}

// Succeeded reports a clean exit within the time limit.
func (r *ExecutionResult) Succeeded() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Options are shared by every backend.
type Options struct {
	MaxConcurrent  int
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	Niceness       int
	OutputLimit    int
	CaptureLimit   int
	WorkRoot       string
	DefaultLimits  ResourceLimits
	Runtimes       *runtime.Registry
}

// OptionsFromConfig maps the sandbox config section onto backend options.
// The interpreter path only applies to the process backend; containers
// always run the image's python3.
func OptionsFromConfig(cfg *config.Config) Options {
	sc := cfg.Sandbox
	return Options{
		MaxConcurrent:  sc.MaxConcurrent,
		DefaultTimeout: sc.DefaultTimeout,
		MaxTimeout:     sc.MaxTimeout,
		Niceness:       sc.Niceness,
		OutputLimit:    sc.OutputLimit,
		CaptureLimit:   sc.CaptureLimit,
		WorkRoot:       sc.WorkRoot,
		DefaultLimits: ResourceLimits{
			CPUShares: sc.DefaultLimits.CPUShares,
			MemoryMB:  sc.DefaultLimits.MemoryMB,
			PidsLimit: sc.DefaultLimits.PidsLimit,
			DiskMB:    sc.DefaultLimits.DiskMB,
		},
		Runtimes: runtime.NewRegistry(&runtime.PythonRuntime{
			Interpreter: sc.PythonBinary,
			ImageRef:    sc.PythonImage,
		}),
	}
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent < 1 {
		o.MaxConcurrent = 32
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 10 * time.Second
	}
	if o.MaxTimeout <= 0 || o.MaxTimeout > config.MaxRunTimeout {
		o.MaxTimeout = config.MaxRunTimeout
	}
	if o.OutputLimit < 1 {
		o.OutputLimit = 5000
	}
	if o.CaptureLimit < o.OutputLimit {
		o.CaptureLimit = 1 << 20
	}
	if o.DefaultLimits == (ResourceLimits{}) {
		o.DefaultLimits = DefaultLimits()
	}
	if o.Runtimes == nil {
		o.Runtimes = runtime.NewRegistry()
	}
	return o
}

// ClampTimeout maps a requested timeout onto [1s, max]. Zero or negative
// selects the fallback. max itself never exceeds the 30s hard cap.
func ClampTimeout(requested, fallback, max time.Duration) time.Duration {
	if max <= 0 || max > config.MaxRunTimeout {
		max = config.MaxRunTimeout
	}
	d := requested
	if d <= 0 {
		d = fallback
	}
	if d < config.MinRunTimeout {
		d = config.MinRunTimeout
	}
	if d > max {
		d = max
	}
	return d
}

func (o Options) clampTimeout(requested time.Duration) time.Duration {
	return ClampTimeout(requested, o.DefaultTimeout, o.MaxTimeout)
}

// validateRequest fills defaults on req and resolves its runtime.
func validateRequest(reg *runtime.Registry, req *ExecutionRequest) (runtime.Runtime, error) {
	if req.Language == "" {
		req.Language = DefaultLanguage
	}
	rt, err := reg.Get(req.Language)
	if err != nil {
		return nil, ErrUnsupportedLanguage
	}
	if err := rt.Validate(req.Code); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if req.Limits != (ResourceLimits{}) {
		if err := req.Limits.Validate(); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// stdinPayload is the newline-joined input fed to the program up front.
func stdinPayload(lines []string) *strings.Reader {
	return strings.NewReader(strings.Join(lines, "\n"))
}

func wallTimeMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
