package runtime

import (
	"fmt"
	"sort"
	"strings"
)

// MaxCodeBytes is the largest program accepted by any runtime.
const MaxCodeBytes = 1 << 20

// Runtime defines how to execute code for a specific language.
type Runtime interface {
	// Name returns the runtime identifier (e.g., "python").
	Name() string

	// Image returns the container image reference for this runtime.
	Image() string

	// Command returns the command and args to execute the given code.
	// The code will be written to codePath inside the sandbox.
	Command(codePath string) []string

	// FileExtension returns the file extension for code files (e.g., ".py").
	FileExtension() string

	// Env returns extra environment variables for the interpreter.
	Env() []string

	// Validate checks if the code is acceptable before execution.
	// This is a best-effort pre-check, not a full parser.
	Validate(code string) error
}

// Registry maps language names to their Runtime implementations.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry creates a registry holding the given runtimes, or the
// default Python runtime when none are passed.
func NewRegistry(runtimes ...Runtime) *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
	}
	if len(runtimes) == 0 {
		runtimes = []Runtime{&PythonRuntime{}}
	}
	for _, rt := range runtimes {
		r.Register(rt)
	}
	return r
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

// Get returns the runtime for the given language.
func (r *Registry) Get(language string) (Runtime, error) {
	rt, ok := r.runtimes[language]
	if !ok {
		return nil, fmt.Errorf("unsupported language: %q (supported: %s)", language, strings.Join(r.Languages(), ", "))
	}
	return rt, nil
}

// Languages returns all registered language names, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		langs = append(langs, name)
	}
	sort.Strings(langs)
	return langs
}

// Images returns all container images needed by registered runtimes.
func (r *Registry) Images() []string {
	images := make([]string, 0, len(r.runtimes))
	for _, rt := range r.runtimes {
		images = append(images, rt.Image())
	}
	sort.Strings(images)
	return images
}

func validateSize(code string) error {
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("empty code")
	}
	if len(code) > MaxCodeBytes {
		return fmt.Errorf("code too large: %d bytes (max 1MB)", len(code))
	}
	return nil
}
