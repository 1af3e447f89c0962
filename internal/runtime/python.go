package runtime

import "strings"

const (
	defaultPythonInterpreter = "python3"
	defaultPythonImage       = "docker.io/library/python:3.12-slim"
)

// PythonRuntime configures execution of Python code. The zero value runs
// "python3" from PATH and uses the slim CPython image for containers.
type PythonRuntime struct {
	Interpreter string
	ImageRef    string
}

func (p *PythonRuntime) Name() string { return "python" }

func (p *PythonRuntime) Image() string {
	if p.ImageRef != "" {
		return p.ImageRef
	}
	return defaultPythonImage
}

func (p *PythonRuntime) Command(codePath string) []string {
	interp := p.Interpreter
	if interp == "" {
		interp = defaultPythonInterpreter
	}
	return []string{
		interp, "-u", // Unbuffered output
		"-B", // Don't write .pyc files
		"-I", // Isolated: ignore PYTHON* env and user site-packages
		codePath,
	}
}

func (p *PythonRuntime) FileExtension() string { return ".py" }

func (p *PythonRuntime) Env() []string {
	return []string{
		"PYTHONIOENCODING=utf-8",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONUNBUFFERED=1",
	}
}

func (p *PythonRuntime) Validate(code string) error {
	if err := validateSize(code); err != nil {
		return err
	}
	// NUL bytes make CPython refuse the source file before running anything.
	if strings.ContainsRune(code, 0) {
		return errNulByte
	}
	return nil
}
