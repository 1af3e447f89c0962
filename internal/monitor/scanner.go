package monitor

import (
	"regexp"
	"strings"
)

// CodeScanner flags Python idioms that usually mean a program is probing
// its sandbox. Findings are advisory: they feed metrics and logs and never
// block a run, since the sandbox enforces the real limits.
type CodeScanner struct {
	patterns []Pattern
}

// Pattern is one suspicious construct.
type Pattern struct {
	Name     string
	Detail   string
	Regex    *regexp.Regexp
	Severity Severity
}

// Severity levels for findings.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Finding is one match, with its 1-based line.
type Finding struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line"`
}

// NewCodeScanner creates a scanner with the built-in Python patterns.
func NewCodeScanner() *CodeScanner {
	return &CodeScanner{patterns: pythonPatterns()}
}

// Scan reports at most one finding per pattern per line. Comment lines are skipped.
func (s *CodeScanner) Scan(code string) []Finding {
	var findings []Finding
	for i, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		for _, p := range s.patterns {
			if p.Regex.MatchString(line) {
				findings = append(findings, Finding{
					Pattern:  p.Name,
					Severity: p.Severity.String(),
					Detail:   p.Detail,
					Line:     i + 1,
				})
			}
		}
	}
	return findings
}

func pythonPatterns() []Pattern {
	return []Pattern{
		{
			Name:     "shell_exec",
			Detail:   "spawns a shell or external program",
			Regex:    regexp.MustCompile(`\b(os\.(system|popen|exec[lv]p?e?|spawn\w*)|subprocess\.\w+|pty\.spawn)\s*\(`),
			Severity: SeverityHigh,
		},
		{
			Name:     "native_code",
			Detail:   "loads native code through ctypes or cffi",
			Regex:    regexp.MustCompile(`\b(ctypes\.(CDLL|cdll|PyDLL|pythonapi)|cffi\.FFI)\b`),
			Severity: SeverityHigh,
		},
		{
			Name:     "network",
			Detail:   "opens a network connection",
			Regex:    regexp.MustCompile(`\b(socket\.socket|socket\.create_connection|urllib\.request\.urlopen|http\.client\.HTTP)`),
			Severity: SeverityMedium,
		},
		{
			Name:     "proc_access",
			Detail:   "reads host process or kernel information",
			Regex:    regexp.MustCompile(`/proc/(self|1|sys|kcore)|/sys/fs/cgroup|/etc/(passwd|shadow)`),
			Severity: SeverityMedium,
		},
		{
			Name:     "fork",
			Detail:   "forks the interpreter",
			Regex:    regexp.MustCompile(`\bos\.fork\s*\(|\bmultiprocessing\.`),
			Severity: SeverityMedium,
		},
		{
			Name:     "dynamic_import",
			Detail:   "imports modules dynamically",
			Regex:    regexp.MustCompile(`__import__\s*\(|\bimportlib\.import_module\s*\(`),
			Severity: SeverityLow,
		},
		{
			Name:     "eval",
			Detail:   "evaluates generated source",
			Regex:    regexp.MustCompile(`(^|[^.\w])(eval|exec|compile)\s*\(`),
			Severity: SeverityLow,
		},
	}
}
