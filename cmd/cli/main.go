package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	userID    string

	timeoutSeconds int
	stdinLines     []string
	filePath       string

	historyLimit  int
	historyOffset int

	sessionKind  string
	sessionTitle string
	sessionCode  string
	sessionTTL   time.Duration

	dryRun bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "coderoom",
		Short:         "CLI client for the coderoom server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&serverURL, "server", envOr("CODEROOM_SERVER", "http://localhost:8080"), "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("CODEROOM_API_KEY"), "API key")
	root.PersistentFlags().StringVar(&userID, "user", os.Getenv("CODEROOM_USER"), "User id sent as X-User-ID")

	execCmd := &cobra.Command{
		Use:   "exec [code]",
		Short: "Run Python code in a sandbox (reads stdin when no code is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExec,
	}
	addRunFlags(execCmd)
	root.AddCommand(execCmd)

	execFileCmd := &cobra.Command{
		Use:   "exec-file [file]",
		Short: "Run a Python file in a sandbox",
		Args:  cobra.ExactArgs(1),
		RunE:  runExecFile,
	}
	addRunFlags(execFileCmd)
	root.AddCommand(execFileCmd)

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List your recent executions",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "Page size (server default 50, max 100)")
	historyCmd.Flags().IntVar(&historyOffset, "offset", 0, "Entries to skip")
	root.AddCommand(historyCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Args:  cobra.NoArgs,
		RunE:  runHealth,
	})

	root.AddCommand(newSessionCmd())

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Deactivate idle and expired sessions",
		Args:  cobra.NoArgs,
		RunE:  runSweep,
	}
	sweepCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Only report what would be deactivated")
	root.AddCommand(sweepCmd)

	return root
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 0, "Timeout in seconds (server clamps to 1-30)")
	cmd.Flags().StringArrayVar(&stdinLines, "stdin", nil, "Line fed to input(); repeat for more lines")
	cmd.Flags().StringVar(&filePath, "file-path", "", "File path recorded with the run")
}

func newSessionCmd() *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Manage collaborative sessions",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session you own",
		Args:  cobra.NoArgs,
		RunE:  runSessionCreate,
	}
	createCmd.Flags().StringVar(&sessionKind, "kind", "collaborative", "Session kind (collaborative or simple)")
	createCmd.Flags().StringVar(&sessionTitle, "title", "", "Session title")
	createCmd.Flags().StringVar(&sessionCode, "code-file", "", "File with the initial code buffer")
	createCmd.Flags().DurationVar(&sessionTTL, "ttl", 0, "Hard expiry, e.g. 2h (0 uses the server default)")

	sessionCmd.AddCommand(
		createCmd,
		&cobra.Command{
			Use:   "show [session-id]",
			Short: "Show a session's state",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return getAndPrint(cmd.Context(), "/sessions/"+url.PathEscape(args[0]))
			},
		},
		&cobra.Command{
			Use:   "join [session-id]",
			Short: "Join a session with view access",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var out any
				if err := apiClient().do(cmd.Context(), "POST", "/sessions/"+url.PathEscape(args[0])+"/join", nil, &out); err != nil {
					return err
				}
				return printJSON(out)
			},
		},
		&cobra.Command{
			Use:   "members [session-id]",
			Short: "List a session's members",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return getAndPrint(cmd.Context(), "/sessions/"+url.PathEscape(args[0])+"/members")
			},
		},
		&cobra.Command{
			Use:   "permission [session-id] [user-id] [view|edit]",
			Short: "Change a member's permission (owner only)",
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				path := "/sessions/" + url.PathEscape(args[0]) + "/members/" + url.PathEscape(args[1])
				if err := apiClient().do(cmd.Context(), "PUT", path, map[string]string{"permission": args[2]}, nil); err != nil {
					return err
				}
				fmt.Printf("%s now has %s access\n", args[1], args[2])
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove [session-id] [user-id]",
			Short: "Remove a member (owner only)",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				path := "/sessions/" + url.PathEscape(args[0]) + "/members/" + url.PathEscape(args[1])
				if err := apiClient().do(cmd.Context(), "DELETE", path, nil, nil); err != nil {
					return err
				}
				fmt.Printf("removed %s\n", args[1])
				return nil
			},
		},
	)
	return sessionCmd
}

func apiClient() *client {
	return newClient(serverURL, apiKey, userID, 70*time.Second)
}

func runExec(cmd *cobra.Command, args []string) error {
	var code string
	if len(args) > 0 {
		code = args[0]
	} else {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		code = string(data)
	}
	return executeCode(cmd.Context(), code, filePath)
}

func runExecFile(cmd *cobra.Command, args []string) error {
	if ext := filepath.Ext(args[0]); ext != ".py" {
		return fmt.Errorf("only Python files are supported, got %q", ext)
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	path := filePath
	if path == "" {
		path = filepath.Base(args[0])
	}
	return executeCode(cmd.Context(), string(data), path)
}

type execResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out"`
}

func executeCode(ctx context.Context, code, path string) error {
	payload := map[string]any{
		"code":            code,
		"timeout_seconds": timeoutSeconds,
		"stdin_lines":     stdinLines,
		"file_path":       path,
	}

	var raw json.RawMessage
	if err := apiClient().do(ctx, "POST", "/execute", payload, &raw); err != nil {
		return err
	}
	var res execResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("decoding result: %w", err)
	}

	fmt.Print(res.Stdout)
	if res.Stderr != "" {
		fmt.Fprint(os.Stderr, res.Stderr)
	}
	if res.TimedOut {
		fmt.Fprintln(os.Stderr, "execution timed out")
	}

	// Exit with the sandbox exit code
	if res.ExitCode != 0 {
		os.Exit(exitStatus(res.ExitCode))
	}
	return nil
}

// exitStatus maps a sandbox exit code onto a process status; timeouts
// (-1) use 124 like timeout(1).
func exitStatus(code int) int {
	if code < 0 || code > 255 {
		return 124
	}
	return code
}

func runHistory(cmd *cobra.Command, _ []string) error {
	q := url.Values{}
	if historyLimit > 0 {
		q.Set("limit", strconv.Itoa(historyLimit))
	}
	if historyOffset > 0 {
		q.Set("offset", strconv.Itoa(historyOffset))
	}
	path := "/executions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return getAndPrint(cmd.Context(), path)
}

func runHealth(cmd *cobra.Command, _ []string) error {
	var out any
	err := apiClient().do(cmd.Context(), "GET", "/health", nil, &out)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == 503 {
		fmt.Println("server is degraded")
	}
	if err != nil {
		return err
	}
	return printJSON(out)
}

func runSessionCreate(cmd *cobra.Command, _ []string) error {
	body := map[string]any{"kind": sessionKind, "title": sessionTitle}
	if sessionCode != "" {
		data, err := os.ReadFile(sessionCode)
		if err != nil {
			return fmt.Errorf("reading code file: %w", err)
		}
		body["code"] = string(data)
	}
	if sessionTTL > 0 {
		body["ttl"] = sessionTTL.String()
	}

	var out any
	if err := apiClient().do(cmd.Context(), "POST", "/sessions", body, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func runSweep(cmd *cobra.Command, _ []string) error {
	path := "/admin/sessions/sweep"
	if dryRun {
		path += "?dry_run=true"
	}
	var out any
	if err := apiClient().do(cmd.Context(), "POST", path, nil, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func getAndPrint(ctx context.Context, path string) error {
	var out any
	if err := apiClient().do(ctx, "GET", path, nil, &out); err != nil {
		return err
	}
	return printJSON(out)
}

func printJSON(v any) error {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(formatted))
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
