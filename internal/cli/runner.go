package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/g960059/launchgate/internal/api"
	"github.com/g960059/launchgate/internal/appclient"
	"github.com/g960059/launchgate/internal/config"
)

const maxPayloadBytes int64 = 1 << 20

type Runner struct {
	base       *appclient.Client
	client     *appclient.Client
	customized bool
	in         io.Reader
	out        io.Writer
	errOut     io.Writer
}

// usageError marks failures that exit with status 2.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return usageError{err: fmt.Errorf(format, args...)}
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	return newRunner(appclient.New(socketPath), out, errOut)
}

func NewRunnerWithClient(baseURL string, client *appclient.Client, out, errOut io.Writer) *Runner {
	if client == nil {
		client = appclient.NewWithClient(baseURL, nil)
	}
	r := newRunner(client, out, errOut)
	r.customized = true
	return r
}

func newRunner(client *appclient.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{base: client, client: client, in: os.Stdin, out: out, errOut: errOut}
}

// WithInput replaces the reader payload commands fall back to.
func (r *Runner) WithInput(in io.Reader) *Runner {
	r.in = in
	return r
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	if args == nil {
		args = []string{}
	}
	root := r.rootCommand()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	var ue usageError
	if errors.As(err, &ue) || strings.HasPrefix(err.Error(), "unknown command") {
		return 2
	}
	return 1
}

func (r *Runner) rootCommand() *cobra.Command {
	var (
		socketPath string
		timeout    time.Duration
	)
	root := &cobra.Command{
		Use:           "launchgate",
		Short:         "Inspect and drive the launchgate daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			client := r.base
			if cmd.Flags().Changed("socket") && !r.customized {
				client = appclient.New(socketPath)
			}
			if cmd.Flags().Changed("timeout") {
				if timeout <= 0 {
					return usagef("--timeout must be positive")
				}
				client = client.WithUnaryTimeout(timeout)
			}
			r.client = client
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cmd.Usage()
			return usagef("a command is required")
		},
	}
	root.SetOut(r.out)
	root.SetErr(r.errOut)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})
	root.PersistentFlags().StringVar(&socketPath, "socket", config.DefaultConfig().SocketPath, "daemon socket path")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "per-request timeout for non-watch calls")

	root.AddCommand(
		r.stateCommand(),
		r.watchCommand(),
		r.transitionsCommand(),
		r.signalCommand("attribution", "Deliver an attribution payload", (*appclient.Client).SendAttribution),
		r.signalCommand("deeplink", "Deliver deep-link parameters", (*appclient.Client).SendDeeplink),
		r.failureCommand(),
		r.pushCommand(),
		r.tokenCommand(),
		r.authorizeCommand(),
	)
	return root
}

func (r *Runner) stateCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show the current lifecycle state",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := r.client.State(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return r.printJSON(env)
			}
			r.printState(env.State)
			_, _ = fmt.Fprintf(r.out, "cursor=%s\n", env.Cursor)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func (r *Runner) watchCommand() *cobra.Command {
	var (
		jsonOut bool
		once    bool
		cursor  string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow lifecycle state changes",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := r.client.WatchLoop(cmd.Context(), appclient.WatchLoopOptions{Cursor: cursor, Once: once}, func(resp api.WatchResponse) error {
				if jsonOut {
					return r.printJSONLine(resp)
				}
				if resp.Reset {
					_, _ = fmt.Fprintln(r.out, "stream reset")
				}
				r.printState(resp.State)
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON lines")
	cmd.Flags().BoolVar(&once, "once", false, "single poll")
	cmd.Flags().StringVar(&cursor, "cursor", "", "resume cursor")
	return cmd
}

func (r *Runner) transitionsCommand() *cobra.Command {
	var (
		jsonOut bool
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "transitions",
		Short: "List journaled lifecycle transitions, newest first",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit < 1 || limit > 1000 {
				return usagef("--limit must be between 1 and 1000")
			}
			env, err := r.client.Transitions(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOut {
				return r.printJSON(env)
			}
			tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "OCCURRED\tFROM\tTO\tCAUSE\tDESTINATION")
			for _, item := range env.Transitions {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					item.OccurredAt.Local().Format(time.RFC3339), item.FromPhase, item.ToPhase, item.Cause, dash(item.Destination))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

func (r *Runner) signalCommand(name, short string, send func(*appclient.Client, context.Context, map[string]any) (api.SignalResponse, error)) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   name + " [payload-json|-]",
		Short: short,
		Long:  short + ". The payload is a JSON object given as an argument or read from stdin.",
		Args:  usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := r.readPayload(args)
			if err != nil {
				return err
			}
			resp, err := send(r.client, cmd.Context(), payload)
			if err != nil {
				return err
			}
			return r.printSignal(resp, jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func (r *Runner) failureCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "attribution-failed",
		Short: "Report that attribution delivery failed",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := r.client.ReportAttributionFailure(cmd.Context())
			if err != nil {
				return err
			}
			return r.printSignal(resp, jsonOut)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func (r *Runner) pushCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "push [payload-json|-]",
		Short: "Deliver a push notification payload carrying a destination",
		Args:  usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := r.readPayload(args)
			if err != nil {
				return err
			}
			resp, err := r.client.Push(cmd.Context(), payload)
			if err != nil {
				return err
			}
			if jsonOut {
				return r.printJSON(resp)
			}
			_, _ = fmt.Fprintf(r.out, "destination=%s\n", resp.Destination)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func (r *Runner) tokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token <push-token>",
		Short: "Register the device push token",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(args[0]) == "" {
				return usagef("push token is required")
			}
			if err := r.client.RegisterPushToken(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(r.out, "ok")
			return nil
		},
	}
}

func (r *Runner) authorizeCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:       "authorize <grant|deny|skip>",
		Short:     "Answer the pending notification permission prompt",
		Args:      usageArgs(cobra.ExactArgs(1)),
		ValidArgs: []string{"grant", "deny", "skip"},
		RunE: func(cmd *cobra.Command, args []string) error {
			decision := strings.ToLower(strings.TrimSpace(args[0]))
			switch decision {
			case "grant", "deny", "skip":
			default:
				return usagef("decision must be grant, deny or skip")
			}
			resp, err := r.client.Authorize(cmd.Context(), decision)
			if err != nil {
				return err
			}
			if jsonOut {
				return r.printJSON(resp)
			}
			_, _ = fmt.Fprintf(r.out, "decision=%s\n", resp.Decision)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

// readPayload takes the payload from the single argument, or from stdin when
// the argument is "-" or absent.
func (r *Runner) readPayload(args []string) (map[string]any, error) {
	var raw []byte
	if len(args) == 1 && args[0] != "-" {
		raw = []byte(args[0])
	} else {
		body, err := readLimited(r.in, maxPayloadBytes)
		if err != nil {
			return nil, err
		}
		raw = body
	}
	payload := map[string]any{}
	if strings.TrimSpace(string(raw)) == "" {
		return payload, nil
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, usagef("payload must be a JSON object: %v", err)
	}
	return payload, nil
}

func readLimited(in io.Reader, maxBytes int64) ([]byte, error) {
	if in == nil {
		return nil, nil
	}
	if f, ok := in.(*os.File); ok {
		stat, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		if stat.Mode()&os.ModeCharDevice != 0 {
			return nil, nil
		}
	}
	body, err := io.ReadAll(io.LimitReader(in, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, usagef("stdin payload exceeds %d bytes", maxBytes)
	}
	return body, nil
}

func (r *Runner) printState(s api.StateView) {
	_, _ = fmt.Fprintf(r.out, "phase=%s presentation=%s destination=%s mode=%s awaiting_authorization=%t\n",
		s.Phase, s.Presentation, dash(s.Destination), dash(s.Mode), s.AwaitingAuthorization)
}

func (r *Runner) printSignal(resp api.SignalResponse, jsonOut bool) error {
	if jsonOut {
		return r.printJSON(resp)
	}
	_, _ = fmt.Fprintf(r.out, "accepted %s\n", resp.Signal)
	return nil
}

func (r *Runner) printJSON(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (r *Runner) printJSONLine(v any) error {
	return json.NewEncoder(r.out).Encode(v)
}

func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return usageError{err: err}
		}
		return nil
	}
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
