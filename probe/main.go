package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"pollbridge/messages"
	"pollbridge/probe/client"
	"pollbridge/protocol"

	"github.com/spf13/cobra"
)

// errRequestFailed marks a reply that carried an error code
var errRequestFailed = errors.New("request failed")

type probeOptions struct {
	url       string
	action    string
	data      string
	timeout   time.Duration
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	opts := &probeOptions{}

	cmd := &cobra.Command{
		Use:   "pollbridge-probe",
		Short: "Submit one request to a bridge and wait for the result",
		Long: `pollbridge-probe dials a bridge WebSocket endpoint, submits a single
request and waits for the terminal reply. It exits 0 when the upstream
reported success and 1 on a failure reply or a connection problem.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd, opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.url, "url", "ws://localhost:3000/ws", "Bridge WebSocket URL")
	flags.StringVar(&opts.action, "action", "", "Request action")
	flags.StringVar(&opts.data, "data", "", "Request data")
	flags.DurationVar(&opts.timeout, "timeout", 4*time.Minute, "How long to wait for the reply")
	flags.StringVar(&opts.logLevel, "log-level", "WARN", "Log level: DEBUG, INFO, WARN, ERROR")
	flags.StringVar(&opts.logFormat, "log-format", "console", "Log format: json, console")
	_ = cmd.MarkFlagRequired("action")

	return cmd
}

func runProbe(cmd *cobra.Command, opts *probeOptions) error {
	logger := protocol.NewLogger(cmd.ErrOrStderr(), opts.logLevel, opts.logFormat)

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	probe := client.New(&protocol.DefaultWebSocketDialer{HandshakeTimeout: 10 * time.Second}, logger)
	reply, err := probe.Run(ctx, opts.url, messages.ClientRequest{Action: opts.action, Data: opts.data})
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), reply.Raw)
	if !reply.Success {
		return fmt.Errorf("%w: %s: %s", errRequestFailed, reply.Error, reply.Message)
	}
	return nil
}

func main() {
	cmd := newRootCmd()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
