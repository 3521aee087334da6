package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(flag.CommandLine)
	defer klog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := NewProbeCmd(os.Stdout)
	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd.Name(), err)
		klog.Flush()
		os.Exit(1)
	}
}

// NewProbeCmd builds the root command.
func NewProbeCmd(out io.Writer) *cobra.Command {
	o := NewProbeOptions()

	cmd := &cobra.Command{
		Use:   "tcqprobe",
		Short: "Connect to a cluster, run requests and report host health.",
		Long: `tcqprobe opens a session from a JSON or YAML configuration, runs a batch of
requests through the full execution path and prints what the session saw.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := o.Validate()
			if err != nil {
				return err
			}

			err = o.Complete()
			if err != nil {
				return err
			}

			return o.Run(cmd.Context(), out)
		},

		SilenceErrors: true,
		SilenceUsage:  true,
	}

	o.AddFlags(cmd.Flags())

	return cmd
}
