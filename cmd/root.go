package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version is the application version.
const Version = "0.1.0"

type rootOptions struct {
	envFiles []string
}

// NewRootCommand assembles the glaucoscan command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "glaucoscan",
		Short:         "Glaucoma screening API and client",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "env file(s) to load before reading configuration (default .env)")

	root.AddCommand(newServeCommand(opts), newPredictCommand())
	return root
}

// Execute runs the CLI until it finishes or the process is interrupted.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
