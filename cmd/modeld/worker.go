package main

import (
	"os"

	"github.com/spf13/cobra"

	"localmodeld/internal/logging"
	"localmodeld/internal/worker"
)

func newWorkerCmd(a *app) *cobra.Command {
	var threads int
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Serve the worker protocol on stdin/stdout (spawned by serve)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("threads") {
				threads = a.cfg.Worker.Threads
			}
			// stdout carries the protocol; logs go to stderr as JSON.
			log := logging.New(a.cfg.LogLevel, "json", os.Stderr).With().Str("component", "worker").Logger()
			srv := worker.NewServer(worker.NewLlamaRuntime(threads), log)
			return srv.Serve(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().IntVar(&threads, "threads", 0, "Inference threads (0 lets the runtime decide)")
	return cmd
}
