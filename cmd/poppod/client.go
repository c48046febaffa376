package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/poppobuilder/poppod/internal/apperrors"
	"github.com/poppobuilder/poppod/internal/client"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Talk to a running poppod daemon over its control socket",
}

func init() {
	clientCmd.PersistentFlags().String("socket", "", "Control socket path (default: <config-dir>/daemon.sock)")

	clientCmd.AddCommand(&cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon is reachable",
		RunE:  runClientSimple("ping"),
	})
	clientCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the daemon's composite status",
		RunE:  runClientSimple("status"),
	})
	clientCmd.AddCommand(&cobra.Command{
		Use:   "queue",
		Short: "Print the task queue's summary stats",
		RunE:  runClientSimple("get-queue-status"),
	})
	clientCmd.AddCommand(&cobra.Command{
		Use:   "projects",
		Short: "List registered projects",
		RunE:  runClientSimple("list-projects"),
	})
	clientCmd.AddCommand(&cobra.Command{
		Use:   "scale <delta>",
		Short: "Force a worker-pool scale by delta (may be negative)",
		Args:  cobra.ExactArgs(1),
		RunE:  runClientScale,
	})
	clientCmd.AddCommand(&cobra.Command{
		Use:   "shutdown",
		Short: "Request a graceful daemon shutdown",
		RunE:  runClientSimple("shutdown"),
	})
}

// socketPath resolves the --socket override, falling back to
// <config-dir>/daemon.sock.
func socketPath(cmd *cobra.Command) string {
	sock, _ := cmd.Flags().GetString("socket")
	if sock != "" {
		return sock
	}
	configDir, _ := cmd.Root().PersistentFlags().GetString("config-dir")
	return filepath.Join(configDir, "daemon.sock")
}

// runClientSimple builds a RunE that issues command with no params and
// prints whatever the daemon returns as indented JSON.
func runClientSimple(command string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c := client.New(socketPath(cmd))
		var out any
		err := c.Call(command, nil, &out)
		return report(out, err)
	}
}

func runClientScale(cmd *cobra.Command, args []string) error {
	delta, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("delta must be an integer: %w", err)
	}
	c := client.New(socketPath(cmd))
	err = c.Scale(delta)
	return report(map[string]any{"requested_delta": delta}, err)
}

// report prints the command's result or its server-reported error kind,
// exiting non-zero on failure (§6: "exit 0 on success, non-zero on
// server-reported error with kind printed").
func report(out any, err error) error {
	if err != nil {
		kind := apperrors.KindOf(err)
		if kind != "" {
			fmt.Fprintf(os.Stderr, "error [%s]: %v\n", kind, err)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
	if out == nil {
		fmt.Println("ok")
		return nil
	}
	enc, encErr := json.MarshalIndent(out, "", "  ")
	if encErr != nil {
		return encErr
	}
	fmt.Println(string(enc))
	return nil
}
