// Command meshctl is the operator CLI for a running meshd instance.
package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

func main() {
	var socketPath string

	root := &cobra.Command{
		Use:     "meshctl",
		Short:   "control a running meshd instance",
		Version: version,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "/var/run/meshwire/meshd.sock", "meshd control socket")

	root.AddCommand(
		newStatusCmd(&socketPath),
		newPeersCmd(&socketPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newStatusCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return controlRequest(*socketPath, "status\n")
		},
	}
}

func newPeersCmd(socketPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "list known peers and their reachability/MTU state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return controlRequest(*socketPath, "peers\n")
		},
	}
}

// controlRequest sends a one-line command to meshd's control socket and
// prints the response. The control socket is a simple line-oriented
// protocol, separate from the datapath.
func controlRequest(socketPath, command string) error {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return fmt.Errorf("meshctl: connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(command)); err != nil {
		return fmt.Errorf("meshctl: send command: %w", err)
	}

	buf := make([]byte, 65536)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("meshctl: read response: %w", err)
	}
	fmt.Print(string(buf[:n]))
	return nil
}
