// Command kvrd runs the key-value server.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/faiyaz/kvrd/internal/server"
	"github.com/spf13/cobra"
)

var (
	port      int
	replicaOf string
)

var rootCmd = &cobra.Command{
	Use:           "kvrd",
	Short:         "kvrd is a minimal RESP-compatible key-value server with primary/replica replication",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().IntVar(&port, "port", 6379, "port to listen on")
	rootCmd.Flags().StringVar(&replicaOf, "replicaof", "", `replicate from "<host> <port>" instead of starting as primary`)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := server.DefaultConfig()
	cfg.Port = port

	if replicaOf != "" {
		host, replPort, err := parseReplicaOf(replicaOf)
		if err != nil {
			return err
		}
		cfg.ReplicaOfHost = host
		cfg.ReplicaOfPort = replPort
	}

	srv := server.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("received shutdown signal")
		cancel()
	}()

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	srv.Shutdown()
	return nil
}

// parseReplicaOf splits "<host> <port>" as accepted by --replicaof.
func parseReplicaOf(s string) (string, int, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return "", 0, fmt.Errorf(`--replicaof expects "<host> <port>", got %q`, s)
	}
	p, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", 0, fmt.Errorf("--replicaof: invalid port %q", fields[1])
	}
	return fields[0], p, nil
}
