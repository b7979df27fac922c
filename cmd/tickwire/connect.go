package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tickwire/tickwire/internal/client"
	"github.com/tickwire/tickwire/internal/endpoints"
	"github.com/tickwire/tickwire/internal/protocol"
)

func connectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to the protocol endpoint and stream events",
		Long: "Dial the demo or live endpoint over TLS, keep the connection alive with " +
			"heartbeats, and log every unsolicited envelope until interrupted or the " +
			"connection is lost. Reconnecting is left to the operator.",
		RunE: runConnect,
	}
	cmd.Flags().String("env", "demo", "protocol environment (demo or live)")
	cmd.Flags().String("addr", "", "host:port override for the protocol endpoint")
	cmd.Flags().Duration("dial-timeout", 0, "total dial budget including retries (0 = single attempt)")
	cmd.Flags().Duration("heartbeat-interval", 10*time.Second, "idle keep-alive interval")
	cmd.Flags().Int("msg-per-sec", 5, "outbound message rate cap (0 = unlimited)")
	return cmd
}

func runConnect(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := resolveLogger(cmd)
	m, err := resolveMetrics(ctx, cmd, logger)
	if err != nil {
		return err
	}

	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		envName, _ := cmd.Flags().GetString("env")
		env, err := endpoints.ParseEnvironment(envName)
		if err != nil {
			return err
		}
		addr = env.Addr()
	}
	dialTimeout, _ := cmd.Flags().GetDuration("dial-timeout")
	heartbeat, _ := cmd.Flags().GetDuration("heartbeat-interval")
	msgPerSec, _ := cmd.Flags().GetInt("msg-per-sec")

	c := client.New(client.Config{
		Addr:              addr,
		HeartbeatInterval: heartbeat,
		MessagesPerSecond: msgPerSec,
		Metrics:           m,
		Logger:            logger,
	})
	defer c.Close()

	c.SubscribeEvents(func(env *protocol.Envelope) {
		logger.Info("event",
			"payload_type", env.PayloadType,
			"payload_bytes", len(env.Payload),
			"client_msg_id", env.ClientMsgID)
	})

	if err := c.ConnectWithRetry(ctx, dialTimeout, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Connected to %s. Streaming events; Ctrl-C to stop.\n", addr)

	select {
	case <-ctx.Done():
		return nil
	case <-c.Done():
		return fmt.Errorf("connection to %s lost", addr)
	}
}
