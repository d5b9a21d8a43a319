// fleetctl is the operator CLI for a fleet deployment: it talks straight to
// the broker, so it works against any gateway without an API server in
// between. All output is structured JSON (pipe through jq for formatting).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/agentichq/fleet/internal/broker"
	"github.com/agentichq/fleet/internal/bus"
	"github.com/agentichq/fleet/internal/registry"
	"github.com/agentichq/fleet/pkg/config"
)

const version = "0.1.0"

var (
	redisAddr     string
	redisPassword string
	liveTTL       time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "fleetctl",
		Short:   "Fleet CLI - manage gateways, assignments and bot commands",
		Version: version,
	}

	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", getDefaultRedis(), "Redis broker address")
	rootCmd.PersistentFlags().StringVar(&redisPassword, "redis-password", os.Getenv("FLEET_REDIS_PASSWORD"), "Redis password")
	rootCmd.PersistentFlags().DurationVar(&liveTTL, "live-ttl", 30*time.Second, "Heartbeat TTL used to judge gateway liveness")

	rootCmd.AddCommand(newGatewaysCommand())
	rootCmd.AddCommand(newAssignCommand())
	rootCmd.AddCommand(newUnassignCommand())
	rootCmd.AddCommand(newSendCommand())
	rootCmd.AddCommand(newConnectionCommand("start", bus.KindStartConnection, "Start a bot's connection on its assigned gateway"))
	rootCmd.AddCommand(newConnectionCommand("stop", bus.KindStopConnection, "Stop a bot's connection"))
	rootCmd.AddCommand(newForceCommand())
	rootCmd.AddCommand(newSyncCommand())
	rootCmd.AddCommand(newTagCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getDefaultRedis() string {
	if addr := os.Getenv("FLEET_REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

// connect builds the broker client plus the control-plane handles over it.
func connect() (*redis.Client, *registry.Registry, *bus.Producer, error) {
	cfg := config.DefaultConfig().Broker
	cfg.Addr = redisAddr
	cfg.Password = redisPassword

	rdb, err := broker.NewClient(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("broker at %s: %w", redisAddr, err)
	}
	reg := registry.New(rdb, liveTTL)
	return rdb, reg, bus.NewProducer(rdb, reg, cfg.StreamMaxLen), nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func newGatewaysCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gateways",
		Short: "List registered gateways with liveness and load",
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb, reg, _, err := connect()
			if err != nil {
				return err
			}
			defer rdb.Close()

			infos, err := reg.Gateways(context.Background())
			if err != nil {
				return err
			}
			return printJSON(infos)
		},
	}
}

func newAssignCommand() *cobra.Command {
	var leastLoaded bool

	cmd := &cobra.Command{
		Use:   "assign <bot-id> [gateway-id]",
		Short: "Assign a bot to a gateway (sticky until reassigned)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb, reg, _, err := connect()
			if err != nil {
				return err
			}
			defer rdb.Close()
			ctx := context.Background()

			botID := args[0]
			var gatewayID string
			switch {
			case len(args) == 2:
				gatewayID = args[1]
			case leastLoaded:
				gatewayID, err = reg.LeastLoaded(ctx)
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("provide a gateway id or --least-loaded")
			}

			if err := reg.Assign(ctx, botID, gatewayID); err != nil {
				return err
			}
			return printJSON(map[string]string{"botId": botID, "gatewayId": gatewayID})
		},
	}
	cmd.Flags().BoolVar(&leastLoaded, "least-loaded", false, "Pick the live gateway with the fewest bots")
	return cmd
}

func newUnassignCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unassign <bot-id>",
		Short: "Remove a bot's gateway assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rdb, reg, _, err := connect()
			if err != nil {
				return err
			}
			defer rdb.Close()

			if err := reg.Unassign(context.Background(), args[0]); err != nil {
				return err
			}
			return printJSON(map[string]string{"botId": args[0], "gatewayId": ""})
		},
	}
}

// dispatch publishes one command, waits for the reply unless fire is set,
// and prints the outcome.
func dispatch(botID string, kind bus.Kind, payload interface{}, timeout time.Duration, fire bool) error {
	rdb, _, producer, err := connect()
	if err != nil {
		return err
	}
	defer rdb.Close()
	ctx := context.Background()

	if fire {
		if err := producer.Fire(ctx, botID, kind, payload); err != nil {
			return err
		}
		return printJSON(map[string]interface{}{"delivered": true})
	}

	reply, err := producer.Send(ctx, botID, kind, payload, timeout)
	if err != nil {
		return err
	}
	return printJSON(reply)
}

func newSendCommand() *cobra.Command {
	var (
		payloadJSON string
		timeout     time.Duration
		fire        bool
	)

	cmd := &cobra.Command{
		Use:   "send <bot-id>",
		Short: "Send an outbound payload through a bot's connection",
		Long: `Send an outbound payload through a bot's connection.

The payload is the SEND_PAYLOAD body, e.g.
  fleetctl send bot-1 --payload '{"target":"5511999","text":"hello"}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body bus.SendPayloadBody
			if err := json.Unmarshal([]byte(payloadJSON), &body); err != nil {
				return fmt.Errorf("invalid --payload: %w", err)
			}
			return dispatch(args[0], bus.KindSendPayload, body, timeout, fire)
		},
	}
	cmd.Flags().StringVar(&payloadJSON, "payload", "", "JSON payload body (required)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for the gateway's reply")
	cmd.Flags().BoolVar(&fire, "fire", false, "Fire-and-forget: do not wait for a reply")
	cmd.MarkFlagRequired("payload")
	return cmd
}

func newConnectionCommand(use string, kind bus.Kind, short string) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   use + " <bot-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dispatch(args[0], kind, nil, timeout, false)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for the gateway's reply")
	return cmd
}

func newForceCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "force <bot-id> <session-id>",
		Short: "Flush a session's buffer immediately, bypassing the debounce",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dispatch(args[0], bus.KindForceProcessing, bus.ForcePayload{SessionID: args[1]}, timeout, false)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for the gateway's reply")
	return cmd
}

func newSyncCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sync <bot-id>",
		Short: "Report the owning gateway's view of a bot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dispatch(args[0], bus.KindSyncState, nil, timeout, false)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for the gateway's reply")
	return cmd
}

func newTagCommand() *cobra.Command {
	var (
		botID   string
		timeout time.Duration
	)

	tagCmd := &cobra.Command{
		Use:   "tag",
		Short: "Manage session tags",
	}
	tagCmd.PersistentFlags().StringVar(&botID, "bot", "", "Bot owning the session (required)")
	tagCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for the gateway's reply")
	tagCmd.MarkPersistentFlagRequired("bot")

	tagCmd.AddCommand(&cobra.Command{
		Use:   "add <session-id> <tag>",
		Short: "Attach a tag to a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dispatch(botID, bus.KindAddTag, bus.TagPayload{SessionID: args[0], Tag: args[1]}, timeout, false)
		},
	})
	tagCmd.AddCommand(&cobra.Command{
		Use:   "remove <session-id> <tag>",
		Short: "Detach a tag from a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return dispatch(botID, bus.KindRemoveTag, bus.TagPayload{SessionID: args[0], Tag: args[1]}, timeout, false)
		},
	})
	return tagCmd
}
