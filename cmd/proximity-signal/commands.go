package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/proximity-signal/internal/config"
	"github.com/chaz8081/proximity-signal/internal/gateway"
	"github.com/chaz8081/proximity-signal/internal/proximity"
	"github.com/chaz8081/proximity-signal/internal/token"
)

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the proximity call surface over WebSocket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if addr != "" {
				cfg.Gateway.Addr = addr
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			rt, err := openRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			if cfg.Broadcast.Token != "" {
				if err := rt.svc.StartBroadcast(cfg.Broadcast.Token, cfg.ServiceUUID, cfg.Broadcast.TxPower); err != nil {
					return fmt.Errorf("broadcast: %w", err)
				}
			}
			if len(cfg.Scan.Targets) > 0 || cfg.Scan.AllowAll {
				if err := rt.svc.StartScan(cfg.Scan.Targets, cfg.ServiceUUID, cfg.Scan.AllowAll); err != nil {
					return fmt.Errorf("scan: %w", err)
				}
			}

			srv := gateway.NewServer(rt.svc, rt.bus, cfg.Gateway.Addr)
			return srv.Start(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address; overrides gateway.addr")
	return cmd
}

func newBroadcastCmd(a *app) *cobra.Command {
	var (
		service string
		txPower int
	)
	cmd := &cobra.Command{
		Use:   "broadcast [token]",
		Short: "Advertise a token until interrupted",
		Long:  "Advertise a token (hex or base64url) until interrupted. Without an argument broadcast.token is used.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			tok := cfg.Broadcast.Token
			if len(args) == 1 {
				tok = args[0]
			}
			if tok == "" {
				return fmt.Errorf("no token given and broadcast.token is empty")
			}
			if service == "" {
				service = cfg.ServiceUUID
			}
			hint := cfg.Broadcast.TxPower
			if cmd.Flags().Changed("tx-power") {
				hint = &txPower
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			rt, err := openRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			unsub := rt.bus.Subscribe(func(ev proximity.Event) {
				if ev.Error != nil {
					slog.Error("[ADV] "+ev.Error.Kind, "message", ev.Error.Message)
				}
			})
			defer unsub()

			if err := rt.svc.StartBroadcast(tok, service, hint); err != nil {
				return err
			}
			slog.Info("[ADV] broadcasting, Ctrl+C to stop", "service", service)
			<-ctx.Done()
			rt.svc.StopBroadcast()
			return nil
		},
	}
	cmd.Flags().StringVarP(&service, "service", "s", "", "service UUID; overrides service_uuid")
	cmd.Flags().IntVar(&txPower, "tx-power", 0, "TX power hint in dBm (>=3 high, <=-6 low, else medium)")
	return cmd
}

func newScanCmd(a *app) *cobra.Command {
	var (
		service  string
		allowAll bool
	)
	cmd := &cobra.Command{
		Use:   "scan [target...]",
		Short: "Print proximity events as JSON lines until interrupted",
		Long:  "Scan for up to 5 target tokens and print each match as a JSON line. Without arguments scan.targets is used.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			targets := cfg.Scan.Targets
			if len(args) > 0 {
				targets = args
			}
			if !cmd.Flags().Changed("allow-all") {
				allowAll = cfg.Scan.AllowAll
			}
			if service == "" {
				service = cfg.ServiceUUID
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			rt, err := openRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			unsub := rt.bus.Subscribe(func(ev proximity.Event) {
				if err := enc.Encode(ev); err != nil {
					slog.Error("[SCAN] write event", "error", err)
				}
			})
			defer unsub()

			if err := rt.svc.StartScan(targets, service, allowAll); err != nil {
				return err
			}
			slog.Info("[SCAN] scanning, Ctrl+C to stop", "service", service, "targets", len(targets), "allow_all", allowAll)
			<-ctx.Done()
			rt.svc.StopScan()
			return nil
		},
	}
	cmd.Flags().StringVarP(&service, "service", "s", "", "service UUID; overrides service_uuid")
	cmd.Flags().BoolVar(&allowAll, "allow-all", false, "accept every advertisement (debug)")
	return cmd
}

func newDiscoverCmd(a *app) *cobra.Command {
	var (
		timeout time.Duration
		settle  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "discover <deviceId>",
		Short: "Connect to a device and print its GATT services and characteristics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if timeout <= 0 {
				timeout = cfg.Discovery.Timeout
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			rt, err := openRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			// Let the radio report readiness before connecting.
			if err := waitReady(ctx, rt.svc, settle); err != nil {
				return err
			}
			dump, err := rt.svc.DebugDiscoverServices(ctx, args[0], timeout)
			if err != nil {
				return fmt.Errorf("%s: %w", proximity.Code(err), err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), dump)
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "discovery timeout; overrides discovery.timeout")
	cmd.Flags().DurationVar(&settle, "settle", 3*time.Second, "how long to wait for the radio to power on")
	return cmd
}

// waitReady polls until the radio is usable, it reports a terminal state, or
// limit elapses.
func waitReady(ctx context.Context, svc *proximity.Service, limit time.Duration) error {
	deadline := time.Now().Add(limit)
	for svc.State().Pending() && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <text>...",
		Short: "Print the canonical hex form of hex or base64url tokens",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, arg := range args {
				h, err := token.NormalizeToHex(arg)
				if err != nil {
					return fmt.Errorf("%q: %w", arg, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), h)
			}
			return nil
		},
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default config file if none exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "config already exists at %s\n", config.DefaultConfigPath())
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
}
