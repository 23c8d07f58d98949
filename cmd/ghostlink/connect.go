package main

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opd-ai/ghostlink/bitstream"
	"github.com/opd-ai/ghostlink/config"
	"github.com/opd-ai/ghostlink/connection"
	"github.com/opd-ai/ghostlink/internal/demo"
	"github.com/opd-ai/ghostlink/netif"
	"github.com/opd-ai/ghostlink/transport"
	"github.com/spf13/cobra"
)

type connectOptions struct {
	server    string
	name      string
	encrypt   bool
	say       []string
	velocity  []float32
	duration  time.Duration
	reportInt time.Duration
}

func connectCmd() *cobra.Command {
	var (
		o          connectOptions
		configPath string
	)
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Join an arena server and print what the client sees",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Log.Apply(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runClient(ctx, cmd.OutOrStdout(), cfg, o)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "ghostlink.yaml", "configuration file")
	cmd.Flags().StringVarP(&o.server, "server", "s", "127.0.0.1:28000", "server address")
	cmd.Flags().StringVarP(&o.name, "name", "n", "player", "player name")
	cmd.Flags().BoolVar(&o.encrypt, "encrypt", false, "request key exchange")
	cmd.Flags().StringArrayVar(&o.say, "say", nil, "chat line to send once connected (repeatable)")
	cmd.Flags().Float32SliceVar(&o.velocity, "velocity", nil, "x,y,z velocity to steer to once connected")
	cmd.Flags().DurationVarP(&o.duration, "duration", "d", 10*time.Second, "how long to stay connected, 0 for until interrupted")
	cmd.Flags().DurationVar(&o.reportInt, "report", 2*time.Second, "interval between view reports")
	return cmd
}

func runClient(ctx context.Context, out io.Writer, cfg *config.Config, o connectOptions) error {
	addr, err := netip.ParseAddrPort(o.server)
	if err != nil {
		return fmt.Errorf("server address: %w", err)
	}
	if o.reportInt <= 0 {
		return fmt.Errorf("report interval must be positive")
	}
	if o.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.duration)
		defer cancel()
	}

	sock, err := transport.ListenUDP(":0")
	if err != nil {
		return err
	}
	ifc, err := netif.New(sock, netif.Options{})
	if err != nil {
		sock.Close()
		return err
	}
	defer ifc.Close()

	player := demo.NewClient(o.name)
	player.OnChat = func(from, text string) {
		fmt.Fprintf(out, "<%s> %s\n", from, text)
	}
	cfg.Apply(player.Connection())
	if err := ifc.Connect(player.Connection(), addr, o.encrypt, false); err != nil {
		return err
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	report := time.NewTicker(o.reportInt)
	defer report.Stop()
	greeted := false

	for {
		select {
		case <-ctx.Done():
			if player.Connection().State() == connection.Connected {
				player.Connection().Disconnect(connection.ReasonSelfDisconnect, "Client quit")
			}
			return nil
		case <-report.C:
			printView(out, player)
		case <-ticker.C:
			ifc.CheckIncomingPackets()
			ifc.ProcessConnections()
		}

		if player.Ended {
			return fmt.Errorf("connection ended: %s: %s", player.EndReason, player.EndText)
		}
		if !greeted && player.Connection().State() == connection.Connected {
			greeted = true
			fmt.Fprintf(out, "connected to %s as %s (encrypted: %t)\n", addr, o.name, player.Connection().IsEncrypted())
			if err := greet(player, o); err != nil {
				return err
			}
		}
	}
}

func greet(p *demo.Player, o connectOptions) error {
	for _, line := range o.say {
		if err := p.Say(line); err != nil {
			return fmt.Errorf("say: %w", err)
		}
	}
	if len(o.velocity) == 0 {
		return nil
	}
	if len(o.velocity) != 3 {
		return fmt.Errorf("velocity needs three components, got %d", len(o.velocity))
	}
	return p.Steer(bitstream.Point3F{X: o.velocity[0], Y: o.velocity[1], Z: o.velocity[2]})
}

func printView(out io.Writer, p *demo.Player) {
	c := p.Connection()
	if c.State() != connection.Connected {
		fmt.Fprintf(out, "state: %s\n", c.State())
		return
	}
	fmt.Fprintf(out, "rtt %s, %d ships in view\n", c.RoundTripTime().Round(time.Millisecond), len(p.Replicas()))
	for _, s := range p.Replicas() {
		fmt.Fprintf(out, "  %-16s (%8.2f, %8.2f, %8.2f) score %d\n", s.Name, s.Position.X, s.Position.Y, s.Position.Z, s.Score)
	}
}
