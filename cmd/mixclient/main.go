// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// mixclient sends and receives messages over a mix network.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/katzenpost/hpqc/nike"
	nikepem "github.com/katzenpost/hpqc/nike/pem"
	"github.com/katzenpost/hpqc/nike/schemes"
	"github.com/spf13/cobra"

	"github.com/katzenpost/mixclient/client"
	"github.com/katzenpost/mixclient/common"
	"github.com/katzenpost/mixclient/config"
	"github.com/katzenpost/mixclient/core/log"
	"github.com/katzenpost/mixclient/core/pki"
	"github.com/katzenpost/mixclient/core/sphinx"
	"github.com/katzenpost/mixclient/gateway"
	"github.com/katzenpost/mixclient/internal/instrument"
	"github.com/katzenpost/mixclient/internal/profiling"
)

const dialTimeout = 30 * time.Second

// Flags holds the command line configuration shared by every subcommand.
type Flags struct {
	ConfigFile string
}

func newRootCommand() *cobra.Command {
	var flags Flags

	cmd := &cobra.Command{
		Use:   "mixclient",
		Short: "Mix network message client",
		Long: `mixclient sends and receives messages over a mix network.

Messages are split into fixed size Sphinx packets, routed through the mix
network to the recipient's gateway, and acknowledged through single use
reply blocks. Lost fragments are retransmitted, and every packet leaves at
the rate set by the network's topology document, padded out with loop and
drop decoys.`,
		Example: `  # Run the client, logging received messages
  mixclient run --config client.toml

  # Send a file and wait for it to be acknowledged
  mixclient send -c client.toml --to <recipient>@<gateway> --file note.txt

  # Exchange a message between two clients on a simulated network
  mixclient simulate --size 100000`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.ConfigFile, "config", "c", "mixclient.toml",
		"path to the client configuration file (TOML format)")

	cmd.AddCommand(
		newRunCommand(&flags),
		newSendCommand(&flags),
		newGenKeyCommand(&flags),
		newAddressCommand(&flags),
		newSimulateCommand(),
	)
	return cmd
}

func main() {
	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		if nProcs, nCPU := runtime.GOMAXPROCS(0), runtime.NumCPU(); nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}
	common.ExecuteWithFang(newRootCommand())
}

func newRunCommand(flags *Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the client until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context(), flags)
		},
	}
}

// node is a started client and its ambient state.
type node struct {
	cfg        *config.Config
	logBackend *log.Backend
	client     *client.Client
	stopProf   func() error
}

func (n *node) shutdown() {
	n.client.Shutdown()
	if n.stopProf != nil {
		if err := n.stopProf(); err != nil {
			n.logBackend.GetLogger("main").Warningf("Failed to stop the profiler: %v", err)
		}
	}
}

func loadConfig(flags *Flags) (*config.Config, error) {
	cfg, err := config.LoadFile(flags.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", flags.ConfigFile, err)
	}
	return cfg, nil
}

func loadIdentity(cfg *config.Config) (nike.PublicKey, error) {
	scheme := schemes.ByName(cfg.Sphinx.NIKE)
	if scheme == nil {
		return nil, fmt.Errorf("unsupported NIKE '%v'", cfg.Sphinx.NIKE)
	}
	if cfg.Client.IdentityKeyFile == "" {
		return nil, fmt.Errorf("no identity key file, set Client.DataDir or Client.IdentityKeyFile")
	}
	priv, err := nikepem.FromPrivatePEMFile(cfg.Client.IdentityKeyFile, scheme)
	if err != nil {
		return nil, fmt.Errorf("failed to load the identity key, run `mixclient genkey` first: %v", err)
	}
	return priv.Public(), nil
}

func loadDocument(cfg *config.Config) (*pki.Document, error) {
	b, err := os.ReadFile(cfg.PKI.DocumentFile)
	if err != nil {
		return nil, err
	}
	return pki.ParseDocument(b)
}

// startNode dials the configured gateway and starts a client on it.
func startNode(ctx context.Context, flags *Flags) (*node, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %v", err)
	}
	mainLog := logBackend.GetLogger("main")

	identity, err := loadIdentity(cfg)
	if err != nil {
		return nil, err
	}
	doc, err := loadDocument(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load the topology document: %v", err)
	}

	if cfg.Gateway.Address == "" || cfg.Gateway.SharedKey == "" {
		return nil, fmt.Errorf("config: Gateway: Address and SharedKey must be set to connect")
	}
	key, err := cfg.Gateway.Key()
	if err != nil {
		return nil, err
	}
	scheme := schemes.ByName(cfg.Sphinx.NIKE)
	geo := sphinx.GeometryFromForwardPayloadLength(scheme, cfg.Sphinx.ForwardPayloadLength, cfg.Sphinx.Hops)
	sealer, err := gateway.NewSealer(key, geo.PacketLength)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	mainLog.Noticef("Connecting to gateway %s at %s", cfg.Gateway.Name, cfg.Gateway.Address)
	transport, err := gateway.DialQUIC(dialCtx, logBackend.GetLogger("quic"), cfg.Gateway.Address, sealer, gateway.ClientTLSConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the gateway: %v", err)
	}

	c, err := client.New(cfg, logBackend, transport, doc, identity, nil)
	if err != nil {
		transport.Close()
		return nil, err
	}
	n := &node{cfg: cfg, logBackend: logBackend, client: c}

	if cfg.Client.MetricsAddress != "" {
		instrument.Init()
		instrument.StartPrometheusListener(cfg.Client.MetricsAddress, mainLog)
	}
	if cfg.Debug.EnableProfiling {
		if n.stopProf, err = profiling.Start(mainLog, c.Self().String()); err != nil {
			mainLog.Errorf("Failed to start the profiler: %v", err)
		}
	}

	if err = c.Start(); err != nil {
		n.shutdown()
		return nil, err
	}
	mainLog.Noticef("Our address is %s", c.Self())
	return n, nil
}

func runClient(ctx context.Context, flags *Flags) error {
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	n, err := startNode(ctx, flags)
	if err != nil {
		return err
	}
	defer n.shutdown()
	mainLog := n.logBackend.GetLogger("main")

	for {
		select {
		case <-haltCh:
			mainLog.Notice("Received a signal, shutting down")
			return nil
		case <-rotateCh:
			if err := n.logBackend.Rotate(); err != nil {
				mainLog.Errorf("Failed to rotate the log: %v", err)
			}
		case m := <-n.client.Receive():
			mainLog.Noticef("Received message %s: %d bytes", m.ID, len(m.Payload))
			fmt.Printf("%s %s %q\n", m.ReceivedAt.Format(time.RFC3339), m.ID, m.Payload)
			if err := n.client.DeleteMessage(m.ID); err != nil {
				mainLog.Errorf("Failed to delete message %s: %v", m.ID, err)
			}
		case e := <-n.client.Events():
			mainLog.Info(e.String())
		}
	}
}
