// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/katzenpost/hpqc/nike/schemes"
	"github.com/katzenpost/hpqc/rand"
	"github.com/spf13/cobra"

	"github.com/katzenpost/mixclient/address"
	"github.com/katzenpost/mixclient/client"
	"github.com/katzenpost/mixclient/config"
	"github.com/katzenpost/mixclient/core/log"
	"github.com/katzenpost/mixclient/core/sphinx"
	"github.com/katzenpost/mixclient/gateway"
	"github.com/katzenpost/mixclient/internal/simnet"
)

type simulateFlags struct {
	size      int
	loss      float64
	unpaced   bool
	nike      string
	fpl       int
	level     string
	timeout   time.Duration
	exportDoc string
}

func newSimulateCommand() *cobra.Command {
	var flags simulateFlags
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Exchange a message between two clients on a simulated network",
		Long: `Simulate generates a small topology, routes packets through it in
process, and sends one random message from alice to bob.  It needs no
configuration file, and exercises fragmentation, acknowledgements,
retransmission under --loss, and the cover traffic processes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cmd.Context(), cmd.OutOrStdout(), &flags)
		},
	}
	cmd.Flags().IntVar(&flags.size, "size", 10000, "message size in bytes")
	cmd.Flags().Float64Var(&flags.loss, "loss", 0, "probability of losing each delivery")
	cmd.Flags().BoolVar(&flags.unpaced, "unpaced", false, "disable cover traffic and send immediately")
	cmd.Flags().StringVar(&flags.nike, "nike", "x25519", "Sphinx NIKE scheme")
	cmd.Flags().IntVar(&flags.fpl, "payload-length", 2048, "Sphinx forward payload length")
	cmd.Flags().StringVar(&flags.level, "log-level", "NOTICE", "log level")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 5*time.Minute, "give up after this long")
	cmd.Flags().StringVar(&flags.exportDoc, "export-document", "", "also write the generated topology document to this file")
	return cmd
}

func simulationConfig(flags *simulateFlags) (*config.Config, error) {
	cfg := &config.Config{
		Logging: &config.Logging{Level: flags.level},
		Sphinx: &config.Sphinx{
			NIKE:                 flags.nike,
			ForwardPayloadLength: flags.fpl,
		},
		Reliability: &config.Reliability{
			AckRoundTripSlop: 2000,
		},
		Gateway: &config.Gateway{Name: "gateway-0"},
		PKI:     &config.PKI{DocumentFile: "simulated"},
		Inbox:   &config.Inbox{Disable: true},
		Debug:   &config.Debug{DisableCoverTraffic: flags.unpaced},
	}
	return cfg, cfg.FixupAndValidate()
}

func runSimulation(ctx context.Context, out io.Writer, flags *simulateFlags) error {
	cfg, err := simulationConfig(flags)
	if err != nil {
		return err
	}
	logBackend, err := log.New("", cfg.Logging.Level, false)
	if err != nil {
		return err
	}
	mainLog := logBackend.GetLogger("simulate")

	scheme := schemes.ByName(cfg.Sphinx.NIKE)
	topo, err := simnet.New(scheme, simnet.DefaultParams())
	if err != nil {
		return err
	}
	if flags.exportDoc != "" {
		b, err := topo.Document.Serialize()
		if err != nil {
			return err
		}
		if err = os.WriteFile(flags.exportDoc, b, 0600); err != nil {
			return err
		}
	}

	s := sphinx.NewSphinx(scheme, sphinx.GeometryFromForwardPayloadLength(scheme, cfg.Sphinx.ForwardPayloadLength, cfg.Sphinx.Hops))
	network := gateway.NewLoopback(logBackend.GetLogger("network"), s, topo.Keys)
	defer network.Halt()
	network.SetLossRate(flags.loss)

	newClient := func(name string) (*client.Client, error) {
		pub, _, err := scheme.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		gw, err := topo.Document.GetGateway(cfg.Gateway.Name)
		if err != nil {
			return nil, err
		}
		gwID := gw.IDHash()
		recipient := address.RecipientFromKey(pub)
		c, err := client.New(cfg, logBackend, network.Connect(&gwID, &recipient), topo.Document, pub, nil)
		if err != nil {
			return nil, err
		}
		mainLog.Noticef("%s is %s", name, c.Self())
		return c, c.Start()
	}
	alice, err := newClient("alice")
	if err != nil {
		return err
	}
	defer alice.Shutdown()
	bob, err := newClient("bob")
	if err != nil {
		return err
	}
	defer bob.Shutdown()

	msg := make([]byte, flags.size)
	if _, err = io.ReadFull(rand.Reader, msg); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, flags.timeout)
	defer cancel()
	start := time.Now()
	h, err := alice.Send(ctx, msg, bob.Self())
	if err != nil {
		return err
	}

	var (
		received  *client.Message
		delivered bool
	)
	doneCh := h.Done()
	for received == nil || !delivered {
		select {
		case <-ctx.Done():
			return fmt.Errorf("simulation timed out: received %v, delivered %v", received != nil, delivered)
		case m := <-bob.Receive():
			if !bytes.Equal(m.Payload, msg) {
				return fmt.Errorf("bob received a corrupted message %s", m.ID)
			}
			received = m
			fmt.Fprintf(out, "bob received %d bytes after %v\n", len(m.Payload), time.Since(start).Round(time.Millisecond))
		case <-doneCh:
			if err := h.Err(); err != nil {
				return err
			}
			delivered = true
			doneCh = nil
			fmt.Fprintf(out, "alice's message was acknowledged after %v\n", time.Since(start).Round(time.Millisecond))
		case e := <-alice.Events():
			mainLog.Infof("alice: %s", e)
		case e := <-bob.Events():
			mainLog.Infof("bob: %s", e)
		}
	}
	return nil
}
