// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/katzenpost/mixclient/address"
)

func newSendCommand(flags *Flags) *cobra.Command {
	var (
		to      string
		file    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send one message and wait for its acknowledgement",
		Long: `Send reads the message from the argument, from --file, or from stdin
when neither is given, and exits once every fragment was acknowledged.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dst, err := address.Parse(to)
			if err != nil {
				return fmt.Errorf("invalid address '%v': %v", to, err)
			}
			var payload []byte
			switch {
			case len(args) == 1:
				payload = []byte(args[0])
			case file != "":
				if payload, err = os.ReadFile(file); err != nil {
					return err
				}
			default:
				if payload, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return err
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			n, err := startNode(ctx, flags)
			if err != nil {
				return err
			}
			defer n.shutdown()

			h, err := n.client.Send(ctx, payload, dst)
			if err != nil {
				return err
			}
			if err = h.Wait(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "message %s delivered\n", h.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&to, "to", "t", "", "recipient address, `<recipient>@<gateway>` or `self`")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the message from a file")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up after this long")
	cmd.MarkFlagRequired("to")
	return cmd
}
