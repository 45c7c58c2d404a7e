// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"errors"
	"fmt"

	nikepem "github.com/katzenpost/hpqc/nike/pem"
	"github.com/katzenpost/hpqc/nike/schemes"
	"github.com/spf13/cobra"

	"github.com/katzenpost/mixclient/address"
	"github.com/katzenpost/mixclient/common"
)

func newGenKeyCommand(flags *Flags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate the identity key",
		Long: `Genkey writes a fresh identity private key to the configured
IdentityKeyFile.  The recipient part of the client's address is derived from
this key, so replacing it changes the address.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			f := cfg.Client.IdentityKeyFile
			if f == "" {
				return errors.New("no identity key file, set Client.DataDir or Client.IdentityKeyFile")
			}
			scheme := schemes.ByName(cfg.Sphinx.NIKE)
			pub, err := common.WriteIdentityKey(f, scheme, force)
			if errors.Is(err, common.ErrKeyExists) {
				return fmt.Errorf("%v, use --force to replace it", err)
			}
			if err != nil {
				return err
			}
			recipient := address.RecipientFromKey(pub)
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n%s\n", f, common.ShortPEM(nikepem.ToPublicPEMString(pub, scheme)))
			fmt.Fprintf(cmd.OutOrStdout(), "recipient %x\n", recipient)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing key")
	return cmd
}

func newAddressCommand(flags *Flags) *cobra.Command {
	return &cobra.Command{
		Use:   "address",
		Short: "Print the client's address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			identity, err := loadIdentity(cfg)
			if err != nil {
				return err
			}
			doc, err := loadDocument(cfg)
			if err != nil {
				return err
			}
			gw, err := doc.GetGateway(cfg.Gateway.Name)
			if err != nil {
				return err
			}
			gwID := gw.IDHash()
			recipient := address.RecipientFromKey(identity)
			fmt.Fprintln(cmd.OutOrStdout(), address.New(&recipient, &gwID))
			return nil
		},
	}
}
