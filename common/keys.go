// SPDX-FileCopyrightText: © 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package common

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/katzenpost/hpqc/nike"
	nikepem "github.com/katzenpost/hpqc/nike/pem"
)

// ErrKeyExists is returned by WriteIdentityKey when the key file is present
// and replacing it was not requested.
var ErrKeyExists = errors.New("identity key file already exists")

// WriteIdentityKey generates a key pair for scheme and writes the private
// half to f as PEM.
func WriteIdentityKey(f string, scheme nike.Scheme, replace bool) (nike.PublicKey, error) {
	if _, err := os.Stat(f); err == nil && !replace {
		return nil, fmt.Errorf("%w: %s", ErrKeyExists, f)
	}
	pub, priv, err := scheme.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(filepath.Dir(f), 0700); err != nil {
		return nil, err
	}
	if err = nikepem.PrivateKeyToFile(f, priv, scheme); err != nil {
		return nil, err
	}
	return pub, nil
}

// ShortPEM keeps the header and first data line of a PEM block.
func ShortPEM(s string) string {
	s = strings.TrimSpace(s)
	lines := strings.SplitN(s, "\n", 3)
	if len(lines) < 3 {
		return s
	}
	return lines[0] + "\n" + lines[1] + "\n..."
}
