// config_test.go - mixclient configuration tests.
// Copyright (C) 2017  Yawning Angel
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/mixclient/core/retry"
)

const basicConfig = `# A basic configuration example.
[Client]
DataDir = "/var/lib/mixclient"

[Logging]
Level = "debug"

[Gateway]
Name = "gateway-0"
Address = "127.0.0.1:29483"
SharedKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

[PKI]
DocumentFile = "/var/lib/mixclient/document.cbor"
`

func TestConfig(t *testing.T) {
	require := require.New(t)

	_, err := Load(nil)
	require.Error(err, "Load() with nil config")

	cfg, err := Load([]byte(basicConfig))
	require.NoError(err, "Load() with basic config")

	require.Equal("DEBUG", cfg.Logging.Level)
	require.Equal("x25519", cfg.Sphinx.NIKE)
	require.Equal(4, cfg.Sphinx.Hops)
	require.Equal(defaultForwardPayloadLength, cfg.Sphinx.ForwardPayloadLength)
	require.Equal(defaultMaxRetransmissions, cfg.Reliability.MaxRetransmissions)
	require.Equal(RoutePerFragment, cfg.Reliability.RoutePolicy)
	require.Equal(2*defaultStaleAfter, cfg.Reassembly.TombstoneLifetime)
	require.Equal(filepath.Join("/var/lib/mixclient", defaultInboxDB), cfg.Inbox.Path)
	require.Equal(filepath.Join("/var/lib/mixclient", defaultIdentityKey), cfg.Client.IdentityKeyFile)
	require.False(cfg.Debug.IsUnsafe())

	policy := cfg.Reliability.BackoffPolicy()
	require.Equal(retry.Exponential, policy.Kind)
	require.Equal(500*time.Millisecond, policy.Base)
	require.Equal(10*time.Second, policy.Max)

	key, err := cfg.Gateway.Key()
	require.NoError(err)
	require.Len(key, 32)
	require.Equal(byte(0x1f), key[31])
}

func TestConfigErrors(t *testing.T) {
	for name, body := range map[string]string{
		"no gateway":      "[PKI]\nDocumentFile = \"doc\"\n",
		"no pki":          "[Gateway]\nName = \"gw\"\n",
		"relative dir":    "[Client]\nDataDir = \"relative\"\n[Gateway]\nName = \"gw\"\n[PKI]\nDocumentFile = \"doc\"\n",
		"bad level":       "[Logging]\nLevel = \"LOUD\"\n[Gateway]\nName = \"gw\"\n[PKI]\nDocumentFile = \"doc\"\n",
		"bad nike":        "[Sphinx]\nNIKE = \"rot13\"\n[Gateway]\nName = \"gw\"\n[PKI]\nDocumentFile = \"doc\"\n",
		"bad key":         "[Gateway]\nName = \"gw\"\nSharedKey = \"abcd\"\n[PKI]\nDocumentFile = \"doc\"\n",
		"bad policy":      "[Reliability]\nRoutePolicy = \"random\"\n[Gateway]\nName = \"gw\"\n[PKI]\nDocumentFile = \"doc\"\n",
		"bad backoff":     "[Reliability]\nBackoff = \"linear\"\n[Gateway]\nName = \"gw\"\n[PKI]\nDocumentFile = \"doc\"\n",
		"negative rate":   "[Cover]\nLambdaP = -1.0\n[Gateway]\nName = \"gw\"\n[PKI]\nDocumentFile = \"doc\"\n",
		"short tombstone": "[Reassembly]\nStaleAfter = 60000\nTombstoneLifetime = 1000\n[Gateway]\nName = \"gw\"\n[PKI]\nDocumentFile = \"doc\"\n",
		"undecoded field": "[Gateway]\nName = \"gw\"\nColour = \"blue\"\n[PKI]\nDocumentFile = \"doc\"\n",
	} {
		_, err := Load([]byte(body))
		require.Error(t, err, name)
	}
}

func TestLoadFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "client.toml")
	require.NoError(t, os.WriteFile(f, []byte(basicConfig), 0600))
	cfg, err := LoadFile(f)
	require.NoError(t, err)
	require.Equal(t, "gateway-0", cfg.Gateway.Name)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestDisableRetransmissions(t *testing.T) {
	cfg, err := Load([]byte(basicConfig + "\n[Reliability]\nDisableRetransmissions = true\nMaxRetransmissions = 3\n"))
	require.NoError(t, err)
	require.Equal(t, 0, cfg.Reliability.MaxRetransmissions)
}
