// config.go - mixclient configuration.
// Copyright (C) 2017  Yawning Angel.
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

// Package config provides the mixclient configuration.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/katzenpost/hpqc/nike/schemes"

	"github.com/katzenpost/mixclient/core/log"
	"github.com/katzenpost/mixclient/core/retry"
	"github.com/katzenpost/mixclient/core/sphinx/constants"
)

const (
	defaultLogLevel             = "NOTICE"
	defaultNIKE                 = "x25519"
	defaultForwardPayloadLength = 2048
	defaultMaxRetransmissions   = 5
	defaultAckRoundTripSlop     = 10 * 1000 // 10 sec.
	defaultBackoffBase          = 500       // 500 ms.
	defaultBackoffMax           = 10 * 1000 // 10 sec.
	defaultBackoffJitter        = 0.2
	defaultMaxPending           = 4096
	defaultStaleAfter           = 10 * 60 * 1000 // 10 min.
	defaultSweepInterval        = 30 * 1000      // 30 sec.
	defaultMaxBuffers           = 4096
	defaultLoopSlop             = 30 * 1000 // 30 sec.
	defaultMaxBatch             = 16
	defaultMaxFailureCount      = 100
	defaultInboxDB              = "inbox.db"
	defaultIdentityKey          = "identity.private.pem"

	// RoutePerFragment selects a fresh route for every fragment.
	RoutePerFragment = "per-fragment"

	// RoutePerMessage reuses one route for every fragment of a message.
	RoutePerMessage = "per-message"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Client is the client's local state configuration.
type Client struct {
	// DataDir is the absolute path to the client's state files.
	DataDir string

	// IdentityKeyFile is the PEM encoded NIKE private key the recipient ID
	// is derived from.  If left empty it will use `identity.private.pem`
	// under the DataDir.
	IdentityKeyFile string

	// MetricsAddress is the address the prometheus metrics are served on,
	// if set.
	MetricsAddress string
}

func (cCfg *Client) applyDefaults() {
	if cCfg.IdentityKeyFile == "" && cCfg.DataDir != "" {
		cCfg.IdentityKeyFile = filepath.Join(cCfg.DataDir, defaultIdentityKey)
	}
}

func (cCfg *Client) validate() error {
	if cCfg.DataDir != "" && !filepath.IsAbs(cCfg.DataDir) {
		return fmt.Errorf("config: Client: DataDir '%v' is not an absolute path", cCfg.DataDir)
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	if lCfg.Level == "" {
		lCfg.Level = defaultLogLevel
	}
	if err := log.ValidateLevel(lCfg.Level); err != nil {
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = strings.ToUpper(lCfg.Level)
	return nil
}

// Sphinx is the packet format configuration.
type Sphinx struct {
	// NIKE is the name of the per-hop key exchange scheme.
	NIKE string

	// Hops is the number of hops of every route, including the terminal
	// gateway.
	Hops int

	// ForwardPayloadLength is the packet payload size in bytes.
	ForwardPayloadLength int
}

func (sCfg *Sphinx) applyDefaults() {
	if sCfg.NIKE == "" {
		sCfg.NIKE = defaultNIKE
	}
	if sCfg.Hops == 0 {
		sCfg.Hops = constants.DefaultNrHops
	}
	if sCfg.ForwardPayloadLength == 0 {
		sCfg.ForwardPayloadLength = defaultForwardPayloadLength
	}
}

func (sCfg *Sphinx) validate() error {
	if schemes.ByName(sCfg.NIKE) == nil {
		return fmt.Errorf("config: Sphinx: NIKE '%v' is not supported", sCfg.NIKE)
	}
	if sCfg.Hops < 2 {
		return fmt.Errorf("config: Sphinx: Hops %v is too small", sCfg.Hops)
	}
	if sCfg.ForwardPayloadLength <= 0 {
		return fmt.Errorf("config: Sphinx: ForwardPayloadLength %v is invalid", sCfg.ForwardPayloadLength)
	}
	return nil
}

// Reliability is the acknowledgement and retransmission configuration.
type Reliability struct {
	// MaxRetransmissions is the retry ceiling per fragment.
	MaxRetransmissions int

	// AckRoundTripSlop is added to each attempt's expected round trip, in
	// milliseconds.
	AckRoundTripSlop int

	// Backoff is the retransmission back-off policy, `exponential` or
	// `fixed`.
	Backoff string

	// BackoffBase and BackoffMax bound the back-off delay in milliseconds.
	BackoffBase int
	BackoffMax  int

	// BackoffJitter is the relative jitter applied to back-off delays.
	BackoffJitter float64

	// MaxPending bounds the number of unacknowledged fragments.
	MaxPending int

	// MaxFragmentsPerMessage bounds the size of a single message.
	MaxFragmentsPerMessage int

	// RoutePolicy is `per-fragment` or `per-message`.
	RoutePolicy string

	// DisableRetransmissions sets the retry ceiling to zero, so the first
	// missed ack fails the message.
	DisableRetransmissions bool
}

func (rCfg *Reliability) applyDefaults() {
	if rCfg.MaxRetransmissions == 0 && !rCfg.DisableRetransmissions {
		rCfg.MaxRetransmissions = defaultMaxRetransmissions
	}
	if rCfg.DisableRetransmissions {
		rCfg.MaxRetransmissions = 0
	}
	if rCfg.AckRoundTripSlop == 0 {
		rCfg.AckRoundTripSlop = defaultAckRoundTripSlop
	}
	if rCfg.Backoff == "" {
		rCfg.Backoff = retry.Exponential
	}
	if rCfg.BackoffBase == 0 {
		rCfg.BackoffBase = defaultBackoffBase
	}
	if rCfg.BackoffMax == 0 {
		rCfg.BackoffMax = defaultBackoffMax
	}
	if rCfg.BackoffJitter == 0 {
		rCfg.BackoffJitter = defaultBackoffJitter
	}
	if rCfg.MaxPending == 0 {
		rCfg.MaxPending = defaultMaxPending
	}
	if rCfg.RoutePolicy == "" {
		rCfg.RoutePolicy = RoutePerFragment
	}
}

func (rCfg *Reliability) validate() error {
	if rCfg.MaxRetransmissions < 0 {
		return fmt.Errorf("config: Reliability: MaxRetransmissions %v is negative", rCfg.MaxRetransmissions)
	}
	if rCfg.AckRoundTripSlop < 0 || rCfg.MaxPending < 0 || rCfg.MaxFragmentsPerMessage < 0 {
		return errors.New("config: Reliability: negative limit")
	}
	policy := rCfg.BackoffPolicy()
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("config: Reliability: %w", err)
	}
	switch rCfg.RoutePolicy {
	case RoutePerFragment, RoutePerMessage:
	default:
		return fmt.Errorf("config: Reliability: RoutePolicy '%v' is invalid", rCfg.RoutePolicy)
	}
	return nil
}

// BackoffPolicy returns the configured retransmission back-off policy.
func (rCfg *Reliability) BackoffPolicy() retry.Policy {
	return retry.Policy{
		Kind:   rCfg.Backoff,
		Base:   time.Duration(rCfg.BackoffBase) * time.Millisecond,
		Max:    time.Duration(rCfg.BackoffMax) * time.Millisecond,
		Jitter: rCfg.BackoffJitter,
	}
}

// Reassembly is the inbound reassembly configuration.
type Reassembly struct {
	// StaleAfter is the age in milliseconds at which an incomplete message
	// is evicted.
	StaleAfter int

	// SweepInterval is the interval in milliseconds between stale buffer
	// and lost loop sweeps.
	SweepInterval int

	// MaxBuffers bounds the number of incomplete messages.
	MaxBuffers int

	// TombstoneLifetime is how long in milliseconds a completed or
	// evicted message ID is remembered, at least StaleAfter.
	TombstoneLifetime int
}

func (rCfg *Reassembly) applyDefaults() {
	if rCfg.StaleAfter == 0 {
		rCfg.StaleAfter = defaultStaleAfter
	}
	if rCfg.SweepInterval == 0 {
		rCfg.SweepInterval = defaultSweepInterval
	}
	if rCfg.MaxBuffers == 0 {
		rCfg.MaxBuffers = defaultMaxBuffers
	}
	if rCfg.TombstoneLifetime == 0 {
		rCfg.TombstoneLifetime = 2 * rCfg.StaleAfter
	}
}

func (rCfg *Reassembly) validate() error {
	if rCfg.StaleAfter < 0 || rCfg.SweepInterval < 0 || rCfg.MaxBuffers < 0 || rCfg.TombstoneLifetime < 0 {
		return errors.New("config: Reassembly: negative limit")
	}
	if rCfg.TombstoneLifetime < rCfg.StaleAfter {
		return errors.New("config: Reassembly: TombstoneLifetime is shorter than StaleAfter")
	}
	return nil
}

// Cover is the cover traffic configuration.  Rates left at zero are taken
// from the topology document.
type Cover struct {
	// DisableDecoyTraffic disables loop and drop decoys.  Real traffic is
	// still paced at LambdaP.
	DisableDecoyTraffic bool

	// LambdaP is the inverse of the mean of the exponential distribution
	// the real-or-loop send interval is sampled from, per millisecond.
	LambdaP         float64
	LambdaPMaxDelay uint64

	// LambdaL is the loop decoy rate.
	LambdaL         float64
	LambdaLMaxDelay uint64

	// LambdaD is the drop decoy rate.
	LambdaD         float64
	LambdaDMaxDelay uint64

	// LoopSlop is added to a loop decoy's ETA before it is counted as
	// lost, in milliseconds.
	LoopSlop int
}

func (cCfg *Cover) applyDefaults() {
	if cCfg.LoopSlop == 0 {
		cCfg.LoopSlop = defaultLoopSlop
	}
}

func (cCfg *Cover) validate() error {
	if cCfg.LambdaP < 0 || cCfg.LambdaL < 0 || cCfg.LambdaD < 0 {
		return errors.New("config: Cover: negative rate")
	}
	if cCfg.LoopSlop < 0 {
		return errors.New("config: Cover: negative LoopSlop")
	}
	return nil
}

// Gateway is the gateway node configuration.
type Gateway struct {
	// Name is the gateway's name in the topology document.
	Name string

	// Address is the gateway's QUIC host:port.
	Address string

	// SharedKey is the hex encoded request sealing key.
	SharedKey string

	// MaxBatch bounds the number of packets handed to the gateway at once.
	MaxBatch int

	// MaxFailureCount is the number of consecutive send failures after
	// which the transport is reported as failed.
	MaxFailureCount int
}

func (gCfg *Gateway) applyDefaults() {
	if gCfg.MaxBatch == 0 {
		gCfg.MaxBatch = defaultMaxBatch
	}
	if gCfg.MaxFailureCount == 0 {
		gCfg.MaxFailureCount = defaultMaxFailureCount
	}
}

func (gCfg *Gateway) validate() error {
	if gCfg.Name == "" {
		return errors.New("config: Gateway: Name is not set")
	}
	if gCfg.SharedKey != "" {
		if _, err := gCfg.Key(); err != nil {
			return err
		}
	}
	if gCfg.MaxBatch < 0 || gCfg.MaxFailureCount < 0 {
		return errors.New("config: Gateway: negative limit")
	}
	return nil
}

// Key returns the decoded request sealing key.
func (gCfg *Gateway) Key() ([]byte, error) {
	k, err := hex.DecodeString(gCfg.SharedKey)
	if err != nil {
		return nil, fmt.Errorf("config: Gateway: SharedKey is invalid: %v", err)
	}
	if len(k) != 32 {
		return nil, fmt.Errorf("config: Gateway: SharedKey has length %v, expected 32", len(k))
	}
	return k, nil
}

// PKI is the topology source configuration.
type PKI struct {
	// DocumentFile is the path to a serialized topology document.
	DocumentFile string
}

func (pCfg *PKI) validate() error {
	if pCfg.DocumentFile == "" {
		return errors.New("config: PKI: DocumentFile is not set")
	}
	return nil
}

// Inbox is the persistent inbox configuration.
type Inbox struct {
	// Path is the path to the inbox database.  If left empty it will use
	// `inbox.db` under the DataDir, or no inbox without a DataDir.
	Path string

	// Disable disables the persistent inbox.
	Disable bool
}

func (iCfg *Inbox) applyDefaults(cCfg *Client) {
	if iCfg.Path == "" && cCfg.DataDir != "" && !iCfg.Disable {
		iCfg.Path = filepath.Join(cCfg.DataDir, defaultInboxDB)
	}
}

// Debug is the debug configuration.
type Debug struct {
	// EnableProfiling starts the pyroscope profiler when built with the
	// pyroscope tag.
	EnableProfiling bool

	// DisableCoverTraffic disables the LambdaP pacing along with every
	// decoy, and sends real packets as soon as they are prepared.
	DisableCoverTraffic bool
}

// IsUnsafe returns true iff any debug options that destroy security are set.
func (dCfg *Debug) IsUnsafe() bool {
	return dCfg.DisableCoverTraffic
}

// Config is the top level mixclient configuration.
type Config struct {
	Client      *Client
	Logging     *Logging
	Sphinx      *Sphinx
	Reliability *Reliability
	Reassembly  *Reassembly
	Cover       *Cover
	Gateway     *Gateway
	PKI         *PKI
	Inbox       *Inbox

	Debug *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Gateway and PKI sections are mandatory, everything else is optional.
	if cfg.Gateway == nil {
		return errors.New("config: No Gateway block was present")
	}
	if cfg.PKI == nil {
		return errors.New("config: No PKI block was present")
	}
	if cfg.Client == nil {
		cfg.Client = &Client{}
	}
	if cfg.Logging == nil {
		logging := defaultLogging
		cfg.Logging = &logging
	}
	if cfg.Sphinx == nil {
		cfg.Sphinx = &Sphinx{}
	}
	if cfg.Reliability == nil {
		cfg.Reliability = &Reliability{}
	}
	if cfg.Reassembly == nil {
		cfg.Reassembly = &Reassembly{}
	}
	if cfg.Cover == nil {
		cfg.Cover = &Cover{}
	}
	if cfg.Inbox == nil {
		cfg.Inbox = &Inbox{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	cfg.Client.applyDefaults()
	cfg.Sphinx.applyDefaults()
	cfg.Reliability.applyDefaults()
	cfg.Reassembly.applyDefaults()
	cfg.Cover.applyDefaults()
	cfg.Gateway.applyDefaults()
	cfg.Inbox.applyDefaults(cfg.Client)

	if err := cfg.Client.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Sphinx.validate(); err != nil {
		return err
	}
	if err := cfg.Reliability.validate(); err != nil {
		return err
	}
	if err := cfg.Reassembly.validate(); err != nil {
		return err
	}
	if err := cfg.Cover.validate(); err != nil {
		return err
	}
	if err := cfg.Gateway.validate(); err != nil {
		return err
	}
	return cfg.PKI.validate()
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
