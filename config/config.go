// SPDX-FileCopyrightText: Copyright (C) 2026 Antimpeu Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
//
// config.go - Antimpeu configuration.

// Package config implements the Antimpeu configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/antimpeu/antimpeu/vault"
)

const (
	defaultAddress      = ":42777"
	defaultLogLevel     = "NOTICE"
	defaultKeyDirName   = "key"
	defaultHelloTimeout = 200   // milliseconds
	defaultReplyTimeout = 5000  // milliseconds
	defaultDialTimeout  = 10000 // milliseconds

	// absoluteMaxFrameSize caps what a config may ask for, a frame has to
	// fit in memory many times over on a busy server.
	absoluteMaxFrameSize = 1 << 24
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

func ensureAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host != "" {
		if ip := net.ParseIP(host); ip == nil {
			// Host names are tolerated, the dialer resolves them.
			if strings.ContainsAny(host, " /") {
				return fmt.Errorf("invalid host '%v'", host)
			}
		}
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil || p == 0 {
		return fmt.Errorf("invalid port '%v'", port)
	}
	return nil
}

// Server is the server configuration.
type Server struct {
	// Address is the IP address/port combination the server will bind to
	// for incoming connections.
	Address string

	// KeyDir is the directory holding the wrapped data key.  If omitted
	// it defaults to the key directory under the user's home.
	KeyDir string
}

func (sCfg *Server) applyDefaults() error {
	if sCfg.Address == "" {
		sCfg.Address = defaultAddress
	}
	if sCfg.KeyDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("config: Server: failed to resolve home directory: %v", err)
		}
		sCfg.KeyDir = filepath.Join(home, defaultKeyDirName)
	} else if strings.HasPrefix(sCfg.KeyDir, "~"+string(os.PathSeparator)) {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("config: Server: failed to resolve home directory: %v", err)
		}
		sCfg.KeyDir = filepath.Join(home, sCfg.KeyDir[2:])
	}
	return nil
}

func (sCfg *Server) validate() error {
	if err := ensureAddr(sCfg.Address); err != nil {
		return fmt.Errorf("config: Server: Address '%v' is invalid: %v", sCfg.Address, err)
	}
	if !filepath.IsAbs(sCfg.KeyDir) {
		return fmt.Errorf("config: Server: KeyDir '%v' is not an absolute path", sCfg.KeyDir)
	}
	return nil
}

// Chat is the chat identity configuration.
type Chat struct {
	// Username is the name attached to outgoing messages.  If omitted the
	// name of the invoking system user is used.
	Username string
}

func (cCfg *Chat) applyDefaults() error {
	if cCfg.Username == "" {
		u, err := user.Current()
		if err != nil {
			return fmt.Errorf("config: Chat: failed to resolve invoking user: %v", err)
		}
		cCfg.Username = u.Username
	}
	return nil
}

func (cCfg *Chat) validate() error {
	if cCfg.Username == "" {
		return fmt.Errorf("config: Chat: Username is missing")
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
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Metrics is the metrics endpoint configuration.
type Metrics struct {
	// Address is the IP address/port combination the metrics HTTP
	// endpoint will bind to.  If omitted the endpoint is disabled.
	Address string
}

func (mCfg *Metrics) validate() error {
	if mCfg.Address == "" {
		return nil
	}
	if err := ensureAddr(mCfg.Address); err != nil {
		return fmt.Errorf("config: Metrics: Address '%v' is invalid: %v", mCfg.Address, err)
	}
	return nil
}

// Debug is the debug configuration.
type Debug struct {
	// HelloTimeout is the time in milliseconds a freshly accepted
	// connection has to present its hello token.
	HelloTimeout int

	// ReplyTimeout is the time in milliseconds a challenged peer has to
	// echo the challenge back.
	ReplyTimeout int

	// DialTimeout is the time in milliseconds a client dial may take.
	DialTimeout int

	// MaxFrameSize is the maximum frame payload length in bytes.
	MaxFrameSize uint32
}

func (dCfg *Debug) validate() error {
	if dCfg.HelloTimeout < 0 {
		return fmt.Errorf("config: Debug: HelloTimeout %v is invalid", dCfg.HelloTimeout)
	}
	if dCfg.ReplyTimeout < 0 {
		return fmt.Errorf("config: Debug: ReplyTimeout %v is invalid", dCfg.ReplyTimeout)
	}
	if dCfg.DialTimeout < 0 {
		return fmt.Errorf("config: Debug: DialTimeout %v is invalid", dCfg.DialTimeout)
	}
	if dCfg.MaxFrameSize > absoluteMaxFrameSize {
		return fmt.Errorf("config: Debug: MaxFrameSize %v is out of range", dCfg.MaxFrameSize)
	}
	return nil
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.HelloTimeout == 0 {
		dCfg.HelloTimeout = defaultHelloTimeout
	}
	if dCfg.ReplyTimeout == 0 {
		dCfg.ReplyTimeout = defaultReplyTimeout
	}
	if dCfg.DialTimeout == 0 {
		dCfg.DialTimeout = defaultDialTimeout
	}
	// MaxFrameSize 0 is left alone, the wire package substitutes its own
	// default.
}

// HelloDeadline returns HelloTimeout as a time.Duration.
func (dCfg *Debug) HelloDeadline() time.Duration {
	return time.Duration(dCfg.HelloTimeout) * time.Millisecond
}

// ReplyDeadline returns ReplyTimeout as a time.Duration.
func (dCfg *Debug) ReplyDeadline() time.Duration {
	return time.Duration(dCfg.ReplyTimeout) * time.Millisecond
}

// DialDeadline returns DialTimeout as a time.Duration.
func (dCfg *Debug) DialDeadline() time.Duration {
	return time.Duration(dCfg.DialTimeout) * time.Millisecond
}

// Config is the top level configuration.
type Config struct {
	Server  *Server
	Chat    *Chat
	Logging *Logging
	Metrics *Metrics
	Debug   *Debug
}

// WrappedKeyPath returns the path of the wrapped data key file.
func (cfg *Config) WrappedKeyPath() string {
	return filepath.Join(cfg.Server.KeyDir, vault.WrappedKeyFile)
}

// RawKeyPath returns the path of the raw data key file consumed by key
// wrapping.
func (cfg *Config) RawKeyPath() string {
	return filepath.Join(cfg.Server.KeyDir, vault.RawKeyFile)
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// Handle missing sections.
	if cfg.Server == nil {
		cfg.Server = &Server{}
	}
	if cfg.Chat == nil {
		cfg.Chat = &Chat{}
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	// Validate and fixup the various sections.
	if err := cfg.Server.applyDefaults(); err != nil {
		return err
	}
	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Chat.applyDefaults(); err != nil {
		return err
	}
	if err := cfg.Chat.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Metrics.validate(); err != nil {
		return err
	}
	if err := cfg.Debug.validate(); err != nil {
		return err
	}
	cfg.Debug.applyDefaults()

	return nil
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

// Default returns a Config with every section at its defaults, as if an
// empty config file had been loaded.
func Default() (*Config, error) {
	cfg := new(Config)
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
