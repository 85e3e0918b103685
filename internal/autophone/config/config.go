// AutoPhone is a continuous-integration dispatcher for on-device test farms.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config assembles the coordinator's process-wide, read-only
// settings into one immutable record, per the design note against a
// mutable global singleton.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
)

// LogLevel is one of the four levels the coordinator accepts on the
// command line.
type LogLevel string

const (
	LogLevelError   LogLevel = "ERROR"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelDebug   LogLevel = "DEBUG"
)

// Slog converts LogLevel to the matching slog.Level.
func (l LogLevel) Slog() (slog.Level, error) {
	switch l {
	case LogLevelError:
		return slog.LevelError, nil
	case LogLevelWarning:
		return slog.LevelWarn, nil
	case LogLevelInfo:
		return slog.LevelInfo, nil
	case LogLevelDebug:
		return slog.LevelDebug, nil
	default:
		return 0, fmt.Errorf("config: invalid log level %q", l)
	}
}

// Config is the coordinator's complete, immutable configuration, built
// once at startup from CLI flags. Environment variables are not read.
type Config struct {
	Restarting bool
	NoReboot   bool
	IPAddr     string
	Port       int
	CachePath  string
	LogFile    string
	LogLevel   LogLevel
	TestPath   string
	EmailCfg   string
	EmailKey   string // passphrase for encrypted SMTP passwords; never logged
	MetricsAddr string
}

// Parse builds a Config from CLI flags, applying the defaults named in the
// external interface. args is normally os.Args[1:].
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("autophone", flag.ContinueOnError)

	cfg := Config{}
	var logLevel string

	fs.BoolVar(&cfg.Restarting, "restarting", false, "attach to the persisted fleet cache instead of starting empty")
	fs.BoolVar(&cfg.NoReboot, "no-reboot", false, "do not broadcast Reboot when attaching to a persisted fleet")
	fs.StringVar(&cfg.IPAddr, "ipaddr", "", "coordinator IP address for SUT reboot callbacks (auto-detected if empty)")
	fs.IntVar(&cfg.Port, "port", 28001, "command server TCP port")
	fs.StringVar(&cfg.CachePath, "cache", "autophone_cache.json", "fleet cache file path")
	fs.StringVar(&cfg.LogFile, "logfile", "autophone.log", "log file name, shown in the startup config dump; no file is opened: coordinator and worker logs all go to stdout")
	fs.StringVar(&logLevel, "loglevel", string(LogLevelDebug), "ERROR|WARNING|INFO|DEBUG")
	fs.StringVar(&cfg.TestPath, "test-path", "tests/manifest.ini", "test manifest path")
	fs.StringVar(&cfg.EmailCfg, "emailcfg", "email.ini", "email configuration path")
	fs.StringVar(&cfg.EmailKey, "email-key", "", "passphrase to decrypt an encrypted SMTP password in emailcfg")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", ":9090", "Prometheus /metrics listen address")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.LogLevel = LogLevel(logLevel)
	if _, err := cfg.LogLevel.Slog(); err != nil {
		return Config{}, err
	}

	if cfg.IPAddr == "" {
		ip, err := detectIP()
		if err != nil {
			return Config{}, fmt.Errorf("config: auto-detect ipaddr: %w", err)
		}
		cfg.IPAddr = ip
	}

	return cfg, nil
}

// detectIP picks the local address used to reach the default route, the
// same trick the original uses to avoid hardcoding an interface name.
func detectIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

// LogValue implements slog.LogValuer, redacting nothing-sensitive fields
// but omitting EmailKey entirely: it is a passphrase, never fit to log.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("restarting", c.Restarting),
		slog.Bool("no_reboot", c.NoReboot),
		slog.String("ipaddr", c.IPAddr),
		slog.Int("port", c.Port),
		slog.String("cache", c.CachePath),
		slog.String("logfile", c.LogFile),
		slog.String("loglevel", string(c.LogLevel)),
		slog.String("test_path", c.TestPath),
		slog.String("emailcfg", c.EmailCfg),
		slog.String("metrics_addr", c.MetricsAddr),
	)
}
