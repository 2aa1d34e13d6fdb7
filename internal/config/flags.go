package config

import (
	"flag"
	"strings"
)

// StringList is a repeatable string flag.
type StringList []string

func (l *StringList) String() string { return strings.Join(*l, ",") }

func (l *StringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// Common holds the flags both binaries accept.
type Common struct {
	ConfigFile          string
	Mode                string
	Connect             StringList
	Listen              StringList
	NoMulticastScouting bool
	LogLevel            string
	LogPath             string
	MetricsAddr         string
}

func (c *Common) Register(fs *flag.FlagSet) {
	fs.StringVar(&c.ConfigFile, "config", "", "configuration file (yaml, json or toml)")
	fs.StringVar(&c.Mode, "mode", "peer", "session mode: peer, client or memory")
	fs.Var(&c.Connect, "connect", "endpoint to connect to (repeatable)")
	fs.Var(&c.Listen, "listen", "endpoint to listen on (repeatable)")
	fs.BoolVar(&c.NoMulticastScouting, "no-multicast-scouting", false, "disable multicast peer discovery")
	fs.StringVar(&c.LogLevel, "log-level", "info", "log level: debug, info, warn or error")
	fs.StringVar(&c.LogPath, "log-path", "", "directory for a rotated JSON log file")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", "", "serve /metrics and the status API on this address")
}

// Visited returns the names of the flags set on the command line.
func Visited(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

// Apply copies the flags set on the command line into cfg, leaving file and
// default values alone for the rest.
func (c *Common) Apply(fs *flag.FlagSet, cfg *Config) {
	set := Visited(fs)
	if set["mode"] {
		cfg.Session.Mode = c.Mode
	}
	if set["connect"] {
		cfg.Session.Connect = append([]string(nil), c.Connect...)
	}
	if set["listen"] {
		cfg.Session.Listen = append([]string(nil), c.Listen...)
	}
	if set["no-multicast-scouting"] {
		cfg.Session.MulticastScouting = !c.NoMulticastScouting
	}
	if set["log-level"] {
		cfg.Logger.Level = c.LogLevel
	}
	if set["log-path"] {
		cfg.Logger.Path = c.LogPath
	}
	if set["metrics-addr"] {
		cfg.Metrics.Addr = c.MetricsAddr
	}
}
