package network

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SessionConfig selects and configures a transport.
type SessionConfig struct {
	Mode              string        `mapstructure:"mode"`
	Connect           []string      `mapstructure:"connect"`
	Listen            []string      `mapstructure:"listen"`
	MulticastScouting bool          `mapstructure:"multicast_scouting"`
	Rendezvous        string        `mapstructure:"rendezvous"`
	IdentityKeyFile   string        `mapstructure:"identity_key_file"`
	ClientName        string        `mapstructure:"client_name"`
	FlushTimeout      time.Duration `mapstructure:"flush_timeout"`
	Buffer            int           `mapstructure:"buffer"`
	// Topics resolves wildcard subscriptions in peer mode.
	Topics []string `mapstructure:"-"`
}

// Open establishes a session. Any failure is wrapped in ErrConnect and is
// meant to abort startup.
func Open(ctx context.Context, cfg SessionConfig, log *zap.Logger) (Session, error) {
	switch cfg.Mode {
	case ModePeer, "":
		s, err := NewLibp2pSession(ctx, Libp2pOptions{
			ListenAddrs:     cfg.Listen,
			Bootstrap:       cfg.Connect,
			Rendezvous:      cfg.Rendezvous,
			EnableMDNS:      cfg.MulticastScouting,
			IdentityKeyFile: cfg.IdentityKeyFile,
			Topics:          cfg.Topics,
		}, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case ModeClient:
		s, err := NewNATSSession(NATSOptions{
			URLs:          cfg.Connect,
			ClientName:    cfg.ClientName,
			MaxReconnects: -1,
			ReconnectWait: time.Second,
			Timeout:       5 * time.Second,
			FlushTimeout:  cfg.FlushTimeout,
			Buffer:        cfg.Buffer,
		}, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case ModeMemory:
		return NewMemorySession(cfg.Buffer), nil
	default:
		return nil, fmt.Errorf("%w: %w %q", ErrConnect, ErrUnknownMode, cfg.Mode)
	}
}
