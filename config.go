package omnisync

import (
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

// Config is the session's tunables, loaded from a TOML file. Zero
// values fall back to the defaults the protocol was designed around.
type Config struct {
	// ServerAddr is the host:port of the remote session server.
	ServerAddr string `toml:"server_addr"`
	TLS        bool   `toml:"tls"`

	ResyncInterval     time.Duration `toml:"resync_interval"`
	ResyncCountTimeout int           `toml:"resync_count_timeout"`
	QueuePollInterval  time.Duration `toml:"queue_poll_interval"`

	// ServerFrameRate is the transform-send rate floor in Hz, used
	// until the server reports its own frame-receive rate.
	ServerFrameRate float64 `toml:"server_frame_rate"`

	// JournalDir is where desired state is persisted between
	// sessions; empty disables the journal.
	JournalDir string `toml:"journal_dir"`

	// MetricsAddr serves the prometheus endpoint; empty disables it.
	MetricsAddr string `toml:"metrics_addr"`
}

func DefaultConfig() Config {
	return Config{
		ServerAddr:         "localhost:9190",
		ResyncInterval:     DefaultResyncInterval,
		ResyncCountTimeout: DefaultResyncCountTimeout,
		QueuePollInterval:  DefaultQueuePollInterval,
		ServerFrameRate:    10,
	}
}

// LoadConfig reads a TOML config file over the defaults. A missing
// path is not an error; you get the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errors.Wrap(err, "config: read failed")
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "config: parse failed")
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.ServerAddr == "" {
		return errors.New("config: server_addr is required")
	}
	if c.ResyncInterval < 0 || c.QueuePollInterval < 0 {
		return errors.New("config: intervals must be positive")
	}
	if c.ResyncCountTimeout < 0 {
		return errors.New("config: resync_count_timeout must be positive")
	}
	if c.ServerFrameRate < 0 {
		return errors.New("config: server_frame_rate must be positive")
	}
	return nil
}
