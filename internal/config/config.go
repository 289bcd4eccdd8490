package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/alecthomas/units"
	"github.com/mcuadros/go-defaults"
	"github.com/samber/lo"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Struct is the service configuration. Sizes are written with a unit in TOML
// ("8MiB", "64KiB").
type Struct struct {
	Server struct {
		Listen          string           `default:":8080" toml:"listen"`
		MaxBody         units.Base2Bytes `default:"8388608" toml:"max_body"`
		ShutdownTimeout time.Duration    `default:"5s" toml:"shutdown_timeout"`
		RateLimit       float64          `default:"200" toml:"rate_limit"`
		RateBurst       int64            `default:"400" toml:"rate_burst"`
	} `toml:"server"`
	Scan struct {
		Workers           int              `default:"0" toml:"workers"`
		ParallelThreshold units.Base2Bytes `default:"1048576" toml:"parallel_threshold"`
		ChunkSize         units.Base2Bytes `default:"65536" toml:"chunk_size"`
	} `toml:"scan"`
	Rules struct {
		Dir   string `default:"./rules" toml:"dir"`
		Watch bool   `default:"true" toml:"watch"`
	} `toml:"rules"`
	Telemetry struct {
		OTLPEndpoint string `toml:"otlp_endpoint"`
	} `toml:"telemetry"`
	NATS struct {
		URL             string `toml:"url"`
		Subject         string `default:"memscan.matches" toml:"subject"`
		ConnectAttempts int    `default:"5" toml:"connect_attempts"`
	} `toml:"nats"`
}

// Default returns the configuration with every default applied.
func Default() Struct {
	var s Struct
	defaults.SetDefaults(&s)
	return s
}

// Load reads the TOML file at path on top of the defaults, then applies the
// environment overrides. An empty path skips the file.
func Load(path string) (Struct, error) {
	s := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return s, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := s.LoadData(string(data)); err != nil {
			return s, fmt.Errorf("%s: %w", path, err)
		}
	}
	s.ApplyEnv(os.Getenv)
	return s, s.Validate()
}

// LoadData decodes TOML text into s. Keys absent from data keep their value.
func (s *Struct) LoadData(data string) error {
	md, err := toml.Decode(data, s)
	if err != nil {
		return fmt.Errorf("parsing toml config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := lo.Map(undecoded, func(k toml.Key, _ int) string { return k.String() })
		return fmt.Errorf("%w: unknown keys %v", ErrInvalidConfig, keys)
	}
	return nil
}

// ApplyEnv overrides file values with the deployment environment variables.
func (s *Struct) ApplyEnv(getenv func(string) string) {
	if v := getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		s.Telemetry.OTLPEndpoint = v
	}
	if v := getenv("MEMSCAN_RULE_DIR"); v != "" {
		s.Rules.Dir = v
	}
	if v := getenv("NATS_URL"); v != "" {
		s.NATS.URL = v
	}
	if v := getenv("MEMSCAN_LISTEN"); v != "" {
		s.Server.Listen = v
	}
}

func (s *Struct) Validate() error {
	switch {
	case s.Server.Listen == "":
		return fmt.Errorf("%w: server.listen is empty", ErrInvalidConfig)
	case s.Server.MaxBody <= 0:
		return fmt.Errorf("%w: server.max_body must be positive", ErrInvalidConfig)
	case s.Server.RateLimit <= 0 || s.Server.RateBurst <= 0:
		return fmt.Errorf("%w: server rate limit must be positive", ErrInvalidConfig)
	case s.Scan.Workers < 0:
		return fmt.Errorf("%w: scan.workers is negative", ErrInvalidConfig)
	case s.Scan.ChunkSize <= 0:
		return fmt.Errorf("%w: scan.chunk_size must be positive", ErrInvalidConfig)
	case s.NATS.URL != "" && s.NATS.Subject == "":
		return fmt.Errorf("%w: nats.subject is empty", ErrInvalidConfig)
	}
	return nil
}
