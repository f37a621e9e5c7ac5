package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/roomsync/pkg/bus"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ROOMSYNC_"

// Settings configures a roomsync client.
type Settings struct {
	// DBPath is the SQLite file holding the local cache.
	DBPath string `yaml:"db_path"`
	// Grace is how long a projection outlives its last subscriber.
	Grace       time.Duration `yaml:"grace"`
	LazyMembers bool          `yaml:"lazy_members"`
	// PageLimit is the default backward pagination page size.
	PageLimit int          `yaml:"page_limit"`
	Bus       bus.Settings `yaml:"bus"`
}

func Default() Settings {
	return Settings{
		DBPath:      "roomsync.db",
		Grace:       5 * time.Second,
		LazyMembers: true,
		PageLimit:   50,
		Bus:         bus.DefaultSettings(),
	}
}

// FromYAML reads settings on top of the defaults.
func FromYAML(data []byte) (Settings, error) {
	s := Default()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, errors.Wrap(err, "config: parse yaml")
	}
	return s, nil
}

func (s Settings) ToYAML() ([]byte, error) {
	return yaml.Marshal(s)
}

// LoadFromFile reads settings from path, or returns the defaults when path
// is empty.
func LoadFromFile(path string) (Settings, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, errors.Wrapf(err, "config: read %s", path)
	}
	return FromYAML(data)
}

// Load reads path (if any), applies ROOMSYNC_* environment overrides and
// then each override in order, and validates the result last.
func Load(path string, overrides ...func(*Settings)) (Settings, error) {
	s, err := LoadFromFile(path)
	if err != nil {
		return Settings{}, err
	}
	if err := s.ApplyEnv(os.LookupEnv); err != nil {
		return Settings{}, err
	}
	for _, override := range overrides {
		override(&s)
	}
	return s, s.Validate()
}

// ApplyEnv overrides fields from environment variables found by lookup.
func (s *Settings) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	var errs []string
	parse := func(name string, set func(string) error) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if err := set(v); err != nil {
				errs = append(errs, EnvPrefix+name+": "+err.Error())
			}
		}
	}

	str("DB", &s.DBPath)
	parse("GRACE", func(v string) (err error) {
		s.Grace, err = time.ParseDuration(v)
		return
	})
	parse("LAZY_MEMBERS", func(v string) (err error) {
		s.LazyMembers, err = strconv.ParseBool(v)
		return
	})
	parse("PAGE_LIMIT", func(v string) (err error) {
		s.PageLimit, err = strconv.Atoi(v)
		return
	})
	str("BUS_TOPIC", &s.Bus.Topic)
	parse("BUS_BUFFER", func(v string) (err error) {
		s.Bus.Buffer, err = strconv.Atoi(v)
		return
	})
	parse("REDIS_ENABLED", func(v string) (err error) {
		s.Bus.Redis.Enabled, err = strconv.ParseBool(v)
		return
	})
	str("REDIS_ADDR", &s.Bus.Redis.Addr)
	str("REDIS_STREAM", &s.Bus.Redis.Stream)
	str("REDIS_GROUP", &s.Bus.Redis.Group)
	str("REDIS_CONSUMER", &s.Bus.Redis.Consumer)
	parse("REDIS_MAX_LEN", func(v string) (err error) {
		s.Bus.Redis.MaxLen, err = strconv.ParseInt(v, 10, 64)
		return
	})

	if len(errs) > 0 {
		return errors.Errorf("config: invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (s Settings) Validate() error {
	switch {
	case s.DBPath == "":
		return errors.New("config: db_path is required")
	case s.Grace < 0:
		return errors.New("config: grace must not be negative")
	case s.PageLimit <= 0:
		return errors.New("config: page_limit must be positive")
	case s.Bus.Buffer < 0:
		return errors.New("config: bus.buffer must not be negative")
	case s.Bus.Redis.Enabled && s.Bus.Redis.Addr == "":
		return errors.New("config: bus.redis.addr is required when redis is enabled")
	case s.Bus.Redis.MaxLen < 0:
		return errors.New("config: bus.redis.max_len must not be negative")
	}
	return nil
}
