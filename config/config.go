package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// VictimPolicyName selects how a deadlock victim is chosen when the caller
// has to break a cycle.
type VictimPolicyName string

const (
	VictimYoungest    VictimPolicyName = "youngest"
	VictimFewestLocks VictimPolicyName = "fewest_locks"
)

type Config struct {
	// DataFile is the single file holding every page of the database.
	DataFile string `toml:"data_file"`
	// WALFile is the append-only log file.
	WALFile string `toml:"wal_file"`

	// PoolSize is the page cache capacity in pages.
	PoolSize int `toml:"pool_size"`

	// LockTimeout bounds the wait for the lock manager's critical section.
	LockTimeout Duration `toml:"lock_timeout"`

	VictimPolicy VictimPolicyName `toml:"victim_policy"`

	// Metrics enables prometheus collection. Disabled by default so the
	// library can be embedded without a registry.
	Metrics bool `toml:"metrics"`
}

// Duration is a toml-parsable time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func Default() Config {
	return Config{
		DataFile:     "kiln.db",
		WALFile:      "kiln.wal",
		PoolSize:     64,
		LockTimeout:  Duration{5 * time.Second},
		VictimPolicy: VictimYoungest,
		Metrics:      false,
	}
}

// Load reads a toml file over the defaults, so a partial file is valid.
func Load(path string) (Config, error) {
	c := Default()
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, errors.Wrapf(err, "config: cannot decode %s", path)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.PoolSize <= 0 {
		return errors.New("config: pool_size must be positive")
	}
	if c.LockTimeout.Duration <= 0 {
		return errors.New("config: lock_timeout must be positive")
	}
	switch c.VictimPolicy {
	case VictimYoungest, VictimFewestLocks:
	default:
		return errors.Errorf("config: unknown victim_policy %q", c.VictimPolicy)
	}
	return nil
}
