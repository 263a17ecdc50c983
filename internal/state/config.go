package state

import (
	"path/filepath"
	"sync"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/meshtele/helpers"
	"github.com/temoto/meshtele/log2"
)

const DefaultConfigName = "meshtele.hcl"

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	LogDebug bool `hcl:"log_debug"`

	Clock struct {
		TicksPerSecond int `hcl:"ticks_per_second"`
	} `hcl:"clock"`

	Mesh struct {
		Router          string `hcl:"router"` // host | static
		Prefix          string `hcl:"prefix"`
		RootAddr        string `hcl:"root_addr"`
		RootLifetimeSec int    `hcl:"root_lifetime_sec"`
		Static          struct {
			Joined    bool `hcl:"joined"`
			Reachable bool `hcl:"reachable"`
			Root      bool `hcl:"root"`
		} `hcl:"static"`
	} `hcl:"mesh"`

	Tele struct {
		Port              int    `hcl:"port"`
		SyncPort          int    `hcl:"sync_port"`
		ListenAddr        string `hcl:"listen_addr"`
		NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	} `hcl:"tele"`

	Sensor struct {
		IntervalSec int    `hcl:"interval_sec"`
		SyncWindow  int    `hcl:"sync_window"`
		Policy      string `hcl:"policy"` // sync | reachable
		Inbox       int    `hcl:"inbox"`
	} `hcl:"sensor"`

	Root struct {
		SyncIntervalSec *int   `hcl:"sync_interval_sec"` // nil = 10, 0 disables
		SyncGroup       string `hcl:"sync_group"`
		Inbox           int    `hcl:"inbox"`
	} `hcl:"root"`

	Record struct {
		Path         string `hcl:"path"`
		MaxSizeMB    int    `hcl:"max_size_mb"`
		MaxBackups   int    `hcl:"max_backups"`
		MaxAgeDays   int    `hcl:"max_age_days"`
		MqttBroker   string `hcl:"mqtt_broker"`
		MqttTopic    string `hcl:"mqtt_topic"`
		MqttClientID string `hcl:"mqtt_client_id"`
	} `hcl:"record"`

	Metrics struct {
		Listen string `hcl:"listen"`
	} `hcl:"metrics"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			*errs = append(*errs, errors.NotFoundf("config required name=%s path=%s", source.Name, norm))
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if err = hcl.Unmarshal(bs, c); err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			*errs = append(*errs, errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name))
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig merges sources in order, later values overwrite earlier.
// Defaults and validation are applied by Global.Init.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.Errorf("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
