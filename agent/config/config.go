// Separate package is workaround to import cycles.
package agent_config

import (
	"os"
	"sync"

	"github.com/berryconnect/berrylink/helpers"
	"github.com/berryconnect/berrylink/log2"
	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
)

// Auto asks the agent to discover the value at startup.
const Auto = "AUTO"

const (
	DefaultBrokerPort = 1883
	DefaultRadioName  = "WatermelonD"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Agent struct { //nolint:maligned
		ID                   string `hcl:"id"`
		TelemetryIntervalSec int    `hcl:"telemetry_interval_sec"`
		HeartbeatIntervalSec int    `hcl:"heartbeat_interval_sec"`
		LogDebug             bool   `hcl:"log_debug"`
	} `hcl:"agent"`

	Broker struct {
		Address           string `hcl:"address"`
		Port              int    `hcl:"port"`
		KeepaliveSec      int    `hcl:"keepalive_sec"`
		NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
		StorePath         string `hcl:"store_path"`
	} `hcl:"broker"`

	Radio struct {
		Name string `hcl:"name"`
	} `hcl:"radio"`

	Connect struct {
		CheckIntervalSec int `hcl:"check_interval_sec"`
	} `hcl:"connect"`

	Persist struct {
		Root string `hcl:"root"`
	} `hcl:"persist"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// Normalize fills defaults and resolves AUTO values that do not need the
// network. AUTO broker address stays as-is, connectivity arbitration owns it.
func (c *Config) Normalize() error {
	if c.Agent.ID == "" || c.Agent.ID == Auto {
		hostname, err := os.Hostname()
		if err != nil {
			return errors.Annotate(err, "config agent.id=AUTO hostname")
		}
		c.Agent.ID = hostname
	}
	if c.Broker.Address == "" {
		c.Broker.Address = Auto
	}
	if c.Broker.Port == 0 {
		c.Broker.Port = DefaultBrokerPort
	}
	if c.Radio.Name == "" {
		c.Radio.Name = DefaultRadioName
	}
	return nil
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		log.Fatalf("config duplicate source=%s", source.Name)
	} else {
		log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	}
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
			return
		}
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return c, err
	}
	return c, c.Normalize()
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
