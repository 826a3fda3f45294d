// Package state loads the node configuration: HCL files with include
// support and environment-sized defaults applied after parse.
package state

import (
	"path/filepath"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"

	"github.com/airgradient/cellular-uplink/coap"
	"github.com/airgradient/cellular-uplink/helpers"
	"github.com/airgradient/cellular-uplink/log2"
	"github.com/airgradient/cellular-uplink/uplink"
)

type Config struct {
	// includeSeen contains normalized paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	Device struct {
		Serial      string `hcl:"serial"`
		PayloadType string `hcl:"payload_type"` // one_openair|one_openair_two_pms|max|max_o3_no2
		ExtendedPM  bool   `hcl:"extended_pm"`
	} `hcl:"device"`

	Cellular struct {
		APN          string `hcl:"apn"`
		UartDevice   string `hcl:"uart_device"`
		UartBaudrate int    `hcl:"uart_baudrate"`
		PowerChip    string `hcl:"power_chip"`
		PowerLine    int    `hcl:"power_line"`

		RegistrationTimeoutSec int `hcl:"registration_timeout_sec"`
		ScanTimeoutSec         int `hcl:"scan_timeout_sec"`
	} `hcl:"cellular"`

	Coap struct {
		Host             string `hcl:"host"`
		Port             int    `hcl:"port"`
		Domain           string `hcl:"domain"`
		ReceiveTimeoutMs int    `hcl:"receive_timeout_ms"`
		KeepConnection   bool   `hcl:"keep_connection"`
	} `hcl:"coap"`

	Telemetry struct {
		IntervalMinutes  int `hcl:"interval_minutes"`
		PostIntervalSec  int `hcl:"post_interval_sec"`
		FetchIntervalSec int `hcl:"fetch_interval_sec"`
	} `hcl:"telemetry"`

	Persist struct {
		Root string `hcl:"root"`
	} `hcl:"persist"`

	LogDebug bool `hcl:"log_debug"`
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// PayloadType maps the config string onto the uplink constant.
func (c *Config) PayloadType() uplink.PayloadType {
	switch c.Device.PayloadType {
	case "max":
		return uplink.MaxWithoutO3NO2
	case "max_o3_no2":
		return uplink.MaxWithO3NO2
	case "one_openair_two_pms":
		return uplink.OneOpenAirTwoPMS
	default:
		return uplink.OneOpenAir
	}
}

// Defaults fills the zero fields that have compiled-in values.
func (c *Config) Defaults() {
	if c.Coap.Host == "" {
		c.Coap.Host = coap.DefaultHost
	}
	if c.Coap.Port == 0 {
		c.Coap.Port = coap.DefaultPort
	}
	if c.Coap.Domain == "" {
		c.Coap.Domain = coap.DefaultDomain
	}
	if c.Cellular.UartBaudrate == 0 {
		c.Cellular.UartBaudrate = 115200
	}
	if c.Telemetry.IntervalMinutes == 0 {
		c.Telemetry.IntervalMinutes = 5
	}
	if c.Persist.Root == "" {
		c.Persist.Root = "/var/lib/cellular-uplink"
	}
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
	if err := helpers.FoldErrors(errs); err != nil {
		return c, err
	}
	c.Defaults()
	return c, nil
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

func MustReadConfigFile(log *log2.Log, path string) *Config {
	return MustReadConfig(log, NewOsFullReader(), path)
}
