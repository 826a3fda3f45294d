package state

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airgradient/cellular-uplink/coap"
	"github.com/airgradient/cellular-uplink/log2"
	"github.com/airgradient/cellular-uplink/uplink"
)

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		sources   map[string]string
		check     func(t testing.TB, c *Config)
		expectErr string
	}
	cases := []Case{
		{"empty-defaults", map[string]string{"main": ""},
			func(t testing.TB, c *Config) {
				assert.Equal(t, coap.DefaultHost, c.Coap.Host)
				assert.Equal(t, coap.DefaultPort, c.Coap.Port)
				assert.Equal(t, coap.DefaultDomain, c.Coap.Domain)
				assert.Equal(t, 115200, c.Cellular.UartBaudrate)
				assert.Equal(t, 5, c.Telemetry.IntervalMinutes)
			}, ""},

		{"device", map[string]string{"main": `
device {
  serial = "airgradient:AABB"
  payload_type = "max_o3_no2"
  extended_pm = true
}
cellular {
  apn = "iot.1nce.net"
  uart_device = "/dev/ttyUSB2"
  power_chip = "/dev/gpiochip0"
  power_line = 4
}`},
			func(t testing.TB, c *Config) {
				assert.Equal(t, "airgradient:AABB", c.Device.Serial)
				assert.Equal(t, uplink.MaxWithO3NO2, c.PayloadType())
				assert.Equal(t, "cpm", c.PayloadType().Endpoint(c.Device.ExtendedPM))
				assert.Equal(t, "iot.1nce.net", c.Cellular.APN)
				assert.Equal(t, 4, c.Cellular.PowerLine)
			}, ""},

		{"include", map[string]string{
			"main":  `include "extra" {} device { serial = "sn-1" }`,
			"extra": `coap { host = "203.0.113.5" }`,
		},
			func(t testing.TB, c *Config) {
				assert.Equal(t, "sn-1", c.Device.Serial)
				assert.Equal(t, "203.0.113.5", c.Coap.Host)
			}, ""},

		{"include-missing-required", map[string]string{
			"main": `include "nothere" {}`,
		}, nil, "not found"},

		{"include-missing-optional", map[string]string{
			"main": `include "nothere" { optional = true }`,
		},
			func(t testing.TB, c *Config) {
				assert.Equal(t, coap.DefaultHost, c.Coap.Host)
			}, ""},

		{"malformed", map[string]string{"main": `device { serial = `},
			nil, "unmarshal"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			log := log2.NewTest(t, log2.LDebug)
			cfg, err := ReadConfig(log, NewMockFullReader(c.sources), "main")
			if c.expectErr == "" {
				require.NoError(t, err)
				c.check(t, cfg)
			} else {
				require.Error(t, err)
				assert.True(t, strings.Contains(err.Error(), c.expectErr), "err=%v", err)
			}
		})
	}
}

func TestPayloadTypeMapping(t *testing.T) {
	t.Parallel()
	cases := map[string]uplink.PayloadType{
		"":                    uplink.OneOpenAir,
		"one_openair":         uplink.OneOpenAir,
		"one_openair_two_pms": uplink.OneOpenAirTwoPMS,
		"max":                 uplink.MaxWithoutO3NO2,
		"max_o3_no2":          uplink.MaxWithO3NO2,
	}
	for s, expect := range cases {
		c := &Config{}
		c.Device.PayloadType = s
		assert.Equal(t, expect, c.PayloadType(), "payload_type=%q", s)
	}
}
