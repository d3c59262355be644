package train

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		OutDir:       "out",
		Epochs:       1,
		BatchSize:    64,
		LearningRate: 2e-4,
		Device:       "cpu",
		Dtype:        "bfloat16",
		NumWorkers:   8,
		DataPath:     "./sft_data.jsonl",
		AccumSteps:   8,
		GradClip:     1.0,
		LogInterval:  100,
		SaveInterval: 1000,
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero epochs", func(c *Config) { c.Epochs = 0 }},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"negative learning rate", func(c *Config) { c.LearningRate = -1 }},
		{"zero accumulation", func(c *Config) { c.AccumSteps = 0 }},
		{"negative warmup", func(c *Config) { c.WarmupIters = -1 }},
		{"zero save interval", func(c *Config) { c.SaveInterval = 0 }},
		{"bad dtype", func(c *Config) { c.Dtype = "int8" }},
		{"bad device list", func(c *Config) { c.Devices = "0,x" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := validConfig()
			tc.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestConfigDeviceIDs(t *testing.T) {
	c := validConfig()
	ids, err := c.DeviceIDs()
	require.NoError(t, err)
	assert.Nil(t, ids, "empty list means single device")

	c.Devices = "0, 1,2"
	ids, err = c.DeviceIDs()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, ids)
}

func TestConfigMixedPrecision(t *testing.T) {
	c := validConfig()
	assert.True(t, c.MixedPrecision())
	c.Dtype = "float16"
	assert.True(t, c.MixedPrecision())
	c.Dtype = "float32"
	assert.False(t, c.MixedPrecision())
}
