package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.NotNil(t, cfg)
	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)
	assert.Equal(t, 115200, cfg.Serial.BaudRate)
	assert.Equal(t, time.Second, cfg.Serial.IOTimeout)
	assert.Equal(t, "MEAS:VOLT:DC?", cfg.DMM.Query)
	assert.Equal(t, "V", cfg.DMM.Unit)
	assert.Equal(t, 100, cfg.Capture.Count)
	assert.Equal(t, 50*time.Millisecond, cfg.Capture.Interval)
	assert.Equal(t, 20, cfg.Capture.Window)
	assert.Equal(t, 100*time.Millisecond, cfg.Capture.SkewTolerance)
	assert.Equal(t, 3, cfg.Capture.Retries)
	assert.Equal(t, 0.2, cfg.Capture.MaxSkewRejectRatio)
	assert.Equal(t, uint16(1024), cfg.Sweep.Period)
	assert.Equal(t, 2*time.Minute, cfg.Sweep.StabilityTimeout)
	assert.Equal(t, 4, cfg.Fit.Degree)
	assert.Equal(t, 0.5, cfg.Verify.Tolerance)
	assert.Equal(t, 0.1, cfg.Verify.MaxFailRatio)
	assert.Empty(t, cfg.Telemetry.Broker) // telemetry off by default
}

func TestLoad_FileNotExists(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)
	assert.NotNil(t, cfg)
	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)
}

func TestLoad_ValidYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	yamlContent := `
serial:
  port: "COM7"
  baud_rate: 57600

dmm:
  port: "/dev/ttyUSB2"
  query: "MEAS:CURR:DC?"
  unit: "mA"

capture:
  count: 250
  interval: 25ms
  average: 4
  window: 5
  skew_tolerance: 50ms
  retries: 5
  range: "700V"

sweep:
  period: 2048
  start: 128
  end: 1920
  step: 64
  per_level: 3

fit:
  degree: 2
  out: "out/quad.json"

verify:
  samples: 20
  tolerance: 1.5
  max_fail_ratio: 0.05
`

	_, err = tmpfile.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, "COM7", cfg.Serial.Port)
	assert.Equal(t, 57600, cfg.Serial.BaudRate)
	assert.Equal(t, "/dev/ttyUSB2", cfg.DMM.Port)
	assert.Equal(t, "MEAS:CURR:DC?", cfg.DMM.Query)
	assert.Equal(t, "mA", cfg.DMM.Unit)
	assert.Equal(t, 250, cfg.Capture.Count)
	assert.Equal(t, 25*time.Millisecond, cfg.Capture.Interval)
	assert.Equal(t, 4, cfg.Capture.Average)
	assert.Equal(t, 5, cfg.Capture.Window)
	assert.Equal(t, 50*time.Millisecond, cfg.Capture.SkewTolerance)
	assert.Equal(t, 5, cfg.Capture.Retries)
	assert.Equal(t, "700V", cfg.Capture.Range)
	assert.Equal(t, uint16(2048), cfg.Sweep.Period)
	assert.Equal(t, uint16(128), cfg.Sweep.Start)
	assert.Equal(t, uint16(1920), cfg.Sweep.End)
	assert.Equal(t, uint16(64), cfg.Sweep.Step)
	assert.Equal(t, 3, cfg.Sweep.PerLevel)
	assert.Equal(t, 2, cfg.Fit.Degree)
	assert.Equal(t, "out/quad.json", cfg.Fit.Out)
	assert.Equal(t, 20, cfg.Verify.Samples)
	assert.Equal(t, 1.5, cfg.Verify.Tolerance)
	assert.Equal(t, 0.05, cfg.Verify.MaxFailRatio)
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	_, err = tmpfile.WriteString("invalid: yaml: content: [")
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoad_PartialYAML(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "test_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	yamlContent := `
serial:
  port: "/dev/ttyACM3"
`

	_, err = tmpfile.WriteString(yamlContent)
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	cfg, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.NotNil(t, cfg)

	// Should use defaults for missing fields
	assert.Equal(t, "/dev/ttyACM3", cfg.Serial.Port)
	assert.Equal(t, 115200, cfg.Serial.BaudRate)
	assert.Equal(t, 100, cfg.Capture.Count)
	assert.Equal(t, 4, cfg.Fit.Degree)
	assert.Equal(t, 1.5, cfg.Sweep.StabilityMaxSigma)
	assert.Equal(t, "capture.jsonl", cfg.Capture.Log)
	assert.Equal(t, 2*time.Second, cfg.DMM.IOTimeout)

	// A missing sweep end follows the period
	assert.Equal(t, uint16(1024), cfg.Sweep.End)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("GOVCAL_SERIAL_PORT", "/dev/ttyS9")
	t.Setenv("GOVCAL_DMM_BAUD", "19200")
	t.Setenv("GOVCAL_MQTT_BROKER", "tcp://broker.local:1883")

	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyS9", cfg.Serial.Port)
	assert.Equal(t, 19200, cfg.DMM.BaudRate)
	assert.Equal(t, "tcp://broker.local:1883", cfg.Telemetry.Broker)
}

func TestLoad_EnvOverrideBadNumber(t *testing.T) {
	t.Setenv("GOVCAL_SERIAL_BAUD", "fast")

	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)
	// Unparseable numeric override is ignored
	assert.Equal(t, 115200, cfg.Serial.BaudRate)
}

func TestSave(t *testing.T) {
	cfg := Default()
	cfg.Serial.Port = "/dev/ttyUSB0"
	cfg.Fit.Degree = 2

	tmpfile, err := os.CreateTemp("", "test_save_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpfile.Name())

	err = cfg.Save(tmpfile.Name())
	require.NoError(t, err)

	// Load it back and verify
	loaded, err := Load(tmpfile.Name())
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", loaded.Serial.Port)
	assert.Equal(t, 2, loaded.Fit.Degree)
}
