package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the calibration tool configuration shared by the
// capture, fit and verify commands.
type Config struct {
	Serial    SerialConfig    `yaml:"serial"`
	DMM       DMMConfig       `yaml:"dmm"`
	Capture   CaptureConfig   `yaml:"capture"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Fit       FitConfig       `yaml:"fit"`
	Verify    VerifyConfig    `yaml:"verify"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Mock      MockConfig      `yaml:"mock"`
}

// SerialConfig contains the instrument serial port configuration.
type SerialConfig struct {
	Port      string        `yaml:"port"`
	BaudRate  int           `yaml:"baud_rate"`
	IOTimeout time.Duration `yaml:"io_timeout"` // Deadline for a single request/response exchange
}

// DMMConfig contains the reference multimeter configuration.
type DMMConfig struct {
	Port      string        `yaml:"port"`
	BaudRate  int           `yaml:"baud_rate"`
	Query     string        `yaml:"query"` // SCPI query sent per reading
	Unit      string        `yaml:"unit"`
	IOTimeout time.Duration `yaml:"io_timeout"`
}

// CaptureConfig contains sample capture parameters.
type CaptureConfig struct {
	Count              int           `yaml:"count"`    // Records to capture (0 = until duration/interrupt)
	Duration           time.Duration `yaml:"duration"` // Capture duration (0 = until count/interrupt)
	Interval           time.Duration `yaml:"interval"` // Pause between records
	Average            int           `yaml:"average"`  // Instrument reads averaged into one record
	Window             int           `yaml:"window"`   // On-device averaging window programmed before a run
	SkewTolerance      time.Duration `yaml:"skew_tolerance"`
	Retries            int           `yaml:"retries"`       // Retries per transient I/O failure
	RetryBackoff       time.Duration `yaml:"retry_backoff"` // Base backoff, doubled per attempt
	MaxSkewRejectRatio float64       `yaml:"max_skew_reject_ratio"`
	Range              string        `yaml:"range"` // Measurement range label stored with each record
	Log                string        `yaml:"log"`   // Capture log path
}

// SweepConfig contains the drive-level sweep parameters.
type SweepConfig struct {
	Period            uint16        `yaml:"period"` // Drive period in timer counts
	Start             uint16        `yaml:"start"`
	End               uint16        `yaml:"end"`
	Step              uint16        `yaml:"step"`
	PerLevel          int           `yaml:"per_level"` // Records captured at each level
	Settle            time.Duration `yaml:"settle"`    // Fixed wait after a level change
	StabilityWindow   int           `yaml:"stability_window"`
	StabilityMaxSigma float64       `yaml:"stability_max_sigma"` // Max stddev (counts) to call the output settled
	StabilityTimeout  time.Duration `yaml:"stability_timeout"`
}

// FitConfig contains curve fitting parameters.
type FitConfig struct {
	Degree int    `yaml:"degree"`
	Out    string `yaml:"out"` // Coefficient artifact path
}

// VerifyConfig contains verification run parameters.
type VerifyConfig struct {
	Samples      int           `yaml:"samples"`
	Interval     time.Duration `yaml:"interval"`
	Tolerance    float64       `yaml:"tolerance"` // Max |corrected - reference| to pass, in output units
	MaxFailRatio float64       `yaml:"max_fail_ratio"`
}

// TelemetryConfig contains the optional MQTT live feed configuration.
// Telemetry is disabled while Broker is empty.
type TelemetryConfig struct {
	Broker   string `yaml:"broker"` // e.g. tcp://localhost:1883
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"` // Topic prefix
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      byte   `yaml:"qos"`
}

// MockConfig contains mock instrument configuration.
type MockConfig struct {
	VoltsMax      float64       `yaml:"volts_max"`       // Output at full drive duty (V)
	CountsPerVolt float64       `yaml:"counts_per_volt"` // True ADC transfer slope
	NoiseCounts   float64       `yaml:"noise_counts"`    // ADC noise, in counts
	DMMNoise      float64       `yaml:"dmm_noise"`       // Reference meter noise (V)
	SettleTau     time.Duration `yaml:"settle_tau"`      // Output settling time constant
	SampleRate    time.Duration `yaml:"sample_rate"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:      "/dev/ttyACM0",
			BaudRate:  115200,
			IOTimeout: time.Second,
		},
		DMM: DMMConfig{
			Port:      "/dev/ttyUSB0",
			BaudRate:  9600,
			Query:     "MEAS:VOLT:DC?",
			Unit:      "V",
			IOTimeout: 2 * time.Second,
		},
		Capture: CaptureConfig{
			Count:              100,
			Duration:           0,
			Interval:           50 * time.Millisecond, // 20 Hz
			Average:            10,
			Window:             20,
			SkewTolerance:      100 * time.Millisecond,
			Retries:            3,
			RetryBackoff:       200 * time.Millisecond,
			MaxSkewRejectRatio: 0.2,
			Log:                "capture.jsonl",
		},
		Sweep: SweepConfig{
			Period:            1024,
			Start:             0,
			End:               1024,
			Step:              32,
			PerLevel:          1,
			Settle:            500 * time.Millisecond,
			StabilityWindow:   100,
			StabilityMaxSigma: 1.5,
			StabilityTimeout:  2 * time.Minute,
		},
		Fit: FitConfig{
			Degree: 4,
			Out:    "coefficients.json",
		},
		Verify: VerifyConfig{
			Samples:      50,
			Interval:     100 * time.Millisecond,
			Tolerance:    0.5,
			MaxFailRatio: 0.1,
		},
		Telemetry: TelemetryConfig{
			ClientID: "govcal",
			Topic:    "govcal",
			QoS:      1,
		},
		Mock: MockConfig{
			VoltsMax:      750,
			CountsPerVolt: 1.31,
			NoiseCounts:   2.0,
			DMMNoise:      0.05,
			SettleTau:     300 * time.Millisecond,
			SampleRate:    20 * time.Millisecond,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values. Environment variables
// (GOVCAL_*) override the file afterwards.
func Load(filename string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()
	cfg.applyEnv()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}
	if c.Serial.IOTimeout == 0 {
		c.Serial.IOTimeout = def.Serial.IOTimeout
	}

	if c.DMM.Port == "" {
		c.DMM.Port = def.DMM.Port
	}
	if c.DMM.BaudRate == 0 {
		c.DMM.BaudRate = def.DMM.BaudRate
	}
	if c.DMM.Query == "" {
		c.DMM.Query = def.DMM.Query
	}
	if c.DMM.Unit == "" {
		c.DMM.Unit = def.DMM.Unit
	}
	if c.DMM.IOTimeout == 0 {
		c.DMM.IOTimeout = def.DMM.IOTimeout
	}

	if c.Capture.Count == 0 && c.Capture.Duration == 0 {
		c.Capture.Count = def.Capture.Count
	}
	if c.Capture.Interval == 0 {
		c.Capture.Interval = def.Capture.Interval
	}
	if c.Capture.Average == 0 {
		c.Capture.Average = def.Capture.Average
	}
	if c.Capture.Window == 0 {
		c.Capture.Window = def.Capture.Window
	}
	if c.Capture.SkewTolerance == 0 {
		c.Capture.SkewTolerance = def.Capture.SkewTolerance
	}
	if c.Capture.Retries == 0 {
		c.Capture.Retries = def.Capture.Retries
	}
	if c.Capture.RetryBackoff == 0 {
		c.Capture.RetryBackoff = def.Capture.RetryBackoff
	}
	if c.Capture.MaxSkewRejectRatio == 0 {
		c.Capture.MaxSkewRejectRatio = def.Capture.MaxSkewRejectRatio
	}
	if c.Capture.Log == "" {
		c.Capture.Log = def.Capture.Log
	}

	if c.Sweep.Period == 0 {
		c.Sweep.Period = def.Sweep.Period
	}
	if c.Sweep.Step == 0 {
		c.Sweep.Step = def.Sweep.Step
	}
	if c.Sweep.End == 0 {
		c.Sweep.End = c.Sweep.Period
	}
	if c.Sweep.PerLevel == 0 {
		c.Sweep.PerLevel = def.Sweep.PerLevel
	}
	if c.Sweep.Settle == 0 {
		c.Sweep.Settle = def.Sweep.Settle
	}
	if c.Sweep.StabilityWindow == 0 {
		c.Sweep.StabilityWindow = def.Sweep.StabilityWindow
	}
	if c.Sweep.StabilityMaxSigma == 0 {
		c.Sweep.StabilityMaxSigma = def.Sweep.StabilityMaxSigma
	}
	if c.Sweep.StabilityTimeout == 0 {
		c.Sweep.StabilityTimeout = def.Sweep.StabilityTimeout
	}

	if c.Fit.Degree == 0 {
		c.Fit.Degree = def.Fit.Degree
	}
	if c.Fit.Out == "" {
		c.Fit.Out = def.Fit.Out
	}

	if c.Verify.Samples == 0 {
		c.Verify.Samples = def.Verify.Samples
	}
	if c.Verify.Interval == 0 {
		c.Verify.Interval = def.Verify.Interval
	}
	if c.Verify.Tolerance == 0 {
		c.Verify.Tolerance = def.Verify.Tolerance
	}
	if c.Verify.MaxFailRatio == 0 {
		c.Verify.MaxFailRatio = def.Verify.MaxFailRatio
	}

	if c.Telemetry.ClientID == "" {
		c.Telemetry.ClientID = def.Telemetry.ClientID
	}
	if c.Telemetry.Topic == "" {
		c.Telemetry.Topic = def.Telemetry.Topic
	}

	if c.Mock.VoltsMax == 0 {
		c.Mock.VoltsMax = def.Mock.VoltsMax
	}
	if c.Mock.CountsPerVolt == 0 {
		c.Mock.CountsPerVolt = def.Mock.CountsPerVolt
	}
	if c.Mock.SettleTau == 0 {
		c.Mock.SettleTau = def.Mock.SettleTau
	}
	if c.Mock.SampleRate == 0 {
		c.Mock.SampleRate = def.Mock.SampleRate
	}
}

// applyEnv overrides configuration fields from GOVCAL_* environment
// variables. Load reads a .env file first, so both real environment
// variables and .env entries land here.
func (c *Config) applyEnv() {
	if v := os.Getenv("GOVCAL_SERIAL_PORT"); v != "" {
		c.Serial.Port = v
	}
	if v := os.Getenv("GOVCAL_SERIAL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("GOVCAL_DMM_PORT"); v != "" {
		c.DMM.Port = v
	}
	if v := os.Getenv("GOVCAL_DMM_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.DMM.BaudRate = n
		}
	}
	if v := os.Getenv("GOVCAL_LOG"); v != "" {
		c.Capture.Log = v
	}
	if v := os.Getenv("GOVCAL_MQTT_BROKER"); v != "" {
		c.Telemetry.Broker = v
	}
	if v := os.Getenv("GOVCAL_MQTT_USERNAME"); v != "" {
		c.Telemetry.Username = v
	}
	if v := os.Getenv("GOVCAL_MQTT_PASSWORD"); v != "" {
		c.Telemetry.Password = v
	}
}
