package anomaly

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var configValidate = validator.New()

// Rule configures one windowed threshold heuristic.
type Rule struct {
	Enabled   bool          `yaml:"enabled"`
	Window    time.Duration `yaml:"window" validate:"gt=0"`
	Threshold int           `yaml:"threshold" validate:"gte=1"`
}

// OffHoursRule flags actors with many entries outside business hours. Its
// window is the whole detection range. StartHour after EndHour describes
// business hours that run past midnight, so 22-6 is 22:00 to 05:59.
type OffHoursRule struct {
	Enabled   bool   `yaml:"enabled"`
	Threshold int    `yaml:"threshold" validate:"gte=1"`
	StartHour int    `yaml:"start_hour" validate:"gte=0,lte=23"`
	EndHour   int    `yaml:"end_hour" validate:"gte=0,lte=24,nefield=StartHour"`
	Location  string `yaml:"location"`
}

func (r OffHoursRule) inBusinessHours(hour int) bool {
	if r.StartHour < r.EndHour {
		return hour >= r.StartHour && hour < r.EndHour
	}
	return hour >= r.StartHour || hour < r.EndHour
}

// Config holds every threshold, window and business-hours setting.
type Config struct {
	FailedLogins        Rule         `yaml:"failed_logins"`
	BruteForce          Rule         `yaml:"brute_force"`
	CredentialStuffing  Rule         `yaml:"credential_stuffing"`
	ExcessiveDataAccess Rule         `yaml:"excessive_data_access"`
	DataExfiltration    Rule         `yaml:"data_exfiltration"`
	OffHours            OffHoursRule `yaml:"off_hours"`
	MultipleIPs         Rule         `yaml:"multiple_ips"`
	ImpossibleTravel    Rule         `yaml:"impossible_travel"`
	MaxEvidence         int          `yaml:"max_evidence" validate:"gte=1"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		FailedLogins:        Rule{Enabled: true, Window: time.Hour, Threshold: 5},
		BruteForce:          Rule{Enabled: true, Window: 15 * time.Minute, Threshold: 10},
		CredentialStuffing:  Rule{Enabled: true, Window: 5 * time.Minute, Threshold: 50},
		ExcessiveDataAccess: Rule{Enabled: true, Window: time.Hour, Threshold: 100},
		DataExfiltration:    Rule{Enabled: true, Window: 30 * time.Minute, Threshold: 10},
		OffHours:            OffHoursRule{Enabled: true, Threshold: 10, StartHour: 8, EndHour: 18, Location: "UTC"},
		MultipleIPs:         Rule{Enabled: true, Window: time.Hour, Threshold: 3},
		// More than three distinct countries.
		ImpossibleTravel: Rule{Enabled: true, Window: time.Hour, Threshold: 4},
		MaxEvidence:      50,
	}
}

// LoadConfig reads a YAML file over the defaults, so a file only needs the
// keys it changes. An empty path returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read anomaly config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse anomaly config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from LEDGER_ANOMALY_* variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	rules := map[string]*Rule{
		"FAILED_LOGINS":         &c.FailedLogins,
		"BRUTE_FORCE":           &c.BruteForce,
		"CREDENTIAL_STUFFING":   &c.CredentialStuffing,
		"EXCESSIVE_DATA_ACCESS": &c.ExcessiveDataAccess,
		"DATA_EXFILTRATION":     &c.DataExfiltration,
		"MULTIPLE_IPS":          &c.MultipleIPs,
		"IMPOSSIBLE_TRAVEL":     &c.ImpossibleTravel,
	}
	for name, rule := range rules {
		prefix := "LEDGER_ANOMALY_" + name + "_"
		if v := getenv(prefix + "ENABLED"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%sENABLED: %w", prefix, err)
			}
			rule.Enabled = b
		}
		if v := getenv(prefix + "WINDOW"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%sWINDOW: %w", prefix, err)
			}
			rule.Window = d
		}
		if v := getenv(prefix + "THRESHOLD"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%sTHRESHOLD: %w", prefix, err)
			}
			rule.Threshold = n
		}
	}
	if v := getenv("LEDGER_ANOMALY_OFF_HOURS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LEDGER_ANOMALY_OFF_HOURS_ENABLED: %w", err)
		}
		c.OffHours.Enabled = b
	}
	if v := getenv("LEDGER_ANOMALY_BUSINESS_HOURS"); v != "" {
		start, end, ok := strings.Cut(v, "-")
		s, err1 := strconv.Atoi(strings.TrimSpace(start))
		e, err2 := strconv.Atoi(strings.TrimSpace(end))
		if !ok || err1 != nil || err2 != nil {
			return fmt.Errorf("LEDGER_ANOMALY_BUSINESS_HOURS must look like 8-18 or 22-6, got %q", v)
		}
		c.OffHours.StartHour, c.OffHours.EndHour = s, e
	}
	if v := getenv("LEDGER_ANOMALY_TIMEZONE"); v != "" {
		c.OffHours.Location = v
	}
	return c.Validate()
}

// Validate checks ranges and that the business-hours location exists.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid anomaly config: %w", err)
	}
	if _, err := c.location(); err != nil {
		return fmt.Errorf("invalid anomaly config: %w", err)
	}
	return nil
}

func (c Config) location() (*time.Location, error) {
	if c.OffHours.Location == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.OffHours.Location)
}
