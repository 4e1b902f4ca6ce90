// Package policy holds the engine's configurable limits. All knobs that
// would otherwise live in ambient global state are carried explicitly
// by a Config passed to the resolver.
//
// Policy files are written in CUE. An embedded schema supplies defaults
// and validation; a user file is unified with the schema, so an empty
// file is a valid complete configuration and any override outside the
// schema's bounds fails loading with a CUE error.
package policy

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue/cuecontext"

	"github.com/halcyonlabs/attrib/internal/attribution"
	"github.com/halcyonlabs/attrib/internal/noise"
	"github.com/halcyonlabs/attrib/internal/ratelimit"
)

//go:embed schema.cue
var schemaCUE string

// Config is the fully-resolved engine policy. Construct via Default or
// Load; a zero Config is not valid.
type Config struct {
	MaxSourcesPerOrigin      int
	MaxDestinationsPerSource int
	MaxDistinctDestinations  int

	MaxReportingOriginsPerSite int

	RateLimitWindow                 time.Duration
	MaxAttributions                 int
	MaxAttributionReportingOrigins  int
	MaxRegistrationReportingOrigins int

	DestinationWindow               time.Duration
	MaxDestinationsPerReportingSite int
	MaxDestinationsTotal            int

	MaxEventLevelReportsNavigation int
	MaxEventLevelReportsEvent      int

	DefaultTriggerDataCardinalityNavigation int
	DefaultTriggerDataCardinalityEvent      int

	MaxAggregatableReportsPerSource int
	AggregatableBudgetPerSource     int64

	AggregatableReportMinDelay  time.Duration
	AggregatableReportDelaySpan time.Duration

	RandomizedResponseEpsilon    float64
	MaxTriggerStates             uint64
	MaxChannelCapacityNavigation float64
	MaxChannelCapacityEvent      float64

	OfflineReportDelayMin         time.Duration
	OfflineReportDelayMax         time.Duration
	ExpiredSourceDeletionInterval time.Duration
}

// fileConfig mirrors schema.cue for decoding. Durations are seconds.
type fileConfig struct {
	MaxSourcesPerOrigin      int `json:"maxSourcesPerOrigin"`
	MaxDestinationsPerSource int `json:"maxDestinationsPerSource"`
	MaxDistinctDestinations  int `json:"maxDistinctDestinations"`

	MaxReportingOriginsPerSite int `json:"maxReportingOriginsPerSite"`

	RateLimitWindowSeconds          int `json:"rateLimitWindowSeconds"`
	MaxAttributions                 int `json:"maxAttributions"`
	MaxAttributionReportingOrigins  int `json:"maxAttributionReportingOrigins"`
	MaxRegistrationReportingOrigins int `json:"maxRegistrationReportingOrigins"`

	DestinationWindowSeconds        int `json:"destinationWindowSeconds"`
	MaxDestinationsPerReportingSite int `json:"maxDestinationsPerReportingSite"`
	MaxDestinationsTotal            int `json:"maxDestinationsTotal"`

	MaxEventLevelReportsNavigation int `json:"maxEventLevelReportsNavigation"`
	MaxEventLevelReportsEvent      int `json:"maxEventLevelReportsEvent"`

	DefaultTriggerDataCardinalityNavigation int `json:"defaultTriggerDataCardinalityNavigation"`
	DefaultTriggerDataCardinalityEvent      int `json:"defaultTriggerDataCardinalityEvent"`

	MaxAggregatableReportsPerSource int   `json:"maxAggregatableReportsPerSource"`
	AggregatableBudgetPerSource     int64 `json:"aggregatableBudgetPerSource"`

	AggregatableReportMinDelaySeconds  int `json:"aggregatableReportMinDelaySeconds"`
	AggregatableReportDelaySpanSeconds int `json:"aggregatableReportDelaySpanSeconds"`

	RandomizedResponseEpsilon    float64 `json:"randomizedResponseEpsilon"`
	MaxTriggerStates             uint64  `json:"maxTriggerStates"`
	MaxChannelCapacityNavigation float64 `json:"maxChannelCapacityNavigation"`
	MaxChannelCapacityEvent      float64 `json:"maxChannelCapacityEvent"`

	OfflineReportDelayMinSeconds         int `json:"offlineReportDelayMinSeconds"`
	OfflineReportDelayMaxSeconds         int `json:"offlineReportDelayMaxSeconds"`
	ExpiredSourceDeletionIntervalSeconds int `json:"expiredSourceDeletionIntervalSeconds"`
}

func (f fileConfig) toConfig() Config {
	return Config{
		MaxSourcesPerOrigin:      f.MaxSourcesPerOrigin,
		MaxDestinationsPerSource: f.MaxDestinationsPerSource,
		MaxDistinctDestinations:  f.MaxDistinctDestinations,

		MaxReportingOriginsPerSite: f.MaxReportingOriginsPerSite,

		RateLimitWindow:                 time.Duration(f.RateLimitWindowSeconds) * time.Second,
		MaxAttributions:                 f.MaxAttributions,
		MaxAttributionReportingOrigins:  f.MaxAttributionReportingOrigins,
		MaxRegistrationReportingOrigins: f.MaxRegistrationReportingOrigins,

		DestinationWindow:               time.Duration(f.DestinationWindowSeconds) * time.Second,
		MaxDestinationsPerReportingSite: f.MaxDestinationsPerReportingSite,
		MaxDestinationsTotal:            f.MaxDestinationsTotal,

		MaxEventLevelReportsNavigation: f.MaxEventLevelReportsNavigation,
		MaxEventLevelReportsEvent:      f.MaxEventLevelReportsEvent,

		DefaultTriggerDataCardinalityNavigation: f.DefaultTriggerDataCardinalityNavigation,
		DefaultTriggerDataCardinalityEvent:      f.DefaultTriggerDataCardinalityEvent,

		MaxAggregatableReportsPerSource: f.MaxAggregatableReportsPerSource,
		AggregatableBudgetPerSource:     f.AggregatableBudgetPerSource,

		AggregatableReportMinDelay:  time.Duration(f.AggregatableReportMinDelaySeconds) * time.Second,
		AggregatableReportDelaySpan: time.Duration(f.AggregatableReportDelaySpanSeconds) * time.Second,

		RandomizedResponseEpsilon:    f.RandomizedResponseEpsilon,
		MaxTriggerStates:             f.MaxTriggerStates,
		MaxChannelCapacityNavigation: f.MaxChannelCapacityNavigation,
		MaxChannelCapacityEvent:      f.MaxChannelCapacityEvent,

		OfflineReportDelayMin:         time.Duration(f.OfflineReportDelayMinSeconds) * time.Second,
		OfflineReportDelayMax:         time.Duration(f.OfflineReportDelayMaxSeconds) * time.Second,
		ExpiredSourceDeletionInterval: time.Duration(f.ExpiredSourceDeletionIntervalSeconds) * time.Second,
	}
}

// Default returns the schema's default configuration.
func Default() Config {
	cfg, err := loadBytes(nil)
	if err != nil {
		// The embedded schema fully defaults every field; failing to
		// evaluate it is a build defect, not a runtime condition.
		panic(fmt.Sprintf("policy: embedded schema invalid: %v", err))
	}
	return cfg
}

// Load reads a CUE policy file and unifies it with the embedded schema.
// Fields absent from the file take their schema defaults; fields
// outside schema bounds fail with the CUE constraint error.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read policy file: %w", err)
	}
	cfg, err := loadBytes(data)
	if err != nil {
		return Config{}, fmt.Errorf("policy file %s: %w", path, err)
	}
	return cfg, nil
}

func loadBytes(overrides []byte) (Config, error) {
	cuectx := cuecontext.New()

	v := cuectx.CompileString(schemaCUE)
	if err := v.Err(); err != nil {
		return Config{}, fmt.Errorf("compile schema: %w", err)
	}
	if len(overrides) > 0 {
		ov := cuectx.CompileBytes(overrides)
		if err := ov.Err(); err != nil {
			return Config{}, fmt.Errorf("compile overrides: %w", err)
		}
		v = v.Unify(ov)
		if err := v.Validate(); err != nil {
			return Config{}, fmt.Errorf("validate: %w", err)
		}
	}

	var raw fileConfig
	if err := v.Decode(&raw); err != nil {
		return Config{}, fmt.Errorf("decode: %w", err)
	}
	cfg := raw.toConfig()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate applies cross-field checks the CUE schema cannot express.
func (c Config) Validate() error {
	if c.OfflineReportDelayMax <= c.OfflineReportDelayMin {
		return fmt.Errorf("offline report delay max %v must exceed min %v", c.OfflineReportDelayMax, c.OfflineReportDelayMin)
	}
	if c.MaxDestinationsPerReportingSite > c.MaxDestinationsTotal {
		return fmt.Errorf("per-reporting-site destination limit %d must not exceed global limit %d", c.MaxDestinationsPerReportingSite, c.MaxDestinationsTotal)
	}
	return nil
}

// RateLimits projects the config onto the ledger's limit set.
func (c Config) RateLimits() ratelimit.Limits {
	return ratelimit.Limits{
		Window:                          c.RateLimitWindow,
		MaxAttributions:                 c.MaxAttributions,
		MaxAttributionReportingOrigins:  c.MaxAttributionReportingOrigins,
		MaxRegistrationReportingOrigins: c.MaxRegistrationReportingOrigins,
		DestinationWindow:               c.DestinationWindow,
		MaxDestinationsPerReportingSite: c.MaxDestinationsPerReportingSite,
		MaxDestinationsTotal:            c.MaxDestinationsTotal,
	}
}

// NoiseParams returns the randomized-response bounds for a source type.
func (c Config) NoiseParams(st attribution.SourceType) noise.Params {
	capacity := c.MaxChannelCapacityEvent
	if st == attribution.SourceTypeNavigation {
		capacity = c.MaxChannelCapacityNavigation
	}
	return noise.Params{
		Epsilon:                c.RandomizedResponseEpsilon,
		MaxTriggerStates:       c.MaxTriggerStates,
		MaxChannelCapacityBits: capacity,
	}
}

// MaxEventLevelReports returns the per-source event-level report cap
// for a source type.
func (c Config) MaxEventLevelReports(st attribution.SourceType) int {
	if st == attribution.SourceTypeNavigation {
		return c.MaxEventLevelReportsNavigation
	}
	return c.MaxEventLevelReportsEvent
}

// DefaultTriggerDataCardinality returns the trigger-data value count
// assumed for sources that register no explicit specification.
func (c Config) DefaultTriggerDataCardinality(st attribution.SourceType) int {
	if st == attribution.SourceTypeNavigation {
		return c.DefaultTriggerDataCardinalityNavigation
	}
	return c.DefaultTriggerDataCardinalityEvent
}
