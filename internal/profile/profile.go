// Package profile holds the compiled-in operating profiles selected after
// a controller family has been identified.
package profile

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"can-autoconfig/internal/models"
)

// ErrInvalidProfile is returned when the catalogue fails validation
var ErrInvalidProfile = errors.New("invalid operating profile")

// Canonical metric names shared by the rest of the system
const (
	MetricRPM             = "engine.rpm"
	MetricManifoldKPa     = "engine.map_kpa"
	MetricThrottlePct     = "engine.tps_pct"
	MetricCoolantC        = "engine.coolant_c"
	MetricAirTempC        = "engine.iat_c"
	MetricLambda          = "fuel.lambda"
	MetricIgnitionDeg     = "ignition.advance_deg"
	MetricFuelPressureKPa = "fuel.pressure_kpa"
	MetricOilPressureKPa  = "oil.pressure_kpa"
	MetricInjectorDuty    = "fuel.injector_duty_pct"
)

// Default threshold keys
const (
	ThresholdRedlineRPM        = "redline_rpm"
	ThresholdMaxBoostKPa       = "max_boost_kpa"
	ThresholdMaxCoolantC       = "max_coolant_c"
	ThresholdMinOilPressureKPa = "min_oil_pressure_kpa"
)

// OperatingProfile is the bus and presentation setup associated with a
// vendor. Profiles handed out by a Registry are copies.
type OperatingProfile struct {
	Vendor        models.Vendor            `json:"vendor"`
	Channel       string                   `json:"channel"`
	Bitrate       int                      `json:"bitrate"`
	MetricNames   map[string]string        `json:"metric_names"`
	PollIntervals map[string]time.Duration `json:"poll_intervals"`
	Thresholds    map[string]float64       `json:"thresholds"`
	TuningHints   []string                 `json:"tuning_hints,omitempty"`
}

// Clone returns a deep copy
func (p OperatingProfile) Clone() OperatingProfile {
	p.MetricNames = maps.Clone(p.MetricNames)
	p.PollIntervals = maps.Clone(p.PollIntervals)
	p.Thresholds = maps.Clone(p.Thresholds)
	p.TuningHints = slices.Clone(p.TuningHints)
	return p
}

// Validate checks a single profile
func (p OperatingProfile) Validate() error {
	if p.Vendor.IsSentinel() {
		return fmt.Errorf("%w: sentinel vendor %s", ErrInvalidProfile, p.Vendor)
	}
	return p.validateFields()
}

func (p OperatingProfile) validateFields() error {
	if p.Bitrate <= 0 || p.Bitrate > 1_000_000 {
		return fmt.Errorf("%w: %s: bitrate %d outside classic CAN range", ErrInvalidProfile, p.Vendor, p.Bitrate)
	}
	for signal, metric := range p.MetricNames {
		if signal == "" || metric == "" {
			return fmt.Errorf("%w: %s: empty metric mapping", ErrInvalidProfile, p.Vendor)
		}
	}
	for metric, interval := range p.PollIntervals {
		if interval <= 0 {
			return fmt.Errorf("%w: %s: non-positive poll interval for %s", ErrInvalidProfile, p.Vendor, metric)
		}
	}
	return nil
}

// Registry is a read-only vendor → profile catalogue
type Registry struct {
	profiles map[models.Vendor]OperatingProfile
}

// NewRegistry validates profiles and builds a registry
func NewRegistry(profiles ...OperatingProfile) (*Registry, error) {
	r := &Registry{profiles: make(map[models.Vendor]OperatingProfile, len(profiles))}
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.profiles[p.Vendor]; dup {
			return nil, fmt.Errorf("%w: duplicate profile for %s", ErrInvalidProfile, p.Vendor)
		}
		r.profiles[p.Vendor] = p.Clone()
	}
	return r, nil
}

// ProfileFor returns the profile for vendor. Sentinel vendors and vendors
// without a profile return false.
func (r *Registry) ProfileFor(vendor models.Vendor) (OperatingProfile, bool) {
	if r == nil {
		return OperatingProfile{}, false
	}
	p, ok := r.profiles[vendor]
	if !ok {
		return OperatingProfile{}, false
	}
	return p.Clone(), true
}

// Vendors lists the vendors with a profile
func (r *Registry) Vendors() []models.Vendor {
	return slices.Sorted(maps.Keys(r.profiles))
}

// DefaultRegistry returns the compiled-in catalogue
func DefaultRegistry() *Registry {
	r, err := NewRegistry(builtinProfiles...)
	if err != nil {
		panic(fmt.Sprintf("profile: builtin catalogue: %v", err))
	}
	return r
}

// SystemDefaults are the conservative settings used for any field no
// profile or override has provided
var SystemDefaults = OperatingProfile{
	Vendor:  models.VendorGeneric,
	Channel: "can0",
	Bitrate: 500_000,
	PollIntervals: map[string]time.Duration{
		MetricRPM:         100 * time.Millisecond,
		MetricManifoldKPa: 100 * time.Millisecond,
		MetricThrottlePct: 100 * time.Millisecond,
		MetricLambda:      200 * time.Millisecond,
		MetricCoolantC:    time.Second,
		MetricAirTempC:    time.Second,
	},
	Thresholds: map[string]float64{
		ThresholdRedlineRPM:        6000,
		ThresholdMaxBoostKPa:       150,
		ThresholdMaxCoolantC:       105,
		ThresholdMinOilPressureKPa: 100,
	},
	TuningHints: []string{
		"Controller not identified; alarms use conservative thresholds.",
	},
}

var commonPolling = map[string]time.Duration{
	MetricRPM:         50 * time.Millisecond,
	MetricManifoldKPa: 50 * time.Millisecond,
	MetricThrottlePct: 50 * time.Millisecond,
	MetricLambda:      100 * time.Millisecond,
	MetricIgnitionDeg: 100 * time.Millisecond,
	MetricCoolantC:    500 * time.Millisecond,
	MetricAirTempC:    500 * time.Millisecond,
}

var commonMetricNames = map[string]string{
	"rpm":               MetricRPM,
	"manifold_pressure": MetricManifoldKPa,
	"throttle_position": MetricThrottlePct,
	"coolant_temp":      MetricCoolantC,
	"air_temp":          MetricAirTempC,
	"lambda":            MetricLambda,
	"ignition_angle":    MetricIgnitionDeg,
}

func withExtra[K comparable, V any](base map[K]V, extra map[K]V) map[K]V {
	out := maps.Clone(base)
	maps.Copy(out, extra)
	return out
}

var builtinProfiles = []OperatingProfile{
	{
		Vendor:  models.VendorHaltech,
		Channel: "can0",
		Bitrate: 1_000_000,
		MetricNames: withExtra(commonMetricNames, map[string]string{
			"wideband_1":    MetricLambda,
			"fuel_pressure": MetricFuelPressureKPa,
			"oil_pressure":  MetricOilPressureKPa,
			"injector_duty": MetricInjectorDuty,
		}),
		PollIntervals: withExtra(commonPolling, map[string]time.Duration{
			MetricOilPressureKPa:  200 * time.Millisecond,
			MetricFuelPressureKPa: 200 * time.Millisecond,
		}),
		Thresholds: map[string]float64{
			ThresholdRedlineRPM:        7500,
			ThresholdMaxBoostKPa:       250,
			ThresholdMaxCoolantC:       110,
			ThresholdMinOilPressureKPa: 150,
		},
		TuningHints: []string{
			"Haltech pressures are absolute; subtract barometric pressure for gauge readings.",
		},
	},
	{
		Vendor:        models.VendorMaxxECU,
		Channel:       "can0",
		Bitrate:       500_000,
		MetricNames:   commonMetricNames,
		PollIntervals: commonPolling,
		Thresholds: map[string]float64{
			ThresholdRedlineRPM:  7000,
			ThresholdMaxBoostKPa: 220,
			ThresholdMaxCoolantC: 108,
		},
	},
	{
		Vendor:        models.VendorLink,
		Channel:       "can0",
		Bitrate:       1_000_000,
		MetricNames:   commonMetricNames,
		PollIntervals: commonPolling,
		Thresholds: map[string]float64{
			ThresholdRedlineRPM:  7200,
			ThresholdMaxBoostKPa: 200,
			ThresholdMaxCoolantC: 105,
		},
		TuningHints: []string{"Generic dash stream must be enabled in PCLink CAN setup."},
	},
	{
		Vendor:        models.VendorEcumaster,
		Channel:       "can0",
		Bitrate:       1_000_000,
		MetricNames:   commonMetricNames,
		PollIntervals: commonPolling,
		Thresholds: map[string]float64{
			ThresholdRedlineRPM:  7000,
			ThresholdMaxBoostKPa: 200,
			ThresholdMaxCoolantC: 105,
		},
	},
	{
		Vendor:        models.VendorMegasquirt,
		Channel:       "can0",
		Bitrate:       500_000,
		MetricNames:   commonMetricNames,
		PollIntervals: withExtra(commonPolling, map[string]time.Duration{MetricLambda: 200 * time.Millisecond}),
		Thresholds: map[string]float64{
			ThresholdRedlineRPM:  6500,
			ThresholdMaxBoostKPa: 180,
			ThresholdMaxCoolantC: 104,
		},
		TuningHints: []string{"MegaSquirt reports coolant in degF; convert before applying alarms."},
	},
	{
		Vendor:        models.VendorMotec,
		Channel:       "can0",
		Bitrate:       1_000_000,
		MetricNames:   commonMetricNames,
		PollIntervals: withExtra(commonPolling, map[string]time.Duration{MetricRPM: 20 * time.Millisecond}),
		Thresholds: map[string]float64{
			ThresholdRedlineRPM:        8000,
			ThresholdMaxBoostKPa:       260,
			ThresholdMaxCoolantC:       110,
			ThresholdMinOilPressureKPa: 150,
		},
	},
	{
		Vendor:        models.VendorAEM,
		Channel:       "can0",
		Bitrate:       500_000,
		MetricNames:   commonMetricNames,
		PollIntervals: commonPolling,
		Thresholds: map[string]float64{
			ThresholdRedlineRPM:  7000,
			ThresholdMaxBoostKPa: 230,
			ThresholdMaxCoolantC: 108,
		},
		TuningHints: []string{"AEM Infinity uses 29-bit identifiers; keep extended frames enabled."},
	},
	{
		Vendor:  models.VendorOBD2,
		Channel: "can0",
		Bitrate: 500_000,
		MetricNames: map[string]string{
			"engine_speed":    MetricRPM,
			"intake_pressure": MetricManifoldKPa,
			"throttle":        MetricThrottlePct,
			"coolant_temp":    MetricCoolantC,
			"intake_temp":     MetricAirTempC,
		},
		PollIntervals: map[string]time.Duration{
			MetricRPM:         250 * time.Millisecond,
			MetricManifoldKPa: 250 * time.Millisecond,
			MetricThrottlePct: 250 * time.Millisecond,
			MetricCoolantC:    2 * time.Second,
			MetricAirTempC:    2 * time.Second,
		},
		Thresholds: map[string]float64{
			ThresholdRedlineRPM:  6000,
			ThresholdMaxCoolantC: 105,
		},
		TuningHints: []string{
			"Diagnostic requests share bus bandwidth with the ECU; keep total request rate under 20 Hz.",
		},
	},
}
