package autoconfig

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"can-autoconfig/internal/models"
	"can-autoconfig/internal/profile"
)

// Settings is a snapshot of the live configuration. Zero values and
// missing map keys mean "unset".
type Settings struct {
	Vendor        models.Vendor            `json:"vendor"`
	Channel       string                   `json:"channel,omitempty"`
	Bitrate       int                      `json:"bitrate,omitempty"`
	MetricNames   map[string]string        `json:"metric_names"`
	PollIntervals map[string]time.Duration `json:"poll_intervals"`
	Thresholds    map[string]float64       `json:"thresholds"`
	TuningHints   []string                 `json:"tuning_hints,omitempty"`
}

func (s Settings) clone() Settings {
	s.MetricNames = maps.Clone(s.MetricNames)
	s.PollIntervals = maps.Clone(s.PollIntervals)
	s.Thresholds = maps.Clone(s.Thresholds)
	s.TuningHints = slices.Clone(s.TuningHints)
	return s
}

// FieldChange records one field written by a merge or override
type FieldChange struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// Delta lists the fields a merge actually wrote
type Delta []FieldChange

// Override carries manual settings. Nil and empty members are ignored.
type Override struct {
	Channel         *string            `json:"channel,omitempty"`
	Bitrate         *int               `json:"bitrate,omitempty"`
	MetricNames     map[string]string  `json:"metric_names,omitempty"`
	PollIntervalsMS map[string]int64   `json:"poll_intervals_ms,omitempty"`
	Thresholds      map[string]float64 `json:"thresholds,omitempty"`
	TuningHints     []string           `json:"tuning_hints,omitempty"`
}

// ErrInvalidOverride is returned for overrides that would store an
// unusable value
var ErrInvalidOverride = errors.New("invalid override")

// AppliedConfiguration is the live configuration read by the rest of the
// system. Merges only fill unset fields; overrides always win. All
// methods are safe for concurrent use.
type AppliedConfiguration struct {
	mu sync.Mutex
	s  Settings
}

// NewAppliedConfiguration creates an empty configuration
func NewAppliedConfiguration() *AppliedConfiguration {
	return &AppliedConfiguration{s: Settings{
		MetricNames:   make(map[string]string),
		PollIntervals: make(map[string]time.Duration),
		Thresholds:    make(map[string]float64),
	}}
}

// Merge writes every profile field that is currently unset and returns
// what was written. Map-valued fields are merged key by key.
func (c *AppliedConfiguration) Merge(p profile.OperatingProfile) Delta {
	c.mu.Lock()
	defer c.mu.Unlock()

	var delta Delta

	if c.s.Vendor.IsSentinel() && !p.Vendor.IsSentinel() {
		c.s.Vendor = p.Vendor
		delta = append(delta, FieldChange{Field: "vendor", Value: p.Vendor})
	}
	if c.s.Channel == "" && p.Channel != "" {
		c.s.Channel = p.Channel
		delta = append(delta, FieldChange{Field: "channel", Value: p.Channel})
	}
	if c.s.Bitrate == 0 && p.Bitrate > 0 {
		c.s.Bitrate = p.Bitrate
		delta = append(delta, FieldChange{Field: "bitrate", Value: p.Bitrate})
	}

	for _, k := range slices.Sorted(maps.Keys(p.MetricNames)) {
		if _, set := c.s.MetricNames[k]; !set {
			c.s.MetricNames[k] = p.MetricNames[k]
			delta = append(delta, FieldChange{Field: "metric_names." + k, Value: p.MetricNames[k]})
		}
	}
	for _, k := range slices.Sorted(maps.Keys(p.PollIntervals)) {
		if _, set := c.s.PollIntervals[k]; !set {
			c.s.PollIntervals[k] = p.PollIntervals[k]
			delta = append(delta, FieldChange{Field: "poll_intervals." + k, Value: p.PollIntervals[k]})
		}
	}
	for _, k := range slices.Sorted(maps.Keys(p.Thresholds)) {
		if _, set := c.s.Thresholds[k]; !set {
			c.s.Thresholds[k] = p.Thresholds[k]
			delta = append(delta, FieldChange{Field: "thresholds." + k, Value: p.Thresholds[k]})
		}
	}

	if len(c.s.TuningHints) == 0 && len(p.TuningHints) > 0 {
		c.s.TuningHints = slices.Clone(p.TuningHints)
		delta = append(delta, FieldChange{Field: "tuning_hints", Value: slices.Clone(p.TuningHints)})
	}

	return delta
}

// Apply stores manual overrides, replacing whatever was set before.
// The override is validated as a whole before anything is written.
func (c *AppliedConfiguration) Apply(o Override) (Delta, error) {
	if o.Channel != nil && *o.Channel == "" {
		return nil, fmt.Errorf("%w: empty channel", ErrInvalidOverride)
	}
	if o.Bitrate != nil && (*o.Bitrate <= 0 || *o.Bitrate > 1_000_000) {
		return nil, fmt.Errorf("%w: bitrate %d", ErrInvalidOverride, *o.Bitrate)
	}
	for k, v := range o.MetricNames {
		if k == "" || v == "" {
			return nil, fmt.Errorf("%w: empty metric mapping", ErrInvalidOverride)
		}
	}
	for k, ms := range o.PollIntervalsMS {
		if ms <= 0 {
			return nil, fmt.Errorf("%w: poll interval for %s", ErrInvalidOverride, k)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var delta Delta
	if o.Channel != nil {
		c.s.Channel = *o.Channel
		delta = append(delta, FieldChange{Field: "channel", Value: *o.Channel})
	}
	if o.Bitrate != nil {
		c.s.Bitrate = *o.Bitrate
		delta = append(delta, FieldChange{Field: "bitrate", Value: *o.Bitrate})
	}
	for _, k := range slices.Sorted(maps.Keys(o.MetricNames)) {
		c.s.MetricNames[k] = o.MetricNames[k]
		delta = append(delta, FieldChange{Field: "metric_names." + k, Value: o.MetricNames[k]})
	}
	for _, k := range slices.Sorted(maps.Keys(o.PollIntervalsMS)) {
		d := time.Duration(o.PollIntervalsMS[k]) * time.Millisecond
		c.s.PollIntervals[k] = d
		delta = append(delta, FieldChange{Field: "poll_intervals." + k, Value: d})
	}
	for _, k := range slices.Sorted(maps.Keys(o.Thresholds)) {
		c.s.Thresholds[k] = o.Thresholds[k]
		delta = append(delta, FieldChange{Field: "thresholds." + k, Value: o.Thresholds[k]})
	}
	if len(o.TuningHints) > 0 {
		c.s.TuningHints = slices.Clone(o.TuningHints)
		delta = append(delta, FieldChange{Field: "tuning_hints", Value: slices.Clone(o.TuningHints)})
	}
	return delta, nil
}

// Snapshot returns a copy of the stored settings
func (c *AppliedConfiguration) Snapshot() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s.clone()
}

// Effective returns the stored settings with every unset field taken from
// defaults. Nothing is written back.
func (c *AppliedConfiguration) Effective(defaults profile.OperatingProfile) Settings {
	s := c.Snapshot()

	if s.Channel == "" {
		s.Channel = defaults.Channel
	}
	if s.Bitrate == 0 {
		s.Bitrate = defaults.Bitrate
	}
	for k, v := range defaults.MetricNames {
		if _, set := s.MetricNames[k]; !set {
			s.MetricNames[k] = v
		}
	}
	for k, v := range defaults.PollIntervals {
		if _, set := s.PollIntervals[k]; !set {
			s.PollIntervals[k] = v
		}
	}
	for k, v := range defaults.Thresholds {
		if _, set := s.Thresholds[k]; !set {
			s.Thresholds[k] = v
		}
	}
	if len(s.TuningHints) == 0 {
		s.TuningHints = slices.Clone(defaults.TuningHints)
	}
	return s
}
