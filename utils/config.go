package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"prune_lib/nn"
	"prune_lib/nn/layers"
	"prune_lib/prune"
	"prune_lib/tensor"

	"gopkg.in/yaml.v3"
)

// Plan step operations.
const (
	OpDeleteChannels = "delete-channels"
	OpDeleteLayer    = "delete-layer"
	OpReplaceLayer   = "replace-layer"
	OpRebuild        = "rebuild"
)

// Plan is a list of surgery steps applied one after another to a model.
// With InPlace set every step, rebuild included, lands in the caller's model.
type Plan struct {
	Name    string `yaml:"name,omitempty"`
	InPlace bool   `yaml:"in_place,omitempty"`
	Steps   []Step `yaml:"steps"`
}

// Step is one surgery call. Which fields apply depends on Op.
type Step struct {
	Op    string      `yaml:"op"`
	Layer string      `yaml:"layer,omitempty"`
	Role  layers.Role `yaml:"role,omitempty"`

	// delete-channels: explicit channels, the Lowest magnitude output
	// channels of Layer, or a list of requests applied together.
	Channels []int                  `yaml:"channels,omitempty"`
	Lowest   int                    `yaml:"lowest,omitempty"`
	Requests []prune.ChannelRequest `yaml:"requests,omitempty"`

	// replace-layer
	Replacement *LayerSpec `yaml:"replacement,omitempty"`
}

// LayerSpec describes a layer in YAML: its config fields inline, plus
// optional weights in the layer's own order.
type LayerSpec struct {
	layers.Config `yaml:",inline"`
	Weights       []*WeightData `yaml:"weights,omitempty"`
}

// LoadLayerSpec reads a YAML layer spec and constructs the layer.
func LoadLayerSpec(path string) (layers.Layer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read layer spec: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var spec LayerSpec
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("failed to parse layer spec: %w", err)
	}
	return spec.Layer()
}

// Layer constructs the described layer.
func (s *LayerSpec) Layer() (layers.Layer, error) {
	ws := make([]*tensor.Tensor, 0, len(s.Weights))
	for _, wd := range s.Weights {
		t, err := WeightDataToTensor(wd)
		if err != nil {
			return nil, err
		}
		ws = append(ws, t)
	}
	return layers.FromSpec(s.Config, ws)
}

// LoadPlan reads and validates a YAML plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	return ParsePlan(data)
}

// ParsePlan decodes and validates a YAML plan. Unknown keys are rejected.
func ParsePlan(data []byte) (*Plan, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	if err := ValidatePlan(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ValidatePlan checks that every step names an operation and carries the
// fields that operation needs. All problems are reported together.
func ValidatePlan(p *Plan) error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan must have at least one step")
	}
	var errs []error
	for i, s := range p.Steps {
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Errorf("step %d (%s): %w", i, s.Op, err))
		}
	}
	return errors.Join(errs...)
}

func (s Step) validate() error {
	switch s.Op {
	case OpDeleteChannels:
		if len(s.Requests) > 0 {
			if s.Layer != "" || len(s.Channels) > 0 || s.Lowest > 0 {
				return fmt.Errorf("requests cannot be combined with layer, channels or lowest")
			}
			for _, r := range s.Requests {
				if r.Layer == "" || len(r.Channels) == 0 {
					return fmt.Errorf("request %s needs a layer and channels", r)
				}
			}
			return nil
		}
		if s.Layer == "" {
			return fmt.Errorf("layer is required")
		}
		if (len(s.Channels) > 0) == (s.Lowest > 0) {
			return fmt.Errorf("exactly one of channels and lowest must be set")
		}
		if s.Lowest < 0 {
			return fmt.Errorf("lowest must be positive")
		}
		if s.Lowest > 0 && s.Role != layers.RoleOutput {
			return fmt.Errorf("lowest selects output channels only")
		}
		for _, c := range s.Channels {
			if c < 0 {
				return fmt.Errorf("negative channel %d", c)
			}
		}
	case OpDeleteLayer:
		if s.Layer == "" {
			return fmt.Errorf("layer is required")
		}
	case OpReplaceLayer:
		if s.Layer == "" {
			return fmt.Errorf("layer is required")
		}
		if s.Replacement == nil || s.Replacement.Kind == "" {
			return fmt.Errorf("replacement with a kind is required")
		}
	case OpRebuild:
	default:
		return fmt.Errorf("unknown op %q", s.Op)
	}
	if s.Op != OpReplaceLayer && s.Replacement != nil {
		return fmt.Errorf("replacement only applies to %s", OpReplaceLayer)
	}
	return nil
}

// Apply runs the plan's steps against m and reports per-step timings. Each
// step sees the result of the previous one.
func (p *Plan) Apply(ctx context.Context, m *nn.Model, logger *slog.Logger) (*nn.Model, *SurgeryStats, error) {
	if err := ValidatePlan(p); err != nil {
		return nil, nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := []prune.Option{prune.WithCopy(!p.InPlace), prune.WithLogger(logger)}
	stats := &SurgeryStats{}
	begin := time.Now()
	for i, s := range p.Steps {
		start := time.Now()
		before := m.ParamCount()
		next, err := s.run(ctx, m, opts)
		if err != nil {
			return nil, stats, fmt.Errorf("step %d (%s): %w", i, s.Op, err)
		}
		if p.InPlace && next != m {
			m.Graph().Adopt(next.Graph())
			next = m
		}
		stats.Steps = append(stats.Steps, StepStats{
			Op:           s.Op,
			Layer:        s.Layer,
			Duration:     time.Since(start),
			ParamsBefore: before,
			ParamsAfter:  next.ParamCount(),
		})
		m = next
	}
	stats.TotalTime = time.Since(begin)
	return m, stats, nil
}

func (s Step) run(ctx context.Context, m *nn.Model, opts []prune.Option) (*nn.Model, error) {
	switch s.Op {
	case OpDeleteChannels:
		reqs, err := s.requests(m)
		if err != nil {
			return nil, err
		}
		return prune.Delete(ctx, m, reqs, opts...)
	case OpDeleteLayer:
		return prune.DeleteLayer(ctx, m, s.Layer, opts...)
	case OpReplaceLayer:
		l, err := s.Replacement.Layer()
		if err != nil {
			return nil, err
		}
		return prune.ReplaceLayer(ctx, m, s.Layer, l, opts...)
	case OpRebuild:
		return prune.Rebuild(ctx, m)
	}
	return nil, fmt.Errorf("unknown op %q", s.Op)
}

// requests resolves a delete-channels step against m.
func (s Step) requests(m *nn.Model) ([]prune.ChannelRequest, error) {
	if len(s.Requests) > 0 {
		return s.Requests, nil
	}
	channels := s.Channels
	if s.Lowest > 0 {
		l, err := m.Layer(s.Layer)
		if err != nil {
			return nil, err
		}
		if channels, err = prune.LowestMagnitudeChannels(l, s.Lowest); err != nil {
			return nil, err
		}
	}
	return []prune.ChannelRequest{{Layer: s.Layer, Role: s.Role, Channels: channels}}, nil
}
