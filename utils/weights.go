package utils

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"prune_lib/nn"
	"prune_lib/tensor"

	"github.com/google/uuid"
)

// FormatVersion is written to every model file.
const FormatVersion = "1.0"

// WeightData represents serializable weight data for one tensor
type WeightData struct {
	Name  string    `json:"name,omitempty" yaml:"name,omitempty"`
	Shape []int     `json:"shape" yaml:"shape"`
	Data  []float64 `json:"data" yaml:"data"`
}

// ModelFile is the on-disk form of a model: its structure plus the weights
// of every weighted layer, in the layer's own order.
type ModelFile struct {
	Version string                   `json:"version"`
	ID      string                   `json:"id,omitempty"`
	Config  nn.ModelConfig           `json:"config"`
	Weights map[string][]*WeightData `json:"weights"`
}

// NewModelFile captures m.
func NewModelFile(m *nn.Model) *ModelFile {
	f := &ModelFile{
		Version: FormatVersion,
		ID:      m.ID.String(),
		Config:  m.Config(),
		Weights: make(map[string][]*WeightData),
	}
	for name, ws := range m.Weights() {
		for i, w := range ws {
			f.Weights[name] = append(f.Weights[name], TensorToWeightData(fmt.Sprintf("%s/%d", name, i), w))
		}
	}
	return f
}

// Model reconstructs the model described by f. The stored id is kept when it
// parses.
func (f *ModelFile) Model() (*nn.Model, error) {
	if f.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported model file version %q", f.Version)
	}
	weights := make(map[string][]*tensor.Tensor, len(f.Weights))
	for name, wds := range f.Weights {
		for _, wd := range wds {
			t, err := WeightDataToTensor(wd)
			if err != nil {
				return nil, fmt.Errorf("layer %s: %w", name, err)
			}
			weights[name] = append(weights[name], t)
		}
	}
	m, err := nn.FromConfig(f.Config, weights)
	if err != nil {
		return nil, err
	}
	if id, err := uuid.Parse(f.ID); err == nil {
		m.ID = id
	}
	return m, nil
}

// WriteModel encodes m as indented JSON.
func WriteModel(w io.Writer, m *nn.Model) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(NewModelFile(m)); err != nil {
		return fmt.Errorf("failed to encode model: %w", err)
	}
	return nil
}

// ReadModel decodes a model written by WriteModel.
func ReadModel(r io.Reader) (*nn.Model, error) {
	var f ModelFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	return f.Model()
}

// SaveModel saves a model to a JSON file
func SaveModel(filepath string, m *nn.Model) error {
	file, err := os.Create(filepath)
	if err != nil {
		return fmt.Errorf("failed to create model file: %w", err)
	}
	if err := WriteModel(file, m); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// LoadModel loads a model from a JSON file
func LoadModel(filepath string) (*nn.Model, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}
	defer file.Close()
	return ReadModel(file)
}

// TensorToWeightData converts a tensor to serializable weight data
func TensorToWeightData(name string, t *tensor.Tensor) *WeightData {
	return &WeightData{
		Name:  name,
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64{}, t.Data...), // copy
	}
}

// WeightDataToTensor converts weight data back to a tensor
func WeightDataToTensor(wd *WeightData) (*tensor.Tensor, error) {
	if wd == nil {
		return nil, fmt.Errorf("missing weight data")
	}
	t, err := tensor.FromData(wd.Data, wd.Shape...)
	if err != nil {
		return nil, fmt.Errorf("weight %s: %w", wd.Name, err)
	}
	return t, nil
}
