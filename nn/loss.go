package nn

import (
	"fmt"
	"math"

	"prune_lib/tensor"
)

// Loss scores a batch of predictions against targets of the same shape.
type Loss interface {
	Loss(pred, target *tensor.Tensor) (float64, error)
}

// MSELoss is the mean squared error over every element.
type MSELoss struct{}

func (MSELoss) Loss(pred, target *tensor.Tensor) (float64, error) {
	if !tensor.SameShape(pred.Shape, target.Shape) {
		return 0, fmt.Errorf("%w: prediction %v, target %v", ErrShape, pred.Shape, target.Shape)
	}
	if pred.Size() == 0 {
		return 0, nil
	}
	sum := 0.0
	for i, v := range pred.Data {
		d := v - target.Data[i]
		sum += d * d
	}
	return sum / float64(pred.Size()), nil
}

// CrossEntropyLoss expects softmax probabilities and one-hot labels over the
// last axis, and returns the mean over rows.
type CrossEntropyLoss struct{}

const probFloor = 1e-12

func (CrossEntropyLoss) Loss(probs, oneHot *tensor.Tensor) (float64, error) {
	if !tensor.SameShape(probs.Shape, oneHot.Shape) {
		return 0, fmt.Errorf("%w: prediction %v, target %v", ErrShape, probs.Shape, oneHot.Shape)
	}
	if probs.Rank() == 0 || probs.Size() == 0 {
		return 0, nil
	}
	classes := probs.Shape[probs.Rank()-1]
	rows := probs.Size() / classes
	sum := 0.0
	for i, p := range probs.Data {
		if oneHot.Data[i] != 0 {
			sum -= oneHot.Data[i] * math.Log(math.Max(p, probFloor))
		}
	}
	return sum / float64(rows), nil
}
