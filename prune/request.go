package prune

import (
	"fmt"

	"prune_lib/nn/layers"
)

// ChannelRequest asks for channels of one layer to be deleted. Input-role
// requests are satisfied by deleting the same channels from the layer's
// producers.
type ChannelRequest struct {
	Layer    string      `json:"layer" yaml:"layer"`
	Role     layers.Role `json:"role" yaml:"role"`
	Channels []int       `json:"channels" yaml:"channels"`
}

// Validate checks the channel indices against the channel count of the
// targeted axis.
func (r ChannelRequest) Validate(count int) error {
	return checkIndices("delete channels", r.Layer, r.Channels, count)
}

func (r ChannelRequest) String() string {
	return fmt.Sprintf("%s/%s%v", r.Layer, r.Role, r.Channels)
}

// checkIndices rejects indices outside [0, count) and sets covering the axis.
func checkIndices(op, layer string, idx []int, count int) error {
	seen := make(map[int]bool, len(idx))
	for _, i := range idx {
		if i < 0 || i >= count {
			return surgeryErr(ErrIndexOutOfRange, op, layer, "index %d, axis has %d channels", i, count)
		}
		seen[i] = true
	}
	if len(seen) >= count {
		return surgeryErr(ErrFullAxisDeletion, op, layer, "%d of %d channels", len(seen), count)
	}
	return nil
}
