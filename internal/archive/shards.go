package archive

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// encodeShards splits data into dataShards data shards followed by
// parityShards parity shards.
func encodeShards(data []byte, dataShards, parityShards int) ([][]byte, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("new encoder: %w", err)
	}
	shards, err := enc.Split(data)
	if err != nil {
		return nil, fmt.Errorf("split archive: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("encode parity: %w", err)
	}
	return shards, nil
}

// joinShards rebuilds missing (nil) shards and returns the first size bytes
// of the data shards.
func joinShards(shards [][]byte, dataShards, parityShards, size int) ([]byte, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("new encoder: %w", err)
	}
	if err := enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("reconstruct shards: %w", err)
	}
	ok, err := enc.Verify(shards)
	if err != nil {
		return nil, fmt.Errorf("verify shards: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("parity mismatch after reconstruction")
	}

	out := make([]byte, 0, size)
	for _, s := range shards[:dataShards] {
		out = append(out, s...)
	}
	if size > len(out) {
		return nil, fmt.Errorf("archive size %d exceeds reconstructed %d bytes", size, len(out))
	}
	return out[:size], nil
}
