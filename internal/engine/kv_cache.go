package engine

import (
	"fmt"

	"github.com/23skdu/longbow-gptoss/internal/device"
	"github.com/23skdu/longbow-gptoss/internal/metrics"
)

// KVCache stores the rotated keys and values of every cached token, one
// [K | V] f32 row per (block, position).
type KVCache struct {
	buf        *device.Buffer
	numBlocks  int
	contextLen int
	kvDim      int
}

func newKVCache(dev device.Device, numBlocks, contextLen, kvDim int) (*KVCache, error) {
	if numBlocks <= 0 || contextLen <= 0 || kvDim <= 0 {
		return nil, fmt.Errorf("invalid kv cache shape: blocks=%d context=%d kv_dim=%d", numBlocks, contextLen, kvDim)
	}
	c := &KVCache{numBlocks: numBlocks, contextLen: contextLen, kvDim: kvDim}
	buf, err := dev.NewBuffer("kvcache", numBlocks*contextLen*c.rowSize())
	if err != nil {
		return nil, fmt.Errorf("allocate kv cache: %w", err)
	}
	c.buf = buf
	metrics.RecordKVCacheStats(c.CapacityBytes(), 0)
	return c, nil
}

func (c *KVCache) rowSize() int { return 2 * c.kvDim * 4 }

// Block returns the first row of block n.
func (c *KVCache) Block(n int) device.Ref {
	return device.Ref{Buffer: c.buf, Offset: n * c.contextLen * c.rowSize()}
}

// Row returns the [K | V] row of block n at position pos.
func (c *KVCache) Row(n, pos int) device.Ref {
	return c.Block(n).At(pos * c.rowSize())
}

func (c *KVCache) CapacityBytes() int64 {
	return int64(c.numBlocks) * int64(c.contextLen) * int64(c.rowSize())
}

// UsedBytes is the size of the rows holding the first numTokens positions.
func (c *KVCache) UsedBytes(numTokens int) int64 {
	return int64(c.numBlocks) * int64(numTokens) * int64(c.rowSize())
}

// Keys returns a host copy of the cached keys of block n at pos.
func (c *KVCache) Keys(n, pos int) ([]float32, error) {
	r := c.Row(n, pos)
	v, err := device.HostFloat32s(r.Buffer, r.Offset, c.kvDim)
	if err != nil {
		return nil, err
	}
	return append([]float32(nil), v...), nil
}

func (c *KVCache) Free() {
	if c.buf != nil {
		c.buf.Release()
		c.buf = nil
	}
}
