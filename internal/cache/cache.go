package cache

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/23skdu/longbow-vaeloss/internal/device"
)

// Entry is a cached tensor, detached from any backend.
type Entry struct {
	Shape []int
	Data  []float64
}

// TensorCache defines a generic interface for caching tensors by content key.
type TensorCache interface {
	// Get retrieves an entry from the cache.
	Get(key uint64) (Entry, bool)
	// Put stores an entry in the cache.
	Put(key uint64, e Entry)
	// Size returns the number of items in the cache.
	Size() int
}

// Key hashes the shape, dtype and values of every tensor, in order.
func Key(tensors ...*device.Tensor) uint64 {
	d := xxhash.New()
	var buf []byte
	for _, t := range tensors {
		buf = buf[:0]
		buf = binary.LittleEndian.AppendUint32(buf, uint32(t.Rank()))
		for _, s := range t.Shape() {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(s))
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(t.DType()))
		for _, v := range t.Data() {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
		}
		_, _ = d.Write(buf)
	}
	return d.Sum64()
}

// LRUCache is an in-memory TensorCache holding at most a fixed number of
// entries. The least recently used entry is evicted first.
type LRUCache struct {
	lru *lru.Cache[uint64, Entry]
}

// NewLRUCache returns a cache bounded to capacity entries. Capacity must be
// at least 1.
func NewLRUCache(capacity int) (*LRUCache, error) {
	l, err := lru.New[uint64, Entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("cache: capacity %d: %w", capacity, err)
	}
	return &LRUCache{lru: l}, nil
}

func (c *LRUCache) Get(key uint64) (Entry, bool) {
	// Return copy to avoid modification of cached value
	if e, ok := c.lru.Get(key); ok {
		return e.clone(), true
	}
	return Entry{}, false
}

func (c *LRUCache) Put(key uint64, e Entry) {
	c.lru.Add(key, e.clone())
}

func (c *LRUCache) Size() int {
	return c.lru.Len()
}

func (e Entry) clone() Entry {
	return Entry{
		Shape: append([]int(nil), e.Shape...),
		Data:  append([]float64(nil), e.Data...),
	}
}
