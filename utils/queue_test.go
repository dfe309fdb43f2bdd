package utils

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameQueue_DrainFeedOrder(t *testing.T) {
	const N = 1 << 10
	const K = 1 << 4

	queue := NewFrameQueue(1<<20, 1024)

	for k := 0; k < K; k++ {
		go func(k int) {
			i := uint64(k) << 32
			for n := uint64(0); n < N; n++ {
				var b [8]byte
				binary.LittleEndian.PutUint64(b[:], i|n)
				err := queue.Drain(context.Background(), [][]byte{b[:]})
				assert.Nil(t, err)
			}
		}(k)
	}

	check := [K]int{}
	for i := uint64(0); i < N*K; {
		nums, err := queue.Feed(context.Background())
		assert.Nil(t, err)
		for _, num := range nums {
			assert.Equal(t, 8, len(num))
			j := binary.LittleEndian.Uint64(num)
			k := int(j >> 32)
			n := int(j & 0xffffffff)
			assert.Equal(t, check[k], n)
			check[k] = n + 1
			i++
		}
	}

	assert.Nil(t, queue.Close())
	err := queue.Drain(context.Background(), [][]byte{{'a'}})
	assert.Equal(t, ErrClosed, err)
	_, err = queue.Feed(context.Background())
	assert.Equal(t, ErrClosed, err)
}

func TestFrameQueue_Overflow(t *testing.T) {
	queue := NewFrameQueue(4, 1024)

	err := queue.Drain(context.Background(), [][]byte{{1, 2, 3}})
	assert.Nil(t, err)

	err = queue.Drain(context.Background(), [][]byte{{4, 5}})
	assert.Equal(t, ErrOverflow, err)

	// overflow is sticky
	err = queue.Drain(context.Background(), [][]byte{{6}})
	assert.Equal(t, ErrOverflow, err)
}

func TestFrameQueue_FeedCancel(t *testing.T) {
	queue := NewFrameQueue(1<<10, 64)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := queue.Feed(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFrameQueue_Batching(t *testing.T) {
	queue := NewFrameQueue(1<<10, 4)

	err := queue.Drain(context.Background(), [][]byte{{1, 2, 3}, {4, 5, 6}, {7}})
	assert.Nil(t, err)

	// first frame always goes out, second would exceed the batch
	recs, err := queue.Feed(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, [][]byte{{1, 2, 3}}, recs)

	recs, err = queue.Feed(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, [][]byte{{4, 5, 6}, {7}}, recs)
}
