package protocol

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nvidia-omniverse/omnisync/utils"
)

type queueHandler struct {
	q *utils.FrameQueue
}

func (h queueHandler) Feed(ctx context.Context) (Records, error) {
	frames, err := h.q.Feed(ctx)
	return Records(frames), err
}

func (h queueHandler) Drain(ctx context.Context, recs Records) error {
	return h.q.Drain(ctx, recs)
}

func (h queueHandler) Close() error { return h.q.Close() }

func TestPeerCloseConcurrentWithKeep(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	p := &Peer{conn: client, inout: queueHandler{utils.NewFrameQueue(1<<20, 128)}}

	done := make(chan struct{})
	go func() {
		p.Keep(context.Background())
		close(done)
	}()

	// push one record through so both loops are known to be running
	require.NoError(t, p.inout.Drain(context.Background(), Records{Record('A', []byte("hi"))}))
	buf := make([]byte, 16)
	_, err := server.Read(buf)
	require.NoError(t, err)

	p.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Keep didn't return after Close")
	}

	// a second Close is a no-op
	p.Close()
}
