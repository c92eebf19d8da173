package progress

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/ronghuaxueleng/chaishu-worker-service/internal/kv"
)

func newTestKV(t *testing.T) *kv.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return kv.New(kv.Config{Addr: mr.Addr()})
}

func TestChapterDonePublishesEvent(t *testing.T) {
	kvc := newTestKV(t)
	pub := New(kvc, nil)
	sub := NewSubscriber(kvc, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	received := make(chan Event, 1)
	go func() {
		_ = sub.Listen(ctx, func(evt Event) {
			received <- evt
		})
	}()

	// give the subscription a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)
	pub.ChapterDone(ctx, 42, 7, "completed", "")

	select {
	case evt := <-received:
		require.Equal(t, int64(42), evt.TaskID)
		require.Equal(t, int64(7), evt.ChapterID)
		require.Equal(t, "completed", evt.Status)
		require.Equal(t, EventType, evt.Type)
	case <-ctx.Done():
		t.Fatal("timed out waiting for published event")
	}
}
