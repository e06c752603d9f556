package bus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishReachesAllSubscribers(t *testing.T) {
	b := New()
	first := b.Subscribe()
	defer first.Close()
	second := b.Subscribe()
	defer second.Close()

	n := b.Publish(Stop())
	assert.Equal(t, 2, n)

	assert.Equal(t, ActionStop, (<-first.C()).Action)
	assert.Equal(t, ActionStop, (<-second.C()).Action)
}

func TestBus_AtMostOncePerSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(Stop())

	require.Len(t, sub.C(), 1)
	<-sub.C()
	assert.Len(t, sub.C(), 0)
}

func TestBus_NoReplayForLateSubscribers(t *testing.T) {
	b := New()
	assert.Equal(t, 0, b.Publish(Stop()))

	late := b.Subscribe()
	defer late.Close()
	assert.Len(t, late.C(), 0)
}

func TestBus_CloseUnsubscribes(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	require.Equal(t, 1, b.Subscribers())

	sub.Close()
	sub.Close()

	assert.Equal(t, 0, b.Subscribers())
	assert.Equal(t, 0, b.Publish(Stop()))

	_, open := <-sub.C()
	assert.False(t, open)
}

func TestBus_FullBufferDrops(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Close()

	for i := 0; i < defaultBuffer; i++ {
		require.Equal(t, 1, b.Publish(Stop()))
	}
	assert.Equal(t, 0, b.Publish(Stop()))
	assert.Len(t, sub.C(), defaultBuffer)
}

func TestBus_ConcurrentPublishAndClose(t *testing.T) {
	b := New()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		sub := b.Subscribe()
		go func() {
			defer wg.Done()
			b.Publish(Stop())
		}()
		go func() {
			defer wg.Done()
			sub.Close()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, b.Subscribers())
}
