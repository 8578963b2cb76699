package dispatch

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxFIFO(t *testing.T) {
	o := NewOutbox()

	for i := 0; i < 100; i++ {
		require.NoError(t, o.Send([]byte(fmt.Sprintf("msg-%d", i))))
	}

	for i := 0; i < 100; i++ {
		msg, ok := o.Receive()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("msg-%d", i), string(msg))
	}
}

func TestOutboxDrainsAfterClose(t *testing.T) {
	o := NewOutbox()

	require.NoError(t, o.Send([]byte("one")))
	require.NoError(t, o.Send([]byte("two")))
	o.Close()

	msg, ok := o.Receive()
	require.True(t, ok)
	assert.Equal(t, "one", string(msg))

	msg, ok = o.Receive()
	require.True(t, ok)
	assert.Equal(t, "two", string(msg))

	_, ok = o.Receive()
	assert.False(t, ok)
}

func TestOutboxSendAfterCloseFails(t *testing.T) {
	o := NewOutbox()
	o.Close()

	assert.ErrorIs(t, o.Send([]byte("late")), ErrOutboxClosed)
	assert.True(t, o.Closed())
}

func TestOutboxCloseTwice(t *testing.T) {
	o := NewOutbox()
	o.Close()
	o.Close()

	_, ok := o.Receive()
	assert.False(t, ok)
}

func TestOutboxConcurrentSenders(t *testing.T) {
	o := NewOutbox()

	const senders = 8
	const perSender = 50

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				_ = o.Send([]byte("x"))
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		o.Close()
		close(done)
	}()

	count := 0
	for {
		_, ok := o.Receive()
		if !ok {
			break
		}
		count++
	}
	<-done

	assert.Equal(t, senders*perSender, count)
}
