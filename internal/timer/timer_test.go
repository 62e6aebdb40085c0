package timer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func immediateDispatch(fn func()) { fn() }

func TestAfterFires(t *testing.T) {
	svc := NewService(immediateDispatch)
	defer svc.Close()

	var fired int32
	svc.After(5*time.Millisecond, func() { atomic.StoreInt32(&fired, 1) })

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, time.Millisecond)
}

func TestAfterCancelPreventsFire(t *testing.T) {
	svc := NewService(immediateDispatch)
	defer svc.Close()

	var fired int32
	h := svc.After(20*time.Millisecond, func() { atomic.StoreInt32(&fired, 1) })
	h.Cancel()

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestEveryFiresRepeatedly(t *testing.T) {
	svc := NewService(immediateDispatch)
	defer svc.Close()

	var count int32
	h := svc.Every(5*time.Millisecond, func() { atomic.AddInt32(&count, 1) })
	defer h.Cancel()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&count) >= 3 }, time.Second, time.Millisecond)
}

func TestCloseDrainsOneShotTimers(t *testing.T) {
	svc := NewService(immediateDispatch)

	var fired int32
	svc.After(20*time.Millisecond, func() { atomic.StoreInt32(&fired, 1) })
	svc.Close()

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}
