package events

import (
	"testing"
	"time"

	"streamrtc/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestOn_TypedDispatch(t *testing.T) {
	e := NewEmitter()

	var got []domain.ReconnectionSuccess
	On(e, func(ev domain.ReconnectionSuccess) { got = append(got, ev) })
	var failed int
	On(e, func(domain.ReconnectionFailed) { failed++ })

	e.Emit(domain.ReconnectionSuccess{Strategy: domain.StrategyFast, Duration: time.Second})

	assert.Len(t, got, 1)
	assert.Equal(t, domain.StrategyFast, got[0].Strategy)
	assert.Equal(t, 0, failed)
}

func TestEmit_AllListenersInOrder(t *testing.T) {
	e := NewEmitter()
	var order []int
	On(e, func(domain.CallEnded) { order = append(order, 1) })
	On(e, func(domain.CallEnded) { order = append(order, 2) })
	e.SubscribeAll(func(domain.Event) { order = append(order, 3) })

	e.Emit(domain.CallEnded{})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestSubscription_Unsubscribe(t *testing.T) {
	e := NewEmitter()
	calls := 0
	sub := On(e, func(domain.NetworkChanged) { calls++ })
	keep := On(e, func(domain.NetworkChanged) {})

	e.Emit(domain.NetworkChanged{Online: true})
	sub.Unsubscribe()
	sub.Unsubscribe()
	e.Emit(domain.NetworkChanged{Online: false})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, e.Count(domain.EventNetworkChanged))
	keep.Unsubscribe()
	assert.Equal(t, 0, e.Count(domain.EventNetworkChanged))
}

func TestSubscribeAll_Unsubscribe(t *testing.T) {
	e := NewEmitter()
	calls := 0
	sub := e.SubscribeAll(func(domain.Event) { calls++ })
	e.Emit(domain.CallEnded{})
	sub.Unsubscribe()
	e.Emit(domain.CallEnded{})
	assert.Equal(t, 1, calls)
}

func TestEmit_HandlerMayUnsubscribeItself(t *testing.T) {
	e := NewEmitter()
	calls := 0
	var sub *Subscription
	sub = On(e, func(domain.CallEnded) {
		calls++
		sub.Unsubscribe()
	})

	e.Emit(domain.CallEnded{})
	e.Emit(domain.CallEnded{})
	assert.Equal(t, 1, calls)
}
