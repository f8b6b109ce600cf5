package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishOrder(t *testing.T) {
	b := New()

	var got []int
	b.Subscribe("test.kind", func(ev Event) {
		got = append(got, ev.Payload.(int))
	})

	for i := 0; i < 5; i++ {
		b.Publish("test.kind", i)
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestKindIsolation(t *testing.T) {
	b := New()

	var a, c int
	b.Subscribe("kind.a", func(Event) { a++ })
	b.Subscribe("kind.c", func(Event) { c++ })

	b.Publish("kind.a", nil)
	b.Publish("kind.a", nil)
	b.Publish("kind.b", nil)

	assert.Equal(t, 2, a)
	assert.Equal(t, 0, c)
}

func TestUnsubscribe(t *testing.T) {
	b := New()

	var n int
	cancel := b.Subscribe("k", func(Event) { n++ })

	b.Publish("k", nil)
	cancel()
	b.Publish("k", nil)

	assert.Equal(t, 1, n)
}

func TestMultipleSubscribers(t *testing.T) {
	b := New()

	var first, second []string
	b.Subscribe("k", func(ev Event) { first = append(first, ev.Payload.(string)) })
	b.Subscribe("k", func(ev Event) { second = append(second, ev.Payload.(string)) })

	b.Publish("k", "x")
	b.Publish("k", "y")

	assert.Equal(t, []string{"x", "y"}, first)
	assert.Equal(t, []string{"x", "y"}, second)
}
