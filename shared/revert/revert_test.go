package revert

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFailRunsHooksInReverse(t *testing.T) {
	var order []int

	r := New()
	r.Add(func() { order = append(order, 1) })
	r.Add(func() { order = append(order, 2) })
	r.Fail()

	assert.Equal(t, []int{2, 1}, order)
}

func TestSuccessClearsHooks(t *testing.T) {
	ran := false

	r := New()
	r.Add(func() { ran = true })
	r.Success()
	r.Fail()

	assert.False(t, ran)
}

func TestCloneKeepsOriginalIntact(t *testing.T) {
	var count int

	r := New()
	r.Add(func() { count++ })

	clone := r.Clone()
	r.Success()

	clone.Fail()
	assert.Equal(t, 1, count)
}
