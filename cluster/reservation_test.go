package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReservationsReserveRelease(t *testing.T) {
	rsvs := NewReservations()
	assert.EqualValues(t, 0, rsvs.Count())

	r1 := rsvs.Reserve("ns1", 4)
	assert.EqualValues(t, 1, rsvs.Count())

	r2 := rsvs.Reserve("ns1", 5)
	assert.EqualValues(t, 2, rsvs.Count())

	r1.Release()
	assert.EqualValues(t, 1, rsvs.Count())

	r2.Release()
	assert.EqualValues(t, 0, rsvs.Count())
}

func TestReservationReleaseNilIsNoop(t *testing.T) {
	var r *Reservation
	assert.NotPanics(t, func() { r.Release() })
}

func TestGateChanged(t *testing.T) {
	g := NewGate(1)
	assert.False(t, g.Changed(1))
	g.Set(2)
	assert.True(t, g.Changed(1))
	assert.False(t, g.Changed(2))
}
