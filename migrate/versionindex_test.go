package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionIndexPutGetDel(t *testing.T) {
	v := newVersionIndex()
	imm := &Immigration{emigID: 1}

	_, ok := v.get(10, 1)
	assert.False(t, ok)

	v.put(10, 1, imm)
	got, ok := v.get(10, 1)
	assert.True(t, ok)
	assert.Same(t, imm, got)

	// a different pid under the same version must not collide.
	_, ok = v.get(10, 2)
	assert.False(t, ok)

	v.del(10, 1)
	_, ok = v.get(10, 1)
	assert.False(t, ok, "deleted entry must never be returned again, unlike an evicting cache")
}
