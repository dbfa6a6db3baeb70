package correlator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onkernel/cdp-mux-proxy/internal/cdp"
)

func TestRegisterRouteDeliversExactlyOnce(t *testing.T) {
	r := NewRegistry()
	id := r.NextID()
	ch, ok := r.Register("c1", id)
	require.True(t, ok)

	resp := &cdp.Response{ID: id, Result: []byte(`{"ok":true}`)}
	assert.True(t, r.Route("c1", resp))

	got := <-ch
	assert.Equal(t, resp, got)
}

func TestRegisterDuplicateKeyRejected(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Register("c1", 5)
	require.True(t, ok)

	_, ok = r.Register("c1", 5)
	assert.False(t, ok, "a second registration for the same (connectionID, id) must be rejected")

	// a different connectionID with the same numeric id is unaffected
	_, ok = r.Register("c2", 5)
	assert.True(t, ok)
}

func TestRouteUnknownIDReturnsFalse(t *testing.T) {
	r := NewRegistry()
	ok := r.Route("c1", &cdp.Response{ID: 999})
	assert.False(t, ok)
}

func TestCancelClosesChannelWithoutValue(t *testing.T) {
	r := NewRegistry()
	ch, ok := r.Register("c1", 1)
	require.True(t, ok)

	r.Cancel("c1", 1)

	resp, ok := <-ch
	assert.False(t, ok)
	assert.Nil(t, resp)

	// cancelling again, or cancelling something never registered, is a no-op
	r.Cancel("c1", 1)
	r.Cancel("c1", 404)
}

func TestCancelAllClosesOnlyMatchingConnection(t *testing.T) {
	r := NewRegistry()
	ch1, _ := r.Register("c1", 1)
	ch2, _ := r.Register("c1", 2)
	ch3, _ := r.Register("c2", 1)

	r.CancelAll("c1")

	_, ok := <-ch1
	assert.False(t, ok)
	_, ok = <-ch2
	assert.False(t, ok)

	// c2's registration survives
	assert.True(t, r.Route("c2", &cdp.Response{ID: 1}))
	resp := <-ch3
	assert.NotNil(t, resp)
}

func TestNextIDMonotonicAndUnique(t *testing.T) {
	r := NewRegistry()
	seen := make(map[int64]bool)
	for i := 0; i < 1000; i++ {
		id := r.NextID()
		assert.False(t, seen[id], "NextID must never repeat")
		seen[id] = true
	}
}
