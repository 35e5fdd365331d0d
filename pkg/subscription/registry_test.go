package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscribeUnsubscribeRoundTrip(t *testing.T) {
	r := New()
	require := assert.New(t)
	require.NoError(r.Subscribe("u1", "job-manager."))
	require.True(r.MatchesOwner("u1", "job-manager.submit"))

	require.NoError(r.Unsubscribe("u1", "job-manager."))
	require.False(r.MatchesOwner("u1", "job-manager.submit"), "unsub must fully undo the matching sub")
	require.Empty(r.Prefixes("u1"))
}

func TestUnsubscribeUnknownIsNoop(t *testing.T) {
	r := New()
	assert.NoError(t, r.Unsubscribe("ghost", "anything"))
}

func TestDoubleSubscribeSameTopicIsIdempotent(t *testing.T) {
	r := New()
	assert.NoError(t, r.Subscribe("u1", "x"))
	assert.NoError(t, r.Subscribe("u1", "x"))
	assert.Equal(t, []string{"x"}, r.Prefixes("u1"))
}

func TestMatchesReturnsEachOwnerOnce(t *testing.T) {
	r := New()
	assert.NoError(t, r.Subscribe("u1", "job"))
	assert.NoError(t, r.Subscribe("u1", "job-manager"))
	assert.NoError(t, r.Subscribe("u2", "job-manager.submit"))
	assert.NoError(t, r.Subscribe("u3", "unrelated"))

	owners := r.Matches("job-manager.submit.1")
	assert.Equal(t, []string{"u1", "u2"}, owners)
}

func TestPlainPrefixMatchHasNoDotBoundary(t *testing.T) {
	r := New()
	assert.NoError(t, r.Subscribe("u1", "job"))
	// "job" is a plain string prefix of "jobbery", with no dot required.
	assert.True(t, r.MatchesOwner("u1", "jobbery.x"))
}

func TestRemoveOwnerDropsAllItsSubscriptions(t *testing.T) {
	r := New()
	assert.NoError(t, r.Subscribe("u1", "a"))
	assert.NoError(t, r.Subscribe("u1", "b"))
	r.RemoveOwner("u1")
	assert.Empty(t, r.Prefixes("u1"))
	assert.Empty(t, r.Matches("a.anything"))
}
