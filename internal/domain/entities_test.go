package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStateTerminal(t *testing.T) {
	tests := []struct {
		state    JobState
		terminal bool
	}{
		{JobPending, false},
		{JobQueued, false},
		{JobProcessing, false},
		{JobCompleted, true},
		{JobFailed, true},
		{JobCancelled, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.state.Terminal())
		})
	}
}

func TestItemStatusTerminal(t *testing.T) {
	assert.False(t, ItemPending.Terminal())
	assert.False(t, ItemProcessing.Terminal())
	assert.True(t, ItemCompleted.Terminal())
	assert.True(t, ItemFailed.Terminal())
}

func TestJobSpecItemCount(t *testing.T) {
	tests := []struct {
		name string
		spec JobSpec
		want int
	}{
		{
			name: "identifiers mix usernames and ids",
			spec: JobSpec{Kind: JobKindByIdentifier, Usernames: []string{"alice", "bob"}, UserIDs: []int64{42}},
			want: 3,
		},
		{
			name: "rows",
			spec: JobSpec{Kind: JobKindByRow, Rows: []Row{{"name": "x"}, {"name": "y"}}},
			want: 2,
		},
		{
			name: "exports",
			spec: JobSpec{Kind: JobKindExport, Exports: []ExportItem{{Identifier: "alice"}}},
			want: 1,
		},
		{
			name: "template generation is always one item",
			spec: JobSpec{Kind: JobKindByTemplate},
			want: 1,
		},
		{
			name: "empty",
			spec: JobSpec{Kind: JobKindByIdentifier},
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.spec.ItemCount())
		})
	}
}

func TestResolveDims(t *testing.T) {
	d, err := ResolveDims("instagram-story", Dimensions{})
	require.NoError(t, err)
	assert.Equal(t, Dimensions{Width: 1080, Height: 1920}, d)

	d, err = ResolveDims("", Dimensions{})
	require.NoError(t, err)
	assert.Equal(t, PosterSizes[DefaultPosterSize], d)

	// explicit custom dims win over the preset
	d, err = ResolveDims("instagram-square", Dimensions{Width: 640, Height: 480})
	require.NoError(t, err)
	assert.Equal(t, Dimensions{Width: 640, Height: 480}, d)

	_, err = ResolveDims("billboard", Dimensions{})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRetryPolicyRetryable(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.True(t, p.Retryable(FailureUpload))
	assert.True(t, p.Retryable(FailureProfileFetch))
	assert.True(t, p.Retryable(FailureWebhook))
	assert.True(t, p.Retryable(FailureStore))
	assert.False(t, p.Retryable(FailureTimeout))
	assert.False(t, p.Retryable(FailureHTMLConversion))
	assert.False(t, p.Retryable(FailureMissingUserID))
	assert.False(t, p.Retryable(FailureUnknown))
}
