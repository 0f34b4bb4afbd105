package future

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeState(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    Kind
		check   func(*testing.T, State)
		wantErr assert.ErrorAssertionFunc
	}{
		{
			name: "given try_again with hint, then pending with delay",
			body: `{"type":"try_again","queue_state":"queued","retry_after_ms":250}`,
			want: KindTryAgain,
			check: func(t *testing.T, st State) {
				assert.Equal(t, QueueStateQueued, st.QueueState)
				assert.Equal(t, 250*time.Millisecond, st.RetryAfter)
			},
			wantErr: assert.NoError,
		},
		{
			name: "given try_again without hint, then zero delay",
			body: `{"type":"try_again","queue_state":"running"}`,
			want: KindTryAgain,
			check: func(t *testing.T, st State) {
				assert.Zero(t, st.RetryAfter)
			},
			wantErr: assert.NoError,
		},
		{
			name: "given result, then completed with payload",
			body: `{"type":"result","result":{"loss":0.25}}`,
			want: KindCompleted,
			check: func(t *testing.T, st State) {
				assert.JSONEq(t, `{"loss":0.25}`, string(st.Result))
				assert.True(t, st.Terminal())
			},
			wantErr: assert.NoError,
		},
		{
			name: "given error, then failed with remote error",
			body: `{"type":"error","error":{"message":"bad batch","category":"user"}}`,
			want: KindFailed,
			check: func(t *testing.T, st State) {
				require.NotNil(t, st.Err)
				assert.True(t, st.Err.UserError())
				assert.True(t, st.Terminal())
			},
			wantErr: assert.NoError,
		},
		{
			name:    "given unknown discriminator, then typed decode error",
			body:    `{"type":"paused_v2"}`,
			wantErr: assert.Error,
		},
		{
			name:    "given missing discriminator, then error",
			body:    `{"result":{}}`,
			wantErr: assert.Error,
		},
		{
			name:    "given malformed JSON, then error",
			body:    `{"type":`,
			wantErr: assert.Error,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := DecodeState([]byte(tt.body))
			tt.wantErr(t, err)
			if err != nil {
				return
			}
			assert.Equal(t, tt.want, st.Kind)
			if tt.check != nil {
				tt.check(t, st)
			}
		})
	}
}

func TestDecodeState_UnknownShapeIsTyped(t *testing.T) {
	_, err := DecodeState([]byte(`{"type":"someday"}`))
	require.Error(t, err)

	var typed *UnknownPollShapeError
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, "someday", typed.Type)
}

func TestDecodeState_MissingDiscriminatorIsTyped(t *testing.T) {
	_, err := DecodeState([]byte(`{}`))
	assert.ErrorIs(t, err, ErrMissingDiscriminator)
}
