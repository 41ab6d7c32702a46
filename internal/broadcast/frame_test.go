package broadcast

import (
	"testing"

	"github.com/mrshabel/raftlog/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	id, err := wire.NewRequestID()
	require.NoError(t, err)

	msg := Message{
		Secret:       []byte("cluster-secret"),
		Term:         3,
		LastLogIndex: 42,
		Entries: []*wire.Entry{
			{Index: 41, Term: 3, RequestID: id, Payload: []byte("a")},
			{Index: 42, Term: 3, RequestID: id, Payload: []byte("bb")},
		},
	}

	encoded := encodeMessage(msg)
	got, err := decodeMessage(encoded)
	require.NoError(t, err)

	require.Equal(t, msg.Secret, got.Secret)
	require.Equal(t, msg.Term, got.Term)
	require.Equal(t, msg.LastLogIndex, got.LastLogIndex)
	require.Len(t, got.Entries, 2)
	require.Equal(t, uint64(41), got.Entries[0].Index)
	require.Equal(t, uint64(42), got.Entries[1].Index)
	require.Equal(t, []byte("bb"), got.Entries[1].Payload)
}

func TestMessageEncodeDecodeHeartbeat(t *testing.T) {
	msg := Message{Secret: []byte("s"), Term: 1, LastLogIndex: 7}
	got, err := decodeMessage(encodeMessage(msg))
	require.NoError(t, err)
	require.Empty(t, got.Entries)
	require.Equal(t, uint64(7), got.LastLogIndex)
}

func TestSecretsEqual(t *testing.T) {
	require.True(t, SecretsEqual([]byte("abc"), []byte("abc")))
	require.False(t, SecretsEqual([]byte("abc"), []byte("abd")))
	require.False(t, SecretsEqual([]byte("abc"), []byte("ab")))
}
