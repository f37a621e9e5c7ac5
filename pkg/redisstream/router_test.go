package redisstream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewClient_RequiresAddr(t *testing.T) {
	_, err := NewClient(Settings{})
	require.Error(t, err)

	c, err := NewClient(DefaultSettings())
	require.NoError(t, err)
	require.NoError(t, c.Close())
}

func TestBuilders_RejectNilClient(t *testing.T) {
	_, err := BuildPublisher(nil, nil)
	require.Error(t, err)
	_, err = BuildSubscriber(nil, "", "", nil)
	require.Error(t, err)
}
