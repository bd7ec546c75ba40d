package memory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kwaribook/backend/internal/store"
	"kwaribook/backend/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, schema store.Schema) store.Store {
		s, err := New(schema)
		require.NoError(t, err)
		return s
	})
}

func TestNewRejectsBadSchema(t *testing.T) {
	_, err := New(store.Schema{})
	require.ErrorIs(t, err, store.ErrSchema)
}
