package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaginate_RoundTripReconstructsFullList(t *testing.T) {
	items := make([]int, 237)
	for i := range items {
		items[i] = i
	}

	var got []int
	cursor := ""
	for {
		page, next, err := paginate(items, cursor, 50)
		require.NoError(t, err)
		got = append(got, page...)
		if next == "" {
			break
		}
		cursor = next
	}

	assert.Equal(t, items, got)
}

func TestPaginate_EmptyCursorStartsAtZero(t *testing.T) {
	items := []string{"a", "b", "c"}
	page, next, err := paginate(items, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, page)
	assert.NotEmpty(t, next)
}

func TestPaginate_LastPageHasNoNextCursor(t *testing.T) {
	items := []string{"a", "b", "c"}
	_, next, err := paginate(items, "", 2)
	require.NoError(t, err)

	page, next2, err := paginate(items, next, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, page)
	assert.Equal(t, "", next2)
}

func TestPaginate_OffsetPastEndReturnsEmpty(t *testing.T) {
	items := []string{"a"}
	page, next, err := paginate(items, encodeCursor(5), 10)
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.Equal(t, "", next)
}

func TestDecodeCursor_RejectsGarbage(t *testing.T) {
	_, err := decodeCursor("not-base64!!")
	assert.Error(t, err)
}

func TestDecodeCursor_RejectsNegativeOffset(t *testing.T) {
	_, err := decodeCursor(encodeCursor(-1))
	assert.Error(t, err)
}
