package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sample = `
categories:
  - id: pop
    title: Pop
presets:
  - id: pop-upbeat
    title: Upbeat pop
    category_id: pop
    style: "pop, upbeat, female vocals"
    price_audio: 149
    starter: true
  - id: pop-ballad
    title: Ballad
    category_id: pop
    price_audio: 199
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sample))
	require.NoError(t, err)

	price, ok := c.AudioPrice("pop-ballad")
	require.True(t, ok)
	require.EqualValues(t, 199, price)

	_, ok = c.AudioPrice("missing")
	require.False(t, ok)

	require.Len(t, c.Presets(), 2)
	require.Len(t, c.Categories(), 1)
}

func TestParseRejectsBadPresets(t *testing.T) {
	_, err := Parse([]byte("presets:\n  - id: a\n    price_audio: 0\n"))
	require.Error(t, err)

	_, err = Parse([]byte("presets:\n  - id: a\n    price_audio: 5\n  - id: a\n    price_audio: 6\n"))
	require.Error(t, err)
}
