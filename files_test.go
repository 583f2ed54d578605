package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHumanReadableSize(t *testing.T) {
	assert.Equal(t, "512 B", humanReadableSize(512))
	assert.Equal(t, "1.0 kB", humanReadableSize(1024))
	assert.Equal(t, "8.4 MB", humanReadableSize(8<<20))
}

func TestReadLimited(t *testing.T) {
	data, err := readLimited(strings.NewReader("hello"), 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = readLimited(strings.NewReader("hello!"), 5)
	assert.ErrorIs(t, err, errTooLarge)
}
