package main

import (
	"NNEngine/pkg/network"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseHidden(t *testing.T) {
	sizes, err := parseHidden("64, 32,,16")
	assert.NoError(t, err)
	assert.Equal(t, []int{64, 32, 16}, sizes)

	sizes, err = parseHidden("")
	assert.NoError(t, err)
	assert.Empty(t, sizes)

	_, err = parseHidden("64,0")
	assert.Error(t, err)
	_, err = parseHidden("abc")
	assert.Error(t, err)
}

func TestParseVersion(t *testing.T) {
	v, err := parseVersion(1)
	assert.NoError(t, err)
	assert.Equal(t, network.Version64, v)
	v, err = parseVersion(2)
	assert.NoError(t, err)
	assert.Equal(t, network.Version32, v)

	for _, bad := range []uint{0, 3, 257} {
		_, err = parseVersion(bad)
		assert.Error(t, err, "版本 %d", bad)
	}
}
