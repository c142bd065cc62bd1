package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfo(t *testing.T) {
	info := Info()
	assert.Equal(t, Version, info["version"])
	assert.Equal(t, GoVersion, info["go_version"])
	assert.Len(t, info, 4)
}

func TestString_ShortensCommit(t *testing.T) {
	prev := GitCommit
	t.Cleanup(func() { GitCommit = prev })

	GitCommit = "0123456789abcdef"
	assert.Contains(t, String(), "(0123456,")
	GitCommit = "abc"
	assert.Contains(t, String(), "(abc,")
}
