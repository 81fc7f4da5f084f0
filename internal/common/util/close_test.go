package util

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type closer struct {
	err    error
	closed int
}

func (c *closer) Close() error {
	c.closed++
	return c.err
}

func TestCloseResource(t *testing.T) {
	ok := &closer{}
	failing := &closer{err: errors.New("file already closed")}

	CloseResource("queue", ok)
	CloseResource("queue", failing)
	CloseResource("queue", nil)

	assert.Equal(t, 1, ok.closed)
	assert.Equal(t, 1, failing.closed)
}
