package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRing_TailBeforeWrap(t *testing.T) {
	r := newRing(16)
	r.Write([]byte("abc"))
	r.Write([]byte("def"))

	assert.Equal(t, "abcdef", string(r.Tail(0)))
	assert.Equal(t, "ef", string(r.Tail(2)))
}

func TestRing_KeepsMostRecentAfterWrap(t *testing.T) {
	r := newRing(8)
	r.Write([]byte("12345678"))
	r.Write([]byte("abcd"))

	assert.Equal(t, "5678abcd", string(r.Tail(0)))
}

func TestRing_OversizedWriteKeepsSuffix(t *testing.T) {
	r := newRing(4)
	r.Write([]byte("0123456789"))

	assert.Equal(t, "6789", string(r.Tail(0)))
}

func TestRing_EmptyTail(t *testing.T) {
	r := newRing(8)
	assert.Empty(t, r.Tail(0))
	assert.Empty(t, r.Tail(100))
}
