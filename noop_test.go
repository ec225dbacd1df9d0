package fcache_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/vearutop/fcache"
)

func TestNoOpStorage_Read(t *testing.T) {
	v, err := fcache.NoOpStorage{}.Read(context.Background(), "foo")
	assert.Nil(t, v)
	assert.EqualError(t, err, "missing cache item")
}

func TestNoOpStorage_Write(t *testing.T) {
	ctx := context.Background()
	s := fcache.NoOpStorage{}

	assert.NoError(t, s.Lock(ctx, "foo"))
	assert.NoError(t, s.Write(ctx, "foo", 123, fcache.Dependencies{}))

	v, err := s.Read(ctx, "foo")
	assert.Nil(t, v)
	assert.EqualError(t, err, "missing cache item")

	assert.NoError(t, s.Remove(ctx, "foo"))
	assert.NoError(t, s.Clean(ctx, fcache.CleanConditions{All: true}))
}
