package reply_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/skychat/backend/internal/service/reply"
)

func TestTemplatesQuoteUserText(t *testing.T) {
	templates := reply.Templates("hello")
	require.Len(t, templates, 5)
	assert.Contains(t, templates[0], `"hello"`)
	for _, tpl := range templates[1:] {
		assert.NotContains(t, tpl, "hello")
	}
}

func TestCannedIsDeterministicForSeed(t *testing.T) {
	a := reply.NewCanned(rand.NewSource(42))
	b := reply.NewCanned(rand.NewSource(42))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		ra, err := a.Reply(ctx, "same")
		require.NoError(t, err)
		rb, err := b.Reply(ctx, "same")
		require.NoError(t, err)
		assert.Equal(t, ra, rb)
	}
}

func TestCannedCoversEveryTemplate(t *testing.T) {
	src := reply.NewCanned(rand.NewSource(3))
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		text, err := src.Reply(context.Background(), "x")
		require.NoError(t, err)
		seen[text] = true
	}
	assert.Len(t, seen, len(reply.Templates("x")))
}
