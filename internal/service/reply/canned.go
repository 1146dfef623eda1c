// Package reply provides assistant reply sources.
package reply

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Templates returns the fixed dummy replies. The first one quotes userText verbatim.
func Templates(userText string) []string {
	return []string{
		fmt.Sprintf("You said: \"%s\". Here's a concise response with a friendly tone. (Dummy content)", userText),
		"Great question! If we break it down:\n• Point 1\n• Point 2\n• Point 3\n\nLet me know where to go deeper. (Dummy)",
		"Quick summary: [placeholder]\n\nDetails: This is a mock reply to demonstrate UI streaming and formatting.",
		"Here's a short answer, followed by a tip: Always structure outputs for readability. (Sample text)",
		"Thanks for the message! This response is generated locally and not calling any API.",
	}
}

// Canned picks one of the Templates uniformly at random. It never fails.
type Canned struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewCanned builds a Canned source. A nil src is seeded from the clock.
func NewCanned(src rand.Source) *Canned {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Canned{rng: rand.New(src)}
}

func (c *Canned) Reply(_ context.Context, userText string) (string, error) {
	templates := Templates(userText)
	c.mu.Lock()
	idx := c.rng.Intn(len(templates))
	c.mu.Unlock()
	return templates[idx], nil
}
