package llm

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// perMessageOverhead approximates the role/framing tokens chat formats add
// around every message.
const perMessageOverhead = 4

var (
	codec     tokenizer.Codec
	codecOnce sync.Once
	codecErr  error
)

// getCodec returns the cl100k_base tokenizer. It is a reasonable
// approximation for most hosted models.
func getCodec() (tokenizer.Codec, error) {
	codecOnce.Do(func() {
		codec, codecErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	return codec, codecErr
}

// EstimateTokens returns an approximate token count for text.
func EstimateTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	c, err := getCodec()
	if err != nil {
		return 0, err
	}

	ids, _, err := c.Encode(text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// EstimateMessageTokens returns the approximate cost of one chat message,
// falling back to a bytes/4 heuristic if the codec is unavailable.
func EstimateMessageTokens(m Message) int {
	count, err := EstimateTokens(m.Content)
	if err != nil {
		count = len(m.Content) / 4
	}
	return count + perMessageOverhead
}

// EstimateRequestTokens sums EstimateMessageTokens over messages.
func EstimateRequestTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateMessageTokens(m)
	}
	return total
}
