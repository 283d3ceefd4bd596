package router

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"aibridge/internal/models"
)

// Per-message framing overhead in the chat encoding. The exact value
// varies by backend; this matches the OpenAI chat format and is close
// enough for a pre-dispatch limit check.
const tokensPerMessage = 4

var (
	encoderMu    sync.Mutex
	encoderCache = make(map[string]*tiktoken.Tiktoken)
)

func encoderFor(modelName string) (*tiktoken.Tiktoken, error) {
	encoderMu.Lock()
	defer encoderMu.Unlock()

	if enc, ok := encoderCache[modelName]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(modelName)
	if err != nil {
		// Unknown models estimate with the common base encoding.
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	encoderCache[modelName] = enc
	return enc, nil
}

// countInputTokens estimates the prompt size of a conversation for
// checking against a descriptor's max_input_tokens limit.
func countInputTokens(modelName string, msgs []models.Message) (int, error) {
	enc, err := encoderFor(modelName)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, msg := range msgs {
		total += tokensPerMessage
		total += len(enc.Encode(msg.Role, nil, nil))
		total += len(enc.Encode(msg.Text(), nil, nil))
	}
	return total, nil
}
