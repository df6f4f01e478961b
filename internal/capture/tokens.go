package capture

import (
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// EstimateTokens counts tokens with the cl100k_base encoding. Used when the
// upstream response carries no usage block, so the daily usage accounting
// still has an approximate figure. Returns 0 when the text is empty or the
// tokenizer is unavailable.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	codecOnce.Do(func() {
		c, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.Warnf("tokenizer unavailable, usage estimation disabled: %v", err)
			return
		}
		codec = c
	})
	if codec == nil {
		return 0
	}
	ids, _, err := codec.Encode(text)
	if err != nil {
		return 0
	}
	return int64(len(ids))
}
