package pipeline

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktokenloader "github.com/pkoukk/tiktoken-go-loader"
)

// TokenCounter measures and trims text in model tokens. Every budget
// check runs through this interface; a character-length heuristic is
// never an acceptable implementation.
type TokenCounter interface {
	// Count returns the token length of text.
	Count(text string) (int, error)

	// Truncate returns the longest prefix of text measuring at most
	// maxTokens.
	Truncate(text string, maxTokens int) (string, error)
}

// encInit serializes encoding construction: the cache behind
// tiktoken.GetEncoding is shared package state.
var (
	encInit    sync.Mutex
	loaderOnce sync.Once
)

// tiktokenCounter counts with a real BPE tokenizer. Encoding tables are
// embedded in the binary, so construction needs no network access.
type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTokenCounter loads the named encoding, cl100k_base when empty.
func NewTokenCounter(encoding string) (TokenCounter, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}

	encInit.Lock()
	defer encInit.Unlock()
	loaderOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktokenloader.NewOfflineLoader())
	})

	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("loading %q token encoding: %w", encoding, err)
	}
	return &tiktokenCounter{enc: enc}, nil
}

func (c *tiktokenCounter) Count(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	return len(c.enc.Encode(text, nil, nil)), nil
}

func (c *tiktokenCounter) Truncate(text string, maxTokens int) (string, error) {
	if maxTokens <= 0 {
		return "", nil
	}
	ids := c.enc.Encode(text, nil, nil)
	if len(ids) <= maxTokens {
		return text, nil
	}
	// Decoding a token prefix can cut a rune in half; drop the torn tail.
	head := c.enc.Decode(ids[:maxTokens])
	return strings.ToValidUTF8(head, ""), nil
}
