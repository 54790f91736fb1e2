// Package tokens estimates prompt sizes for the context window builder.
package tokens

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"
	"github.com/weaviate/tiktoken-go"
)

const (
	EncodingCl100k = "cl100k_base"
	EncodingP50k   = "p50k_base"
	EncodingR50k   = "r50k_base"

	endOfText = "<|endoftext|>"
)

// Counter returns the number of tokens text occupies for the upstream model.
type Counter interface {
	Count(text string) (int, error)
}

type CounterFunc func(text string) (int, error)

func (f CounterFunc) Count(text string) (int, error) { return f(text) }

// DefaultEncodingForModel maps a model name onto the BPE encoding it uses.
func DefaultEncodingForModel(model string) string {
	switch {
	case strings.HasPrefix(model, "gpt-4"),
		strings.HasPrefix(model, "gpt-3.5-turbo"),
		strings.HasPrefix(model, "text-embedding-ada-002"):
		return EncodingCl100k
	case strings.HasPrefix(model, "text-davinci-002"),
		strings.HasPrefix(model, "text-davinci-003"):
		return EncodingP50k
	default:
		return EncodingR50k
	}
}

type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

var _ Counter = &TiktokenCounter{}

func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = EncodingCl100k
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, errors.Wrapf(err, "tiktoken: load encoding %s", encoding)
	}
	return &TiktokenCounter{enc: enc}, nil
}

func (c *TiktokenCounter) Count(text string) (int, error) {
	if c == nil || c.enc == nil {
		return 0, errors.New("tiktoken counter not initialized")
	}
	return len(c.enc.Encode(stripSpecial(text), nil, nil)), nil
}

type TokenizerCounter struct {
	codec tokenizer.Codec
}

var _ Counter = &TokenizerCounter{}

func NewTokenizerCounter(encoding string) (*TokenizerCounter, error) {
	if encoding == "" {
		encoding = EncodingCl100k
	}
	codec, err := tokenizer.Get(tokenizer.Encoding(encoding))
	if err != nil {
		return nil, errors.Wrapf(err, "tokenizer: load encoding %s", encoding)
	}
	return &TokenizerCounter{codec: codec}, nil
}

func (c *TokenizerCounter) Count(text string) (int, error) {
	if c == nil || c.codec == nil {
		return 0, errors.New("tokenizer counter not initialized")
	}
	ids, _, err := c.codec.Encode(stripSpecial(text))
	if err != nil {
		return 0, errors.Wrap(err, "tokenizer: encode")
	}
	return len(ids), nil
}

const (
	BackendTiktoken  = "tiktoken"
	BackendTokenizer = "tokenizer"
)

// New returns a Counter for the named backend and encoding. An empty
// encoding is derived from model.
func New(backend, model, encoding string) (Counter, error) {
	if encoding == "" {
		encoding = DefaultEncodingForModel(model)
	}
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendTiktoken:
		return NewTiktokenCounter(encoding)
	case BackendTokenizer:
		return NewTokenizerCounter(encoding)
	default:
		return nil, errors.Errorf("unknown tokenizer backend %q", backend)
	}
}

// stripSpecial removes the end-of-text marker, which the encoders would
// otherwise reject or count as a control token.
func stripSpecial(text string) string {
	return strings.ReplaceAll(text, endOfText, "")
}
