package tokens

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultEncodingForModel(t *testing.T) {
	require.Equal(t, EncodingCl100k, DefaultEncodingForModel("gpt-3.5-turbo"))
	require.Equal(t, EncodingCl100k, DefaultEncodingForModel("gpt-4-0613"))
	require.Equal(t, EncodingCl100k, DefaultEncodingForModel("text-embedding-ada-002"))
	require.Equal(t, EncodingP50k, DefaultEncodingForModel("text-davinci-003"))
	require.Equal(t, EncodingR50k, DefaultEncodingForModel("davinci"))
}

func TestCounterFunc(t *testing.T) {
	c := CounterFunc(func(text string) (int, error) { return len(text), nil })
	n, err := c.Count("abcd")
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestStripSpecial(t *testing.T) {
	require.Equal(t, "ab", stripSpecial("a<|endoftext|>b"))
	require.Equal(t, "", stripSpecial("<|endoftext|><|endoftext|>"))
}

func TestTokenizerCounter_IgnoresEndOfText(t *testing.T) {
	c, err := NewTokenizerCounter(EncodingCl100k)
	require.NoError(t, err)

	plain, err := c.Count("hello world")
	require.NoError(t, err)
	require.Greater(t, plain, 0)

	marked, err := c.Count("hello<|endoftext|> world")
	require.NoError(t, err)
	require.Equal(t, plain, marked)

	empty, err := c.Count("")
	require.NoError(t, err)
	require.Equal(t, 0, empty)
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New("sentencepiece", "gpt-4", "")
	require.Error(t, err)
}
