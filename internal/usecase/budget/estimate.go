package budget

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Estimator approximates the token count of a text.
type Estimator interface {
	Count(text string) int
}

// CharEstimator estimates tokens as characters divided by a fixed ratio.
type CharEstimator struct {
	CharsPerToken int
}

func (e CharEstimator) Count(text string) int {
	runes := utf8.RuneCountInString(text)
	if runes == 0 {
		return 0
	}
	ratio := e.CharsPerToken
	if ratio <= 0 {
		ratio = 4
	}
	return (runes + ratio - 1) / ratio
}

// TiktokenEstimator counts tokens with a BPE encoding. If the encoding
// cannot be loaded it degrades to the character heuristic.
type TiktokenEstimator struct {
	encoding string
	fallback CharEstimator

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTiktokenEstimator returns an estimator for the named encoding
// (cl100k_base when empty). The encoding is loaded on first use.
func NewTiktokenEstimator(encoding string, charsPerToken int) *TiktokenEstimator {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TiktokenEstimator{
		encoding: encoding,
		fallback: CharEstimator{CharsPerToken: charsPerToken},
	}
}

func (e *TiktokenEstimator) Count(text string) int {
	if text == "" {
		return 0
	}
	e.once.Do(func() {
		if enc, err := tiktoken.GetEncoding(e.encoding); err == nil {
			e.enc = enc
		}
	})
	if e.enc == nil {
		return e.fallback.Count(text)
	}
	return len(e.enc.Encode(text, nil, nil))
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

// cutRunes returns the first n runes of s.
func cutRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
