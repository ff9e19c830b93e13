// Package chunker splits document text into ordered Page windows and, inside
// each Page, ordered Child windows. Both are bounded by a token budget and
// never cut a sentence in half.
package chunker

import (
	"fmt"
	"strings"
	"sync"

	"github.com/menome/thelink/backend/pkg/apperr"
	"github.com/menome/thelink/backend/pkg/common"

	"github.com/pkoukk/tiktoken-go"
)

const (
	DefaultPageTokens  = 1024
	DefaultChildTokens = 256
	DefaultEncoding    = "cl100k_base"
)

// Tokenizer counts the tokens a text costs against a budget.
type Tokenizer interface {
	Count(text string) int
}

// WordTokenizer counts whitespace separated words. It needs no encoding
// files and is useful where exact model token counts do not matter.
type WordTokenizer struct{}

func (WordTokenizer) Count(text string) int {
	return len(strings.Fields(text))
}

type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

func (t tiktokenTokenizer) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

var encodings sync.Map

// NewTiktokenTokenizer returns a tokenizer for the named tiktoken encoding.
// Encodings are loaded once per process.
func NewTiktokenTokenizer(encoding string) (Tokenizer, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	if cached, ok := encodings.Load(encoding); ok {
		return cached.(Tokenizer), nil
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %s: %w", encoding, err)
	}
	tok := tiktokenTokenizer{enc: enc}
	encodings.Store(encoding, tok)
	return tok, nil
}

type Params struct {
	PageTokens  int
	ChildTokens int
	// Encoding names the tiktoken encoding used when Tokenizer is nil.
	Encoding  string
	Tokenizer Tokenizer
}

func (p Params) withDefaults() (Params, error) {
	if p.PageTokens <= 0 {
		p.PageTokens = DefaultPageTokens
	}
	if p.ChildTokens <= 0 {
		p.ChildTokens = DefaultChildTokens
	}
	if p.ChildTokens > p.PageTokens {
		return p, apperr.Validation("chunker.Chunk", "child budget %d exceeds page budget %d", p.ChildTokens, p.PageTokens)
	}
	if p.Tokenizer == nil {
		tok, err := NewTiktokenTokenizer(p.Encoding)
		if err != nil {
			return p, err
		}
		p.Tokenizer = tok
	}
	return p, nil
}

// Chunk splits text into Pages named "Page N" with Children named
// "{page}-{child}", both 1-based. The result depends only on the text and
// the budgets, so chunking the same input twice yields the same names in the
// same order. UUIDs are left empty for the graph writer to assign.
func Chunk(text string, params Params) ([]common.Page, error) {
	params, err := params.withDefaults()
	if err != nil {
		return nil, err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	sentences := splitSentences(text)

	windows := pack(sentences, params.PageTokens, params.Tokenizer)
	pages := make([]common.Page, 0, len(windows))
	for i, window := range windows {
		pageIndex := i + 1
		page := common.Page{
			Index: pageIndex,
			Name:  PageName(pageIndex),
			Text:  strings.Join(window, " "),
		}
		for j, childWindow := range pack(window, params.ChildTokens, params.Tokenizer) {
			childIndex := j + 1
			page.Children = append(page.Children, common.Child{
				Index: childIndex,
				Name:  ChildName(pageIndex, childIndex),
				Text:  strings.Join(childWindow, " "),
			})
		}
		pages = append(pages, page)
	}

	return pages, nil
}

func PageName(index int) string {
	return fmt.Sprintf("Page %d", index)
}

func ChildName(page, index int) string {
	return fmt.Sprintf("%d-%d", page, index)
}

// pack groups consecutive sentences into windows whose joined text stays
// within maxTokens. A sentence that alone exceeds the budget becomes its own
// window.
func pack(sentences []string, maxTokens int, tok Tokenizer) [][]string {
	var windows [][]string
	var current []string

	for _, s := range sentences {
		if len(current) == 0 {
			current = []string{s}
			continue
		}
		candidate := strings.Join(append(current[:len(current):len(current)], s), " ")
		if tok.Count(candidate) <= maxTokens {
			current = append(current, s)
			continue
		}
		windows = append(windows, current)
		current = []string{s}
	}
	if len(current) > 0 {
		windows = append(windows, current)
	}

	return windows
}
