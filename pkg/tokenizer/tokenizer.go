// Package tokenizer loads a vocabulary directory and encodes text with a
// greedy longest-match over the vocabulary, after a GPT-style regex
// pretokenization. Special tokens are matched before the regex runs so they
// never get split.
package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dlclark/regexp2"
)

// pretokenPattern is the GPT-2 pretokenizer split. It needs regexp2 for the
// lookahead in the whitespace branch.
const pretokenPattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

// specialTokens mirrors the special_tokens.json layout of the tokenizer
// directory.
type specialTokens struct {
	BosToken string `json:"bos_token"`
	EosToken string `json:"eos_token"`
	PadToken string `json:"pad_token"`
	UnkToken string `json:"unk_token"`
}

// Tokenizer encodes and decodes between text and token ids.
type Tokenizer struct {
	table    []string
	vocab    map[string]int32
	trie     *trie
	re       *regexp2.Regexp
	specials []string // longest-first for the greedy special scan

	bos, eos, pad, unk int32
}

// Load reads vocab.json and special_tokens.json from dir.
func Load(dir string) (*Tokenizer, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "vocab.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read vocabulary: %v", err)
	}
	var vocab map[string]int32
	if err := json.Unmarshal(raw, &vocab); err != nil {
		return nil, fmt.Errorf("failed to parse vocabulary: %v", err)
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("empty vocabulary in %s", dir)
	}

	raw, err = os.ReadFile(filepath.Join(dir, "special_tokens.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read special tokens: %v", err)
	}
	var sp specialTokens
	if err := json.Unmarshal(raw, &sp); err != nil {
		return nil, fmt.Errorf("failed to parse special tokens: %v", err)
	}

	tok := &Tokenizer{
		table: make([]string, len(vocab)),
		vocab: vocab,
		trie:  newTrie(),
		re:    regexp2.MustCompile(pretokenPattern, regexp2.None),
	}
	for word, id := range vocab {
		if int(id) < 0 || int(id) >= len(vocab) {
			return nil, fmt.Errorf("vocabulary id %d out of range", id)
		}
		tok.table[id] = word
		if err := tok.trie.insert([]byte(word), id); err != nil {
			return nil, err
		}
	}

	lookup := func(name, word string) (int32, error) {
		id, ok := vocab[word]
		if !ok {
			return 0, fmt.Errorf("%s %q is not in the vocabulary", name, word)
		}
		return id, nil
	}
	if tok.bos, err = lookup("bos token", sp.BosToken); err != nil {
		return nil, err
	}
	if tok.eos, err = lookup("eos token", sp.EosToken); err != nil {
		return nil, err
	}
	if tok.pad, err = lookup("pad token", sp.PadToken); err != nil {
		return nil, err
	}
	if tok.unk, err = lookup("unk token", sp.UnkToken); err != nil {
		return nil, err
	}
	tok.specials = []string{sp.BosToken, sp.EosToken, sp.PadToken, sp.UnkToken}
	sort.Slice(tok.specials, func(i, j int) bool { return len(tok.specials[i]) > len(tok.specials[j]) })
	return tok, nil
}

// VocabSize returns the number of tokens in the vocabulary.
func (t *Tokenizer) VocabSize() int { return len(t.table) }

// Bos returns the beginning-of-sequence id.
func (t *Tokenizer) Bos() int32 { return t.bos }

// Eos returns the end-of-sequence id.
func (t *Tokenizer) Eos() int32 { return t.eos }

// Pad returns the padding id.
func (t *Tokenizer) Pad() int32 { return t.pad }

// Unk returns the unknown-token id.
func (t *Tokenizer) Unk() int32 { return t.unk }

// Encode tokenizes text. Special tokens embedded in the text map to their
// single ids; everything else goes through the pretokenizer and the greedy
// vocabulary match, with unmatched bytes becoming the unknown token.
func (t *Tokenizer) Encode(text string) ([]int32, error) {
	var ids []int32
	for len(text) > 0 {
		head, special := t.splitSpecial(text)
		if head != "" {
			plain, err := t.encodePlain(head)
			if err != nil {
				return nil, err
			}
			ids = append(ids, plain...)
		}
		if special == "" {
			break
		}
		ids = append(ids, t.vocab[special])
		text = text[len(head)+len(special):]
		continue
	}
	return ids, nil
}

// splitSpecial returns the text before the earliest special token and the
// special token itself, or (text, "") when none occurs.
func (t *Tokenizer) splitSpecial(text string) (head, special string) {
	earliest := len(text)
	for _, s := range t.specials {
		if i := strings.Index(text, s); i >= 0 && i < earliest {
			earliest, special = i, s
		}
	}
	return text[:earliest], special
}

func (t *Tokenizer) encodePlain(text string) ([]int32, error) {
	var ids []int32
	match, err := t.re.FindStringMatch(text)
	for ; match != nil && err == nil; match, err = t.re.FindNextMatch(match) {
		piece := []byte(match.String())
		for len(piece) > 0 {
			id, n, ok := t.trie.match(piece)
			if !ok {
				id, n = t.unk, 1
			}
			ids = append(ids, id)
			piece = piece[n:]
		}
	}
	if err != nil {
		return nil, fmt.Errorf("pretokenizer failed: %v", err)
	}
	return ids, nil
}

// Decode concatenates the token strings for ids, skipping padding.
func (t *Tokenizer) Decode(ids []int32) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if int(id) < 0 || int(id) >= len(t.table) {
			return "", fmt.Errorf("token id %d out of range", id)
		}
		if id == t.pad {
			continue
		}
		sb.WriteString(t.table[id])
	}
	return sb.String(), nil
}
