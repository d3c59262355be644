package tokenizer

import "fmt"

// trie maps byte sequences to token ids for greedy longest-match encoding.
type trie struct {
	children map[byte]*trie
	id       int32
	end      bool
}

func newTrie() *trie {
	return &trie{children: map[byte]*trie{}}
}

// insert adds a token string and its id.
func (t *trie) insert(word []byte, id int32) error {
	if len(word) == 0 {
		return fmt.Errorf("zero length token not supported")
	}
	cur := t
	for _, b := range word {
		next := cur.children[b]
		if next == nil {
			next = &trie{children: map[byte]*trie{}}
			cur.children[b] = next
		}
		cur = next
	}
	cur.end = true
	cur.id = id
	return nil
}

// match returns the id and byte length of the longest token that prefixes
// input, or ok=false when no token matches.
func (t *trie) match(input []byte) (id int32, length int, ok bool) {
	cur := t
	for i, b := range input {
		cur = cur.children[b]
		if cur == nil {
			break
		}
		if cur.end {
			id, length, ok = cur.id, i+1, true
		}
	}
	return id, length, ok
}
