// Package dataset turns line-delimited instruction/response records into the
// (input, target, loss-mask) token triples the training loop consumes. Only
// response tokens carry loss; prompt and padding positions are masked out.
package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tinyllm/sft/pkg/tokenizer"
)

// record is one line of the training data file.
type record struct {
	Instruction string `json:"instruction"`
	Input       string `json:"input"`
	Output      string `json:"output"`
}

// Sample is a fully tokenized training example of fixed length. Input and
// Target are shifted by one position; LossMask is aligned with Target and
// selects the response tokens.
//
// A sample whose response was truncated away entirely has an all-zero mask;
// the loss of such a sample is 0/0. That edge is documented, not guarded.
type Sample struct {
	Input    []int32
	Target   []int32
	LossMask []float32
}

// SFT is an in-memory instruction-tuning dataset. Records are parsed eagerly;
// tokenization happens per access so the loader workers parallelize it.
type SFT struct {
	records []record
	tok     *tokenizer.Tokenizer
	maxLen  int
}

// Load reads a JSONL file of {"instruction","input","output"} records.
func Load(path string, tok *tokenizer.Tokenizer, maxLen int) (*SFT, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %v", err)
	}
	defer f.Close()

	ds := &SFT{tok: tok, maxLen: maxLen}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("bad record on line %d of %s: %v", line, path, err)
		}
		ds.records = append(ds.records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read data file: %v", err)
	}
	if len(ds.records) == 0 {
		return nil, fmt.Errorf("no records in %s", path)
	}
	return ds, nil
}

// Len returns the number of records.
func (d *SFT) Len() int { return len(d.records) }

// SeqLen returns the fixed sample length.
func (d *SFT) SeqLen() int { return d.maxLen }

// At tokenizes record i into a Sample.
func (d *SFT) At(i int) (Sample, error) {
	rec := d.records[i]
	prompt, response := renderChat(rec)

	promptIDs, err := d.tok.Encode(prompt)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to encode prompt of record %d: %v", i, err)
	}
	responseIDs, err := d.tok.Encode(response)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to encode response of record %d: %v", i, err)
	}

	n := d.maxLen + 1
	tokens := make([]int32, 0, n)
	mask := make([]float32, 0, n)
	for _, id := range promptIDs {
		tokens = append(tokens, id)
		mask = append(mask, 0)
	}
	for _, id := range responseIDs {
		tokens = append(tokens, id)
		mask = append(mask, 1)
	}
	if len(tokens) > n {
		tokens = tokens[:n]
		mask = mask[:n]
	}
	for len(tokens) < n {
		tokens = append(tokens, d.tok.Pad())
		mask = append(mask, 0)
	}

	return Sample{
		Input:    tokens[:d.maxLen],
		Target:   tokens[1:],
		LossMask: mask[1:],
	}, nil
}

// renderChat formats a record with the chat markers the base model was
// pretrained on. The response includes the closing marker so the model learns
// to stop.
func renderChat(rec record) (prompt, response string) {
	user := rec.Instruction
	if rec.Input != "" {
		user += "\n" + rec.Input
	}
	prompt = "<|im_start|>user\n" + user + "<|im_end|>\n<|im_start|>assistant\n"
	response = rec.Output + "<|im_end|>"
	return prompt, response
}
