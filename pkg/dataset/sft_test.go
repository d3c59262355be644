package dataset

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyllm/sft/pkg/tokenizer"
)

func writeTokenizer(t *testing.T) *tokenizer.Tokenizer {
	t.Helper()
	dir := t.TempDir()
	vocab := map[string]int32{
		"<|im_start|>": 0,
		"<|im_end|>":   1,
		"<pad>":        2,
		"<unk>":        3,
		"user":         4,
		"assistant":    5,
		"\n":           6,
		"hello":        7,
		"hi":           8,
		" ":            9,
		"extra":        10,
	}
	raw, err := json.Marshal(vocab)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vocab.json"), raw, 0o644))
	specials := map[string]string{
		"bos_token": "<|im_start|>",
		"eos_token": "<|im_end|>",
		"pad_token": "<pad>",
		"unk_token": "<unk>",
	}
	raw, err = json.Marshal(specials)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "special_tokens.json"), raw, 0o644))

	tok, err := tokenizer.Load(dir)
	require.NoError(t, err)
	return tok
}

func writeData(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.jsonl")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadParsesRecords(t *testing.T) {
	tok := writeTokenizer(t)
	path := writeData(t,
		`{"instruction":"hello","input":"","output":"hi"}`,
		``,
		`{"instruction":"hello","input":"extra","output":"hi"}`,
	)
	ds, err := Load(path, tok, 16)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len(), "blank lines are skipped")
	assert.Equal(t, 16, ds.SeqLen())
}

func TestLoadRejectsBadInput(t *testing.T) {
	tok := writeTokenizer(t)

	_, err := Load(writeData(t, `not json`), tok, 16)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")

	_, err = Load(writeData(t), tok, 16)
	assert.Error(t, err, "no records")

	_, err = Load(filepath.Join(t.TempDir(), "missing.jsonl"), tok, 16)
	assert.Error(t, err)
}

func TestAtMasksPromptAndPadding(t *testing.T) {
	tok := writeTokenizer(t)
	ds, err := Load(writeData(t, `{"instruction":"hello","input":"","output":"hi"}`), tok, 16)
	require.NoError(t, err)

	sample, err := ds.At(0)
	require.NoError(t, err)
	require.Len(t, sample.Input, 16)
	require.Len(t, sample.Target, 16)
	require.Len(t, sample.LossMask, 16)

	// prompt: <|im_start|>user\nhello<|im_end|>\n<|im_start|>assistant\n
	// response: hi<|im_end|>, then padding up to the window
	assert.Equal(t, []int32{0, 4, 6, 7, 1, 6, 0, 5, 6, 8, 1, 2, 2, 2, 2, 2}, sample.Input)
	assert.Equal(t, []int32{4, 6, 7, 1, 6, 0, 5, 6, 8, 1, 2, 2, 2, 2, 2, 2}, sample.Target)
	assert.Equal(t, []float32{0, 0, 0, 0, 0, 0, 0, 0, 1, 1, 0, 0, 0, 0, 0, 0}, sample.LossMask)
}

func TestAtShiftsTargetByOne(t *testing.T) {
	tok := writeTokenizer(t)
	ds, err := Load(writeData(t, `{"instruction":"hello","input":"","output":"hi"}`), tok, 16)
	require.NoError(t, err)

	sample, err := ds.At(0)
	require.NoError(t, err)
	for i := 0; i < len(sample.Input)-1; i++ {
		assert.Equal(t, sample.Input[i+1], sample.Target[i])
	}
}

func TestAtJoinsInstructionAndInput(t *testing.T) {
	tok := writeTokenizer(t)
	ds, err := Load(writeData(t, `{"instruction":"hello","input":"extra","output":"hi"}`), tok, 20)
	require.NoError(t, err)

	sample, err := ds.At(0)
	require.NoError(t, err)
	// instruction and input are joined by a newline inside the user turn
	assert.Equal(t, []int32{0, 4, 6, 7, 6, 10, 1, 6, 0, 5, 6}, sample.Input[:11])
}

func TestAtTruncationCanMaskEverything(t *testing.T) {
	tok := writeTokenizer(t)
	ds, err := Load(writeData(t, `{"instruction":"hello","input":"","output":"hi"}`), tok, 4)
	require.NoError(t, err)

	sample, err := ds.At(0)
	require.NoError(t, err)
	require.Len(t, sample.LossMask, 4)
	for _, m := range sample.LossMask {
		assert.Zero(t, m, "a fully truncated response leaves an all-zero mask")
	}
}
