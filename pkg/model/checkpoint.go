package model

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
)

const (
	checkpointMagic   int32 = 20240610
	checkpointVersion int32 = 1

	// compiledPrefix is the key artifact left by the graph compiler that
	// produced the base checkpoint; it is stripped on load.
	compiledPrefix = "_orig_mod."
)

// StateDict is a snapshot of named parameter tensors plus the architecture
// they belong to. Snapshots own their data; mutating the model afterwards
// does not change them.
type StateDict struct {
	Config  Config
	Tensors []NamedTensor
}

// Snapshot copies the current parameters into a fresh StateDict. The result
// carries no replication or activation state.
func (m *Transformer) Snapshot() *StateDict {
	named := m.Params.Named()
	sd := &StateDict{Config: m.Config, Tensors: make([]NamedTensor, len(named))}
	for i, nt := range named {
		data := make([]float32, len(nt.Data))
		copy(data, nt.Data)
		sd.Tensors[i] = NamedTensor{Name: nt.Name, Data: data}
	}
	return sd
}

// Save writes the snapshot to path. The file is fully materialized in a
// temporary sibling first and moved into place with a rename, so a reader
// never observes a partial checkpoint.
func (sd *StateDict) Save(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	w := bufio.NewWriter(tmp)
	header := []int32{
		checkpointMagic, checkpointVersion,
		int32(sd.Config.Dim), int32(sd.Config.NumLayers), int32(sd.Config.NumHeads),
		int32(sd.Config.VocabSize), int32(sd.Config.MaxSeqLen), int32(len(sd.Tensors)),
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write checkpoint header: %v", err)
	}
	for _, nt := range sd.Tensors {
		if err := writeTensor(w, nt); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("failed to write tensor %s: %v", nt.Name, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func writeTensor(w io.Writer, nt NamedTensor) error {
	if err := binary.Write(w, binary.LittleEndian, int32(len(nt.Name))); err != nil {
		return err
	}
	if _, err := w.Write([]byte(nt.Name)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, int32(len(nt.Data))); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, nt.Data)
}

// LoadStateDict reads a checkpoint file.
func LoadStateDict(path string) (*StateDict, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %v", err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	header := make([]int32, 8)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to read checkpoint header: %v", err)
	}
	if header[0] != checkpointMagic || header[1] != checkpointVersion {
		return nil, fmt.Errorf("invalid checkpoint header in %s", path)
	}
	sd := &StateDict{
		Config: Config{
			Dim:       int(header[2]),
			NumLayers: int(header[3]),
			NumHeads:  int(header[4]),
			VocabSize: int(header[5]),
			MaxSeqLen: int(header[6]),
		},
		Tensors: make([]NamedTensor, header[7]),
	}
	for i := range sd.Tensors {
		nt, err := readTensor(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read tensor %d: %v", i, err)
		}
		sd.Tensors[i] = nt
	}
	return sd, nil
}

// maxTensorNumel bounds a single tensor read; larger counts mean a corrupt
// file, not a model.
const maxTensorNumel = 1 << 30

func readTensor(r io.Reader) (NamedTensor, error) {
	var nameLen int32
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return NamedTensor{}, err
	}
	if nameLen <= 0 || nameLen > 4096 {
		return NamedTensor{}, fmt.Errorf("implausible tensor name length %d", nameLen)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return NamedTensor{}, err
	}
	var numel int32
	if err := binary.Read(r, binary.LittleEndian, &numel); err != nil {
		return NamedTensor{}, err
	}
	if numel < 0 || numel > maxTensorNumel {
		return NamedTensor{}, fmt.Errorf("implausible element count %d for tensor %q", numel, name)
	}
	data := make([]float32, numel)
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return NamedTensor{}, err
	}
	return NamedTensor{Name: string(name), Data: data}, nil
}

// LoadState copies matching tensors from sd into the model parameters. Keys
// carrying the compiled-graph prefix are normalized first. When strict is
// false, unknown keys are skipped and missing keys tolerated; a snapshot with
// no overlapping keys is an error either way.
func (m *Transformer) LoadState(sd *StateDict, strict bool) error {
	views := make(map[string][]float32, len(m.Params.Named()))
	for _, nt := range m.Params.Named() {
		views[nt.Name] = nt.Data
	}
	matched := 0
	for _, nt := range sd.Tensors {
		name := strings.TrimPrefix(nt.Name, compiledPrefix)
		dst, ok := views[name]
		if !ok {
			if strict {
				return fmt.Errorf("unexpected key %q in checkpoint", nt.Name)
			}
			log.Debug("skipping unknown checkpoint key", "key", nt.Name)
			continue
		}
		if len(dst) != len(nt.Data) {
			return fmt.Errorf("size mismatch for %q: checkpoint %d, model %d", name, len(nt.Data), len(dst))
		}
		copy(dst, nt.Data)
		matched++
		delete(views, name)
	}
	if matched == 0 {
		return fmt.Errorf("checkpoint shares no keys with the model")
	}
	if strict && len(views) > 0 {
		return fmt.Errorf("checkpoint is missing %d parameter tensors", len(views))
	}
	return nil
}

// LoadPretrained loads the base weights from path into the model,
// non-strictly and with prefix normalization.
func (m *Transformer) LoadPretrained(path string) error {
	sd, err := LoadStateDict(path)
	if err != nil {
		return err
	}
	return m.LoadState(sd, false)
}
