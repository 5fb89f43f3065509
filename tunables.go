package continuation

import (
	"os"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v2"
)

// Tunables are the runtime knobs of the freeze/thaw core. They are
// resolved once at Init and immutable afterwards; none of them change
// externally observable behavior beyond performance, except
// UseFastPath which exists to force the slow paths in testing.
type Tunables struct {
	// UseFastPath gates the bulk-copy freeze path.
	UseFastPath bool `yaml:"use_fast_path"`

	// BulkThawThresholdWords is the live-size boundary between
	// thawing a whole chunk and thawing one frame at a time.
	BulkThawThresholdWords int `yaml:"bulk_thaw_threshold_words"`

	// StackChunkMaxWords is parsed and carried with the other knobs,
	// but the runtime does not apply it: the chunk cap in force is the
	// heap's own Options.ChunkMaxWords.
	StackChunkMaxWords int `yaml:"stack_chunk_max_words"`

	// PreserveFramePointer forces thaw off the fast path, the way a
	// profiler that needs fp chains would.
	PreserveFramePointer bool `yaml:"preserve_frame_pointer"`

	// TLABWords is parsed and carried with the other knobs, but it is
	// not passed to the allocator; the heap's own Options.TLABWords is
	// the budget in force.
	TLABWords int `yaml:"tlab_words"`
}

// DefaultTunables returns the stock configuration.
func DefaultTunables() Tunables {
	return Tunables{
		UseFastPath:            true,
		BulkThawThresholdWords: 500,
		StackChunkMaxWords:     1 << 20,
		TLABWords:              1 << 14,
	}
}

// LoadTunables overlays YAML onto the defaults.
func LoadTunables(data []byte) (Tunables, error) {
	t := DefaultTunables()
	if err := yaml.UnmarshalStrict(data, &t); err != nil {
		return t, xerrors.Errorf("continuation: parsing tunables: %w", err)
	}
	if t.BulkThawThresholdWords <= 0 {
		return t, xerrors.New("continuation: bulk_thaw_threshold_words must be positive")
	}
	return t, nil
}

// LoadTunablesFile reads a YAML tunables file.
func LoadTunablesFile(path string) (Tunables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tunables{}, xerrors.Errorf("continuation: reading tunables: %w", err)
	}
	return LoadTunables(data)
}
