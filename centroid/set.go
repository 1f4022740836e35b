// Package centroid implements the coarse quantizer used to narrow search
// candidates on large corpora. A trained Set holds nlist k-means centroids;
// queries probe only the owners assigned to the centroids nearest the
// query. The Index keeps the reverse map from centroid to owners.
package centroid

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"
)

var (
	// ErrInsufficientSamples is returned when too few training vectors are
	// available. Callers fall back to brute-force search.
	ErrInsufficientSamples = errors.New("centroid: insufficient training samples")

	// ErrCorrupt is returned for payloads failing structural validation.
	ErrCorrupt = errors.New("centroid: corrupt payload")
)

const (
	// MinTrainRows is the corpus size below which coarse quantization is
	// skipped entirely and queries stay on the brute-force path.
	MinTrainRows = 64

	minNlist = 8
	maxNlist = 256

	// Drift thresholds relative to the trained row count.
	growDriftFactor   = 1.3
	shrinkDriftFactor = 0.7

	// DefaultSampleSize bounds the reservoir used to collect training
	// vectors.
	DefaultSampleSize = 4096
)

// Set is a trained coarse quantizer.
type Set struct {
	Dim               int
	Nlist             int
	Centroids         []float32 // flattened, Nlist*Dim
	TrainedOnRowCount int
	UpdatedAt         time.Time
	ModelVersion      string
	SettingsHash      string
}

// NlistFor picks the number of centroids for a corpus size, roughly the
// square root of the row count clamped to [8, 256].
func NlistFor(rowCount int) int {
	if rowCount <= 0 {
		return minNlist
	}
	nlist := int(math.Sqrt(float64(rowCount)))
	if nlist < minNlist {
		return minNlist
	}
	if nlist > maxNlist {
		return maxNlist
	}
	return nlist
}

// Tuning bounds ChooseNprobe.
type Tuning struct {
	MinNprobe int
	MaxNprobe int
}

// DefaultTuning is the default nprobe clamp.
var DefaultTuning = Tuning{MinNprobe: 2, MaxNprobe: 32}

// ChooseNprobe picks how many centroids to probe per query. Small and
// medium corpora probe a larger fraction of the lists to preserve recall;
// very large corpora probe fewer to bound latency.
func ChooseNprobe(nlist, corpusSize int, tuning Tuning) int {
	if nlist <= 0 {
		return 0
	}

	var nprobe int
	switch {
	case corpusSize < 10_000:
		nprobe = nlist / 2
	case corpusSize < 100_000:
		nprobe = nlist / 4
	default:
		nprobe = nlist / 8
	}

	if tuning.MinNprobe > 0 && nprobe < tuning.MinNprobe {
		nprobe = tuning.MinNprobe
	}
	if tuning.MaxNprobe > 0 && nprobe > tuning.MaxNprobe {
		nprobe = tuning.MaxNprobe
	}
	if nprobe > nlist {
		nprobe = nlist
	}
	if nprobe < 1 {
		nprobe = 1
	}
	return nprobe
}

// TrainOptions configures Train.
type TrainOptions struct {
	// MaxIter bounds Lloyd iterations. Defaults to 25.
	MaxIter int

	// Seed makes training deterministic when non-zero.
	Seed int64

	ModelVersion string
	SettingsHash string
}

// Train clusters the flattened samples (rows*dim) into nlist centroids.
// totalRowCount is the corpus size the sample was drawn from; it is
// recorded for drift checks. Returns ErrInsufficientSamples when the
// corpus or sample is too small for coarse quantization to pay off.
func Train(samples []float32, dim, nlist, totalRowCount int, opts TrainOptions) (*Set, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("centroid: invalid dimension %d", dim)
	}
	rows := len(samples) / dim
	if totalRowCount < MinTrainRows || rows < MinTrainRows || rows < nlist {
		return nil, fmt.Errorf("%w: %d rows for nlist=%d", ErrInsufficientSamples, rows, nlist)
	}

	maxIter := opts.MaxIter
	if maxIter <= 0 {
		maxIter = defaultMaxIter
	}
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Int63()
	}

	centroids := trainKMeans(samples, dim, nlist, maxIter, rand.New(rand.NewSource(seed)))

	return &Set{
		Dim:               dim,
		Nlist:             nlist,
		Centroids:         centroids,
		TrainedOnRowCount: totalRowCount,
		UpdatedAt:         time.Now().UTC(),
		ModelVersion:      opts.ModelVersion,
		SettingsHash:      opts.SettingsHash,
	}, nil
}

// AssignOne returns the nearest centroid id for one vector.
func (s *Set) AssignOne(vec []float32) int {
	return nearestCentroid(vec, s.Centroids, s.Dim)
}

// Assign returns the nearest centroid id per vector.
func (s *Set) Assign(vectors [][]float32) []int {
	out := make([]int, len(vectors))
	for i, v := range vectors {
		out[i] = s.AssignOne(v)
	}
	return out
}

// SelectTopCentroids ranks centroids by dot product against the query and
// returns the ids of the top nprobe.
func (s *Set) SelectTopCentroids(query []float32, nprobe int) []int {
	if nprobe > s.Nlist {
		nprobe = s.Nlist
	}
	if nprobe <= 0 {
		return nil
	}

	type scored struct {
		id  int
		sim float32
	}
	sims := make([]scored, s.Nlist)
	for i := 0; i < s.Nlist; i++ {
		sims[i] = scored{id: i, sim: dot(query, s.Centroids[i*s.Dim:(i+1)*s.Dim])}
	}
	sort.Slice(sims, func(i, j int) bool { return sims[i].sim > sims[j].sim })

	out := make([]int, nprobe)
	for i := range out {
		out[i] = sims[i].id
	}
	return out
}

// RefreshReason explains why a set needs retraining.
type RefreshReason string

const (
	RefreshNone            RefreshReason = ""
	RefreshMissing         RefreshReason = "missing"
	RefreshDimMismatch     RefreshReason = "dim mismatch"
	RefreshNlistMismatch   RefreshReason = "nlist mismatch"
	RefreshModelMismatch   RefreshReason = "model version mismatch"
	RefreshSettingsChanged RefreshReason = "settings changed"
	RefreshDrift           RefreshReason = "row count drift"
)

// NeedsRefresh reports whether the set must be retrained for the given
// corpus shape. A nil set always needs training.
func (s *Set) NeedsRefresh(dim int, modelVersion, settingsHash string, rowCount int) RefreshReason {
	if s == nil || len(s.Centroids) == 0 {
		return RefreshMissing
	}
	if s.Dim != dim {
		return RefreshDimMismatch
	}
	if s.Nlist != NlistFor(s.TrainedOnRowCount) {
		return RefreshNlistMismatch
	}
	if s.ModelVersion != modelVersion {
		return RefreshModelMismatch
	}
	if s.SettingsHash != settingsHash {
		return RefreshSettingsChanged
	}

	trained := float64(s.TrainedOnRowCount)
	current := float64(rowCount)
	if current > trained*growDriftFactor || current < trained*shrinkDriftFactor {
		return RefreshDrift
	}
	return RefreshNone
}

var setMagic = [4]byte{'S', 'D', 'X', 'C'}

const setFormatVersion = 1

// Marshal serializes the set into a storage payload.
func (s *Set) Marshal() []byte {
	buf := make([]byte, 0, 64+len(s.ModelVersion)+len(s.SettingsHash)+len(s.Centroids)*4)
	buf = append(buf, setMagic[:]...)
	buf = append(buf, setFormatVersion)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.Dim))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.Nlist))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.TrainedOnRowCount))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.UpdatedAt.UnixNano()))
	buf = appendString16(buf, s.ModelVersion)
	buf = appendString16(buf, s.SettingsHash)
	for _, v := range s.Centroids {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}

// Unmarshal parses a storage payload into a Set.
func Unmarshal(data []byte) (*Set, error) {
	if len(data) < 29 {
		return nil, fmt.Errorf("%w: short payload", ErrCorrupt)
	}
	if [4]byte(data[:4]) != setMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if data[4] != setFormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, data[4])
	}

	s := &Set{
		Dim:               int(binary.LittleEndian.Uint32(data[5:])),
		Nlist:             int(binary.LittleEndian.Uint32(data[9:])),
		TrainedOnRowCount: int(binary.LittleEndian.Uint64(data[13:])),
		UpdatedAt:         time.Unix(0, int64(binary.LittleEndian.Uint64(data[21:]))).UTC(),
	}
	if s.Dim <= 0 || s.Nlist <= 0 {
		return nil, fmt.Errorf("%w: dim=%d nlist=%d", ErrCorrupt, s.Dim, s.Nlist)
	}

	off := 29
	var err error
	if s.ModelVersion, off, err = readString16(data, off); err != nil {
		return nil, err
	}
	if s.SettingsHash, off, err = readString16(data, off); err != nil {
		return nil, err
	}

	want := s.Nlist * s.Dim
	if len(data)-off != want*4 {
		return nil, fmt.Errorf("%w: centroid blob length %d, want %d", ErrCorrupt, len(data)-off, want*4)
	}
	s.Centroids = make([]float32, want)
	for i := range s.Centroids {
		s.Centroids[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off+i*4:]))
	}
	return s, nil
}

func appendString16(buf []byte, s string) []byte {
	if len(s) > math.MaxUint16 {
		s = s[:math.MaxUint16]
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func readString16(data []byte, off int) (string, int, error) {
	if off+2 > len(data) {
		return "", 0, fmt.Errorf("%w: string length truncated", ErrCorrupt)
	}
	n := int(binary.LittleEndian.Uint16(data[off:]))
	off += 2
	if off+n > len(data) {
		return "", 0, fmt.Errorf("%w: string body truncated", ErrCorrupt)
	}
	return string(data[off : off+n]), off + n, nil
}
