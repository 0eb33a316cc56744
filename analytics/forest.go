package analytics

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"iot-threat-engine/models"
)

const (
	DefaultNumTrees      = 100
	DefaultSubSampleSize = 256
	DefaultContamination = 0.05
	DefaultSeed          = 42
)

// FitOptions controls ensemble construction. Zero values select defaults.
type FitOptions struct {
	Schema        Schema
	NumTrees      int
	SubSampleSize int
	MaxDepth      int
	Contamination float64
	Seed          int64
	Workers       int
}

func (o FitOptions) withDefaults(n int) FitOptions {
	if len(o.Schema) == 0 {
		o.Schema = DefaultSchema()
	}
	if o.NumTrees <= 0 {
		o.NumTrees = DefaultNumTrees
	}
	if o.SubSampleSize <= 0 {
		o.SubSampleSize = DefaultSubSampleSize
	}
	if o.SubSampleSize > n {
		o.SubSampleSize = n
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = int(math.Ceil(math.Log2(float64(o.SubSampleSize))))
		if o.MaxDepth < 1 {
			o.MaxDepth = 1
		}
	}
	if o.Contamination == 0 {
		o.Contamination = DefaultContamination
	}
	if o.Seed == 0 {
		o.Seed = DefaultSeed
	}
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	return o
}

// PartitionNode is one node of a partition tree. Leaves keep the number of
// training points that reached them.
type PartitionNode struct {
	Leaf    bool           `json:"leaf"`
	Size    int            `json:"size"`
	Feature int            `json:"feature,omitempty"`
	Split   float64        `json:"split,omitempty"`
	Left    *PartitionNode `json:"left,omitempty"`
	Right   *PartitionNode `json:"right,omitempty"`
}

// Score is the scorer's output for one feature vector.
type Score struct {
	Value       float64 `json:"value"`
	IsAnomalous bool    `json:"is_anomalous"`
}

// ScoringModel is the trained, read-only ensemble. It is safe for
// concurrent use by any number of scorers.
type ScoringModel struct {
	Schema           Schema             `json:"schema"`
	Encoder          CategoricalEncoder `json:"encoder"`
	Trees            []*PartitionNode   `json:"trees"`
	SubSampleSize    int                `json:"sub_sample_size"`
	MaxDepth         int                `json:"max_depth"`
	Contamination    float64            `json:"contamination"`
	Threshold        float64            `json:"threshold"`
	Seed             int64              `json:"seed"`
	TrainingSize     int                `json:"training_size"`
	DegenerateLeaves int                `json:"degenerate_leaves"`
}

// Fit fits the command-code encoder on readings, extracts their feature
// vectors and trains the ensemble.
func Fit(readings []models.Reading, opts FitOptions) (*ScoringModel, error) {
	if len(opts.Schema) == 0 {
		opts.Schema = DefaultSchema()
	}
	if err := opts.Schema.Validate(); err != nil {
		return nil, err
	}

	codes := make([]string, 0, len(readings))
	for _, r := range readings {
		if code, ok := r.Command(); ok {
			codes = append(codes, code)
		}
	}
	enc := FitEncoder(codes)

	vectors := make([]FeatureVector, len(readings))
	for i, r := range readings {
		v, err := Extract(r, opts.Schema, enc)
		if err != nil {
			return nil, fmt.Errorf("training reading %d: %w", i, err)
		}
		vectors[i] = v
	}
	return FitVectors(vectors, enc, opts)
}

// FitVectors trains the ensemble on already extracted vectors. Every vector
// must carry opts.Schema (or DefaultSchema when unset).
func FitVectors(vectors []FeatureVector, enc CategoricalEncoder, opts FitOptions) (*ScoringModel, error) {
	if len(vectors) < 2 {
		return nil, errors.New("at least two training vectors are required")
	}
	opts = opts.withDefaults(len(vectors))
	if opts.Contamination < 0 || opts.Contamination > 0.5 {
		return nil, fmt.Errorf("contamination %.3f outside (0, 0.5]", opts.Contamination)
	}

	data := make([][]float64, len(vectors))
	for i, v := range vectors {
		if (v.Schema != nil && !v.Schema.Equal(opts.Schema)) || len(v.Values) != len(opts.Schema) {
			return nil, &SchemaMismatchError{
				Expected: opts.Schema,
				Got:      v.Schema,
				Reason:   fmt.Sprintf("training vector %d", i),
			}
		}
		data[i] = v.Values
	}

	trees := make([]*PartitionNode, opts.NumTrees)
	degenerate := make([]int, opts.NumTrees)

	var g errgroup.Group
	g.SetLimit(opts.Workers)
	for i := 0; i < opts.NumTrees; i++ {
		g.Go(func() error {
			b := &treeBuilder{
				rng:      rand.New(rand.NewSource(treeSeed(opts.Seed, i))),
				maxDepth: opts.MaxDepth,
			}
			trees[i] = b.build(b.sample(data, opts.SubSampleSize), 0)
			degenerate[i] = b.degenerate
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	model := &ScoringModel{
		Schema:        opts.Schema,
		Encoder:       enc,
		Trees:         trees,
		SubSampleSize: opts.SubSampleSize,
		MaxDepth:      opts.MaxDepth,
		Contamination: opts.Contamination,
		Seed:          opts.Seed,
		TrainingSize:  len(vectors),
	}
	for _, d := range degenerate {
		model.DegenerateLeaves += d
	}

	scores := make([]float64, len(data))
	for i, x := range data {
		scores[i] = model.rawScore(x)
	}
	model.Threshold = calibrateThreshold(scores, opts.Contamination)

	return model, nil
}

// treeSeed derives an independent, reproducible seed for tree i so the
// ensemble does not depend on the order goroutines run in.
func treeSeed(seed int64, i int) int64 {
	return int64(uint64(seed) + uint64(i+1)*0x9E3779B97F4A7C15)
}

// calibrateThreshold returns the score that exactly round(c*N) training
// scores exceed, barring ties. Points are anomalous when score > threshold.
func calibrateThreshold(scores []float64, contamination float64) float64 {
	sorted := make([]float64, len(scores))
	copy(sorted, scores)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))

	k := int(math.Round(contamination * float64(len(sorted))))
	if k >= len(sorted) {
		return 0
	}
	return sorted[k]
}

type treeBuilder struct {
	rng        *rand.Rand
	maxDepth   int
	degenerate int
}

// sample draws size points without replacement.
func (b *treeBuilder) sample(data [][]float64, size int) [][]float64 {
	if size >= len(data) {
		size = len(data)
	}
	perm := b.rng.Perm(len(data))
	out := make([][]float64, size)
	for i := 0; i < size; i++ {
		out[i] = data[perm[i]]
	}
	return out
}

func (b *treeBuilder) build(points [][]float64, depth int) *PartitionNode {
	if len(points) <= 1 || depth >= b.maxDepth {
		return &PartitionNode{Leaf: true, Size: len(points)}
	}

	dims := len(points[0])
	candidates := make([]int, 0, dims)
	mins := make([]float64, dims)
	maxs := make([]float64, dims)
	for f := 0; f < dims; f++ {
		mins[f], maxs[f] = featureRange(points, f)
		if maxs[f] > mins[f] {
			candidates = append(candidates, f)
		}
	}

	// Every feature is constant: nothing left to split on.
	if len(candidates) == 0 {
		b.degenerate++
		return &PartitionNode{Leaf: true, Size: len(points)}
	}

	feature := candidates[b.rng.Intn(len(candidates))]
	split := mins[feature] + b.rng.Float64()*(maxs[feature]-mins[feature])

	left := make([][]float64, 0, len(points))
	right := make([][]float64, 0, len(points))
	for _, p := range points {
		if p[feature] < split {
			left = append(left, p)
		} else {
			right = append(right, p)
		}
	}

	return &PartitionNode{
		Size:    len(points),
		Feature: feature,
		Split:   split,
		Left:    b.build(left, depth+1),
		Right:   b.build(right, depth+1),
	}
}

func featureRange(points [][]float64, f int) (float64, float64) {
	minVal, maxVal := points[0][f], points[0][f]
	for _, p := range points[1:] {
		if p[f] < minVal {
			minVal = p[f]
		}
		if p[f] > maxVal {
			maxVal = p[f]
		}
	}
	return minVal, maxVal
}

// averagePathLength is c(m), the expected path length of an unsuccessful
// search in a binary search tree over m items.
func averagePathLength(m int) float64 {
	if m <= 1 {
		return 0
	}
	return 2*harmonic(m-1) - 2*float64(m-1)/float64(m)
}

func harmonic(k int) float64 {
	var h float64
	for i := 1; i <= k; i++ {
		h += 1 / float64(i)
	}
	return h
}

func pathLength(n *PartitionNode, x []float64) float64 {
	depth := 0
	for !n.Leaf {
		if x[n.Feature] < n.Split {
			n = n.Left
		} else {
			n = n.Right
		}
		depth++
	}
	return float64(depth) + averagePathLength(n.Size)
}

func (m *ScoringModel) rawScore(x []float64) float64 {
	var total float64
	for _, t := range m.Trees {
		total += pathLength(t, x)
	}
	eh := total / float64(len(m.Trees))
	return math.Pow(2, -eh/averagePathLength(m.SubSampleSize))
}

// Score returns the anomaly score of v and whether it exceeds the
// calibrated threshold. It never mutates the model.
func (m *ScoringModel) Score(v FeatureVector) (Score, error) {
	if (v.Schema != nil && !v.Schema.Equal(m.Schema)) || len(v.Values) != len(m.Schema) {
		return Score{}, &SchemaMismatchError{Expected: m.Schema, Got: v.Schema}
	}
	s := m.rawScore(v.Values)
	return Score{Value: s, IsAnomalous: s > m.Threshold}, nil
}

// ScoreReading extracts reading with the model's own schema and encoder
// and scores it.
func (m *ScoringModel) ScoreReading(r models.Reading) (Score, error) {
	v, err := Extract(r, m.Schema, m.Encoder)
	if err != nil {
		return Score{}, err
	}
	return m.Score(v)
}

// Validate checks that a model loaded from storage is internally
// consistent before it is used for scoring.
func (m *ScoringModel) Validate() error {
	if err := m.Schema.Validate(); err != nil {
		return &SchemaMismatchError{Expected: m.Schema, Reason: err.Error()}
	}
	if len(m.Trees) == 0 {
		return errors.New("model has no trees")
	}
	if m.SubSampleSize < 2 {
		return fmt.Errorf("model sub-sample size %d is below 2", m.SubSampleSize)
	}
	if math.IsNaN(m.Threshold) || m.Threshold < 0 || m.Threshold > 1 {
		return fmt.Errorf("model threshold %v outside [0, 1]", m.Threshold)
	}
	for i, t := range m.Trees {
		if err := checkNode(t, len(m.Schema)); err != nil {
			return &SchemaMismatchError{
				Expected: m.Schema,
				Reason:   fmt.Sprintf("tree %d: %v", i, err),
			}
		}
	}
	return nil
}

func checkNode(n *PartitionNode, dims int) error {
	if n == nil {
		return errors.New("nil node")
	}
	if n.Leaf {
		return nil
	}
	if n.Feature < 0 || n.Feature >= dims {
		return fmt.Errorf("split on feature %d of %d", n.Feature, dims)
	}
	if err := checkNode(n.Left, dims); err != nil {
		return err
	}
	return checkNode(n.Right, dims)
}
