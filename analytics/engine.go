package analytics

import (
	"errors"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"iot-threat-engine/models"
)

// Hooks receive engine events in input order once a batch has been scored.
type Hooks struct {
	OnAnomaly        func(deviceID string, tags []ThreatTag)
	OnUnknownProfile func(key string)
}

// Verdict is the engine's decision for one reading.
type Verdict struct {
	Index          int            `json:"index"`
	Reading        models.Reading `json:"reading"`
	IsAnomalous    bool           `json:"is_anomalous"`
	AnomalyScore   float64        `json:"anomaly_score"`
	Violations     []Violation    `json:"violations"`
	Tags           []ThreatTag    `json:"threat_tags,omitempty"`
	ProfileMatched bool           `json:"profile_matched"`
	Err            error          `json:"-"`
	Error          string         `json:"error,omitempty"`
}

// Failed reports whether the reading could not be scored.
func (v Verdict) Failed() bool { return v.Err != nil }

// ViolationLabels returns the violation labels in evaluation order.
func (v Verdict) ViolationLabels() []string {
	labels := make([]string, len(v.Violations))
	for i, vi := range v.Violations {
		labels[i] = vi.Label()
	}
	return labels
}

// Processor turns a batch of readings into verdicts. The model and rule
// set are shared read-only; each Process call keeps its own state, so one
// Processor can serve concurrent batches.
type Processor struct {
	model   *ScoringModel
	rules   RuleSet
	workers int
	hooks   Hooks
	logger  *zap.Logger
}

type ProcessorOption func(*Processor)

func WithWorkers(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithHooks(h Hooks) ProcessorOption {
	return func(p *Processor) { p.hooks = h }
}

func WithLogger(l *zap.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

func NewProcessor(model *ScoringModel, rules RuleSet, opts ...ProcessorOption) *Processor {
	p := &Processor{
		model:   model,
		rules:   rules,
		workers: runtime.NumCPU(),
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Processor) Model() *ScoringModel { return p.model }

// Process scores, checks and tags every reading, preserving input order.
// A reading that cannot be scored gets a Verdict carrying its error; a
// schema mismatch between model and data aborts the batch.
func (p *Processor) Process(readings []models.Reading) ([]Verdict, error) {
	if p.model == nil {
		return nil, errors.New("no scoring model loaded")
	}
	if err := p.model.Validate(); err != nil {
		return nil, err
	}

	verdicts := make([]Verdict, len(readings))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < p.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				verdicts[i] = p.evaluate(i, readings[i])
			}
		}()
	}
	for i := range readings {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	unknown := make(map[string]bool)
	for _, v := range verdicts {
		var mismatch *SchemaMismatchError
		if errors.As(v.Err, &mismatch) {
			p.logger.Error("batch aborted on schema mismatch",
				zap.Int("index", v.Index),
				zap.Error(v.Err))
			return nil, v.Err
		}

		if v.Err != nil {
			p.logger.Warn("reading skipped",
				zap.Int("index", v.Index),
				zap.String("device_id", v.Reading.DeviceID),
				zap.Time("timestamp", v.Reading.Timestamp),
				zap.Error(v.Err))
			continue
		}

		if !v.ProfileMatched {
			_, key, _ := p.rules.Profiles.Lookup(v.Reading)
			if key == "" {
				key = v.Reading.DeviceID
			}
			if !unknown[key] {
				unknown[key] = true
				p.logger.Warn("no baseline profile, skipping range checks",
					zap.String("key", key),
					zap.String("key_by", string(p.rules.Profiles.KeyBy)))
				if p.hooks.OnUnknownProfile != nil {
					p.hooks.OnUnknownProfile(key)
				}
			}
		}

		if v.IsAnomalous {
			p.logger.Info("anomaly detected",
				zap.String("device_id", v.Reading.DeviceID),
				zap.Float64("score", v.AnomalyScore),
				zap.Strings("violations", v.ViolationLabels()),
				zap.Any("tags", v.Tags))
			if p.hooks.OnAnomaly != nil {
				p.hooks.OnAnomaly(v.Reading.DeviceID, v.Tags)
			}
		}
	}

	return verdicts, nil
}

func (p *Processor) evaluate(i int, r models.Reading) Verdict {
	v := Verdict{Index: i, Reading: r}

	score, err := p.model.ScoreReading(r)
	if err != nil {
		v.Err = err
		v.Error = err.Error()
		return v
	}

	_, _, v.ProfileMatched = p.rules.Profiles.Lookup(r)
	v.AnomalyScore = score.Value
	v.IsAnomalous = score.IsAnomalous
	v.Violations = p.rules.Profiles.Evaluate(r)
	if v.Violations == nil {
		v.Violations = []Violation{}
	}
	v.Tags = p.rules.Tags.Tag(r, score, v.Violations)
	return v
}

// CountAnomalies returns how many verdicts were flagged anomalous.
func CountAnomalies(verdicts []Verdict) int {
	n := 0
	for _, v := range verdicts {
		if v.IsAnomalous {
			n++
		}
	}
	return n
}

// TagCounts tallies threat tags across a batch.
func TagCounts(verdicts []Verdict) map[ThreatTag]int {
	counts := make(map[ThreatTag]int)
	for _, v := range verdicts {
		for _, t := range v.Tags {
			counts[t]++
		}
	}
	return counts
}
