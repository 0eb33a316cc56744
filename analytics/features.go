package analytics

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"iot-threat-engine/models"
)

// Field names a reading attribute usable as a model feature.
type Field string

const (
	FieldTemperature    Field = "temperature"
	FieldVoltage        Field = "voltage"
	FieldCommandCode    Field = "command_code"
	FieldSignalStrength Field = "signal_strength"
)

// Schema is the ordered list of fields that make up a feature vector.
type Schema []Field

// DefaultSchema is the feature order used for training and scoring.
func DefaultSchema() Schema {
	return Schema{FieldTemperature, FieldVoltage, FieldCommandCode, FieldSignalStrength}
}

func (s Schema) Equal(other Schema) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

func (s Schema) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("feature schema is empty")
	}
	seen := make(map[Field]bool, len(s))
	for _, f := range s {
		switch f {
		case FieldTemperature, FieldVoltage, FieldCommandCode, FieldSignalStrength:
		default:
			return fmt.Errorf("unknown feature field %q", f)
		}
		if seen[f] {
			return fmt.Errorf("duplicate feature field %q", f)
		}
		seen[f] = true
	}
	return nil
}

// FeatureVector is a reading projected onto a schema.
type FeatureVector struct {
	Schema Schema    `json:"schema"`
	Values []float64 `json:"values"`
}

// CategoricalEncoder maps command codes to stable integer categories. It is
// fitted once during training and travels inside the ScoringModel; scoring
// must reuse it unchanged.
type CategoricalEncoder struct {
	Categories []string `json:"categories"`
	index      map[string]int
}

// FitEncoder builds an encoder from the distinct codes in ascending order,
// so category i is the i-th smallest code. Numeric codes compare by value
// and sort before symbolic ones, which compare as strings.
func FitEncoder(codes []string) CategoricalEncoder {
	uniq := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		uniq[c] = struct{}{}
	}
	cats := make([]string, 0, len(uniq))
	for c := range uniq {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return codeLess(cats[i], cats[j]) })
	return newEncoder(cats)
}

func codeLess(a, b string) bool {
	na, okA := numericCode(a)
	nb, okB := numericCode(b)
	switch {
	case okA && okB:
		if na != nb {
			return na < nb
		}
		return a < b
	case okA:
		return true
	case okB:
		return false
	}
	return a < b
}

func numericCode(code string) (float64, bool) {
	f, err := strconv.ParseFloat(code, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func newEncoder(cats []string) CategoricalEncoder {
	idx := make(map[string]int, len(cats))
	for i, c := range cats {
		idx[c] = i
	}
	return CategoricalEncoder{Categories: cats, index: idx}
}

// Encode returns the category of code. Codes never seen in training all map
// to the reserved slot len(Categories).
func (e CategoricalEncoder) Encode(code string) float64 {
	if e.index == nil {
		for i, c := range e.Categories {
			if c == code {
				return float64(i)
			}
		}
		return float64(len(e.Categories))
	}
	if i, ok := e.index[code]; ok {
		return float64(i)
	}
	return float64(len(e.Categories))
}

func (e *CategoricalEncoder) UnmarshalJSON(b []byte) error {
	var raw struct {
		Categories []string `json:"categories"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*e = newEncoder(raw.Categories)
	return nil
}

// Extract projects reading onto schema using enc for the command code.
func Extract(reading models.Reading, schema Schema, enc CategoricalEncoder) (FeatureVector, error) {
	values := make([]float64, len(schema))
	for i, f := range schema {
		var (
			v  float64
			ok bool
		)
		switch f {
		case FieldTemperature:
			v, ok = reading.TemperatureValue()
		case FieldVoltage:
			v, ok = reading.VoltageValue()
		case FieldSignalStrength:
			v, ok = reading.SignalStrengthValue()
		case FieldCommandCode:
			var code string
			code, ok = reading.Command()
			if ok {
				v = enc.Encode(code)
			}
		default:
			return FeatureVector{}, fmt.Errorf("unknown feature field %q", f)
		}
		if !ok {
			return FeatureVector{}, &MissingFieldError{
				Field:     f,
				DeviceID:  reading.DeviceID,
				Timestamp: reading.Timestamp,
			}
		}
		values[i] = v
	}
	return FeatureVector{Schema: schema, Values: values}, nil
}
