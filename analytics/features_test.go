package analytics

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-threat-engine/models"
)

func TestFitEncoder(t *testing.T) {
	enc := FitEncoder([]string{"CMD_003", "CMD_001", "CMD_003", "CMD_002"})

	assert.Equal(t, []string{"CMD_001", "CMD_002", "CMD_003"}, enc.Categories)
	assert.Equal(t, 0.0, enc.Encode("CMD_001"))
	assert.Equal(t, 2.0, enc.Encode("CMD_003"))

	t.Run("unseen codes share the reserved slot", func(t *testing.T) {
		assert.Equal(t, 3.0, enc.Encode("CMD_X99"))
		assert.Equal(t, 3.0, enc.Encode("99"))
	})

	t.Run("numeric codes sort by value", func(t *testing.T) {
		enc := FitEncoder([]string{"10", "CMD_001", "9", "2", "10", "NaN"})
		assert.Equal(t, []string{"2", "9", "10", "CMD_001", "NaN"}, enc.Categories)
		assert.Equal(t, 1.0, enc.Encode("9"))
		assert.Equal(t, 2.0, enc.Encode("10"))
		assert.Equal(t, 5.0, enc.Encode("99"))
	})

	t.Run("encoding does not depend on the batch", func(t *testing.T) {
		before := enc.Encode("CMD_003")
		for _, code := range []string{"CMD_000", "AAA", "ZZZ"} {
			enc.Encode(code)
		}
		assert.Equal(t, before, enc.Encode("CMD_003"))
		assert.Len(t, enc.Categories, 3)
	})
}

func TestExtract(t *testing.T) {
	enc := FitEncoder([]string{"CMD_001", "CMD_002"})

	t.Run("follows schema order", func(t *testing.T) {
		r := reading("SAT001", 42.5, 9.1, "CMD_002", 77)
		v, err := Extract(r, DefaultSchema(), enc)
		require.NoError(t, err)
		assert.Equal(t, DefaultSchema(), v.Schema)
		assert.Equal(t, []float64{42.5, 9.1, 1, 77}, v.Values)

		custom := Schema{FieldSignalStrength, FieldTemperature}
		v, err = Extract(r, custom, enc)
		require.NoError(t, err)
		assert.Equal(t, []float64{77, 42.5}, v.Values)
	})

	t.Run("missing field", func(t *testing.T) {
		r := reading("SAT002", 42.5, 9.1, "CMD_002", 77)
		r.Voltage = nil

		_, err := Extract(r, DefaultSchema(), enc)
		var missing *MissingFieldError
		require.True(t, errors.As(err, &missing))
		assert.Equal(t, FieldVoltage, missing.Field)
		assert.Equal(t, "SAT002", missing.DeviceID)
		assert.Contains(t, err.Error(), "voltage")
	})

	t.Run("missing field outside schema is ignored", func(t *testing.T) {
		r := reading("SAT002", 42.5, 9.1, "CMD_002", 77)
		r.SignalStrength = nil

		_, err := Extract(r, Schema{FieldTemperature, FieldVoltage}, enc)
		assert.NoError(t, err)
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := Extract(models.Reading{}, Schema{"humidity"}, enc)
		assert.Error(t, err)
	})
}

func TestSchemaValidate(t *testing.T) {
	assert.NoError(t, DefaultSchema().Validate())
	assert.Error(t, Schema{}.Validate())
	assert.Error(t, Schema{FieldVoltage, FieldVoltage}.Validate())
	assert.Error(t, Schema{"pressure"}.Validate())
}
