package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateTempo(t *testing.T) {
	// 0.5s 间隔 = 120 BPM
	beats := []float64{0.0, 0.5, 1.0, 1.5, 2.0, 2.5}
	assert.InDelta(t, 120.0, estimateTempo(beats), 0.01)
}

func TestEstimateTempo_ToleratesMissedBeat(t *testing.T) {
	// 中间漏了一拍，中位数不受影响
	beats := []float64{0.0, 0.5, 1.0, 2.0, 2.5, 3.0, 3.5}
	assert.InDelta(t, 120.0, estimateTempo(beats), 0.01)
}

func TestEstimateTempo_TooFewBeats(t *testing.T) {
	assert.Equal(t, 0.0, estimateTempo(nil))
	assert.Equal(t, 0.0, estimateTempo([]float64{1.0}))
}

func TestParseFloatLines(t *testing.T) {
	out := "0.464399\n0.950204\n\n1.428935\nnot-a-number\n"
	values := parseFloatLines(out)
	assert.Equal(t, []float64{0.464399, 0.950204, 1.428935}, values)
}

func TestCheckDuration(t *testing.T) {
	v := NewValidator("", 1.0, 1800.0)

	assert.NoError(t, v.CheckDuration(180.0))

	err := v.CheckDuration(0.5)
	assert.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	err = v.CheckDuration(3600.0)
	assert.ErrorAs(t, err, &verr)
}
