package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_KindAndCause(t *testing.T) {
	cause := errors.New("disk full")
	err := newError(BackendLocal, "add", ErrQuery, cause)

	assert.ErrorIs(t, err, ErrQuery)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrConfig)
	assert.Equal(t, "local add: query failed: disk full", err.Error())

	timeout := newError(BackendRemote, "query", ErrQuery, fmt.Errorf("waiting: %w", context.DeadlineExceeded))
	assert.ErrorIs(t, timeout, ErrTimeout)
	assert.NotErrorIs(t, timeout, ErrQuery)

	assert.Equal(t, ErrPath, kindOf(newError(BackendLocal, "traverse", ErrPath, nil), ErrQuery))
	assert.Equal(t, ErrQuery, kindOf(cause, ErrQuery))
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, "ok", resultLabel(nil))
	assert.Equal(t, "config", resultLabel(newError(BackendLocal, "open", ErrConfig, nil)))
	assert.Equal(t, "unavailable", resultLabel(newError(BackendRemote, "add", ErrBackendUnavailable, nil)))
	assert.Equal(t, "query", resultLabel(errors.New("other")))
}

func TestParseMetric(t *testing.T) {
	tests := []struct {
		in      string
		want    Metric
		wantErr bool
	}{
		{"", MetricCosine, false},
		{"cosine", MetricCosine, false},
		{" L2 ", MetricL2, false},
		{"ip", MetricIP, false},
		{"dot", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMetric(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateScalars(t *testing.T) {
	valid := map[string]any{
		"s": "x", "b": true, "i": 3, "i8": int8(-1), "u": uint32(7),
		"f": 1.5, "f32": float32(0.25),
	}
	assert.NoError(t, validateScalars(valid))
	assert.NoError(t, validateScalars(nil))

	invalid := map[string]map[string]any{
		"empty key":  {"": "x"},
		"reserved":   {"_am_text": "x"},
		"slice":      {"tags": []string{"a"}},
		"map":        {"nested": map[string]any{}},
		"nil":        {"none": nil},
		"nan":        {"f": math.NaN()},
		"inf":        {"f": math.Inf(1)},
		"uint range": {"u": uint64(math.MaxUint64)},
	}
	for name, m := range invalid {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, validateScalars(m), ErrInvalidMetadata)
		})
	}
}

func TestNormalize(t *testing.T) {
	c := &core{}
	in := []QueryResult{
		{ID: "c", Distance: 0.3},
		{ID: "b", Distance: 0.1},
		{ID: "a", Distance: 0.1},
		{ID: "c", Distance: 0.05},
		{ID: "d", Distance: 0.9},
	}

	out := c.normalize(in, 3)
	require.Len(t, out, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{out[0].ID, out[1].ID, out[2].ID})
	assert.InDelta(t, 0.05, out[0].Distance, 1e-9)

	assert.Empty(t, c.normalize(nil, 5))
	assert.NotNil(t, c.normalize(nil, 5))
}

func TestNormalize_Postprocess(t *testing.T) {
	tag := PostprocessorFunc(func(r QueryResult) (QueryResult, bool) {
		r.Text = "[" + r.Text + "]"
		return r, true
	})
	c := &core{hooks: Hooks{Postprocess: ChainPostprocessors(MaxDistance(0.5), tag)}}

	out := c.normalize([]QueryResult{
		{ID: "near", Text: "n", Distance: 0.2},
		{ID: "far", Text: "f", Distance: 0.7},
	}, 5)
	require.Len(t, out, 1)
	assert.Equal(t, "[n]", out[0].Text)
}

func TestEmbedderFunc(t *testing.T) {
	f := EmbedderFunc(func(_ context.Context, text string) ([]float32, error) {
		if text == "bad" {
			return nil, errors.New("bad input")
		}
		return []float32{float32(len(text))}, nil
	})

	vecs, err := f.EmbedDocuments(context.Background(), []string{"a", "abc"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1}, {3}}, vecs)

	_, err = f.EmbedDocuments(context.Background(), []string{"a", "bad"})
	assert.Error(t, err)
}

func TestCore_EmbedQueryErrors(t *testing.T) {
	c, err := newCore(BackendLocal, EmbedderFunc(func(context.Context, string) ([]float32, error) {
		return nil, nil
	}), Hooks{}, 0, ingestOptions(10), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, c.timeout)

	_, err = c.embedQuery(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrEmbedding)

	_, err = c.embedQuery(context.Background(), "text")
	assert.ErrorIs(t, err, ErrEmbedding)

	_, _, err = c.embedDocument(context.Background(), "text")
	assert.Error(t, err)
}
