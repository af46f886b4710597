package operation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		want    Kind
		wantErr bool
	}{
		{name: "local", config: `{"kind":"local","prompt":"x"}`, want: KindLocal},
		{name: "normalizes case", config: `{"kind":" Cloud "}`, want: KindCloud},
		{name: "missing kind", config: `{"prompt":"x"}`, wantErr: true},
		{name: "empty config", config: ``, wantErr: true},
		{name: "not json", config: `kind=local`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseKind(json.RawMessage(tt.config))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseInputs(t *testing.T) {
	inputs, err := ParseInputs(json.RawMessage(`{"kind":"sim","inputs":["a.png","b.png"]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png", "b.png"}, inputs)
}

func TestResultFields(t *testing.T) {
	var nilResult *Result
	assert.Nil(t, nilResult.Fields())

	r := &Result{Artifacts: []string{"a.png"}, Cost: 0.04, Count: 1, Extra: map[string]any{"model": "v2"}}
	f := r.Fields()
	assert.Equal(t, []string{"a.png"}, f["artifacts"])
	assert.Equal(t, 0.04, f["cost"])
	assert.Equal(t, 1, f["count"])
	assert.Equal(t, "v2", f["model"])

	empty := (&Result{}).Fields()
	assert.Equal(t, []string{}, empty["artifacts"])
	b, err := json.Marshal(empty)
	require.NoError(t, err)
	assert.JSONEq(t, `{"artifacts":[]}`, string(b))
	_, hasCost := empty["cost"]
	assert.False(t, hasCost)
}

func TestSim_ReportsProgressAndArtifacts(t *testing.T) {
	var percents []int
	sink := func(stage, message string, percent int) { percents = append(percents, percent) }

	res, err := Sim{}.Run(context.Background(), nil, Input{
		JobID:  "j1",
		Config: json.RawMessage(`{"kind":"sim","steps":2,"step_ms":1,"outputs":2}`),
	}, sink, func() bool { return false })
	require.NoError(t, err)

	assert.Equal(t, []string{"j1_0.png", "j1_1.png"}, res.Artifacts)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, []int{0, 50, 99, 100}, percents)
}

func TestSim_HonorsProbe(t *testing.T) {
	calls := 0
	probe := func() bool {
		calls++
		return calls > 1
	}
	_, err := Sim{}.Run(context.Background(), nil, Input{
		JobID:  "j1",
		Config: json.RawMessage(`{"kind":"sim","steps":5,"step_ms":1}`),
	}, func(string, string, int) {}, probe)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestSim_Fails(t *testing.T) {
	_, err := Sim{}.Run(context.Background(), nil, Input{
		JobID:  "j1",
		Config: json.RawMessage(`{"kind":"sim","steps":1,"step_ms":1,"fail":"out of memory"}`),
	}, func(string, string, int) {}, func() bool { return false })
	require.Error(t, err)
	assert.Equal(t, "out of memory", err.Error())
}

func TestNewSimModel(t *testing.T) {
	res, err := NewSimModel(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, res)
	assert.NoError(t, res.Close())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewSimModel(ctx)
	assert.Error(t, err)
}
