package xt

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bolasblack/nfcond/internal/condition"
	"github.com/bolasblack/nfcond/internal/controlfs"
	"github.com/bolasblack/nfcond/internal/logging"
)

func newTestTable(t *testing.T) (*Table, *condition.Registry, *controlfs.Fs) {
	t.Helper()
	fs := controlfs.New()
	log := logging.WithComponent(logging.Discard(), "xt")
	reg, err := condition.New(fs, "/init/nf_condition", condition.WithNamespace("init"), condition.WithLogger(log))
	require.NoError(t, err)
	return NewTable(reg, log), reg, fs
}

func setCondition(t *testing.T, fs *controlfs.Fs, name, value string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, "/init/nf_condition/"+name, []byte(value), 0644))
}

// =============================================================================
// Parsing
// =============================================================================

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		in      string
		want    Verdict
		wantErr bool
	}{
		{in: "ACCEPT", want: Accept},
		{in: "drop", want: Drop},
		{in: " Reject ", want: Reject},
		{in: "RETURN", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseVerdict(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidVerdict)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVerdict_JSON(t *testing.T) {
	data, err := json.Marshal(struct{ V Verdict }{V: Drop})
	require.NoError(t, err)
	assert.JSONEq(t, `{"V":"DROP"}`, string(data))

	var out struct{ V Verdict }
	require.NoError(t, json.Unmarshal([]byte(`{"V":"reject"}`), &out))
	assert.Equal(t, Reject, out.V)

	assert.Error(t, json.Unmarshal([]byte(`{"V":"maybe"}`), &out))
}

func TestParseMatch(t *testing.T) {
	tests := []struct {
		in      string
		want    MatchInfo
		wantErr bool
	}{
		{in: "maint", want: MatchInfo{Name: "maint"}},
		{in: "!maint", want: MatchInfo{Name: "maint", Invert: true}},
		{in: " ! maint ", want: MatchInfo{Name: "maint", Invert: true}},
		{in: "!", wantErr: true},
		{in: "a/b", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMatch(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, condition.ErrInvalidName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "!maint", MatchInfo{Name: "maint", Invert: true}.String())
}

// =============================================================================
// Matcher
// =============================================================================

func TestMatcher_Lifecycle(t *testing.T) {
	_, reg, fs := newTestTable(t)

	m, err := MatchInfo{Name: "maint", Invert: true}.CheckEntry(reg)
	require.NoError(t, err)
	assert.Equal(t, MatchName, m.Name())
	assert.True(t, m.Match())

	setCondition(t, fs, "maint", "1")
	assert.False(t, m.Match())

	require.NoError(t, m.Destroy())
	assert.ErrorIs(t, m.Destroy(), condition.ErrHandleReleased)
	assert.Equal(t, 0, reg.Len())
}

func TestMatcher_CheckEntryInvalid(t *testing.T) {
	_, reg, _ := newTestTable(t)

	_, err := MatchInfo{Name: ""}.CheckEntry(reg)
	assert.ErrorIs(t, err, condition.ErrInvalidName)
	assert.Equal(t, 0, reg.Len())
}

// =============================================================================
// Table
// =============================================================================

func TestTable_EvaluateFirstMatchWins(t *testing.T) {
	table, _, fs := newTestTable(t)

	allow, err := table.Append(MatchInfo{Name: "maint"}, Accept)
	require.NoError(t, err)
	deny, err := table.Append(MatchInfo{Name: "maint", Invert: true}, Drop)
	require.NoError(t, err)

	res := table.Evaluate()
	assert.Equal(t, Drop, res.Verdict)
	require.NotNil(t, res.Rule)
	assert.Equal(t, deny.ID, *res.Rule)

	setCondition(t, fs, "maint", "1")
	res = table.Evaluate()
	assert.Equal(t, Accept, res.Verdict)
	require.NotNil(t, res.Rule)
	assert.Equal(t, allow.ID, *res.Rule)
}

func TestTable_EvaluatePolicy(t *testing.T) {
	table, _, _ := newTestTable(t)

	res := table.Evaluate()
	assert.Equal(t, Accept, res.Verdict)
	assert.Nil(t, res.Rule)

	_, err := table.Append(MatchInfo{Name: "maint"}, Drop)
	require.NoError(t, err)
	table.SetPolicy(Reject)
	assert.Equal(t, Reject, table.Policy())
	assert.Equal(t, Result{Verdict: Reject}, table.Evaluate())
}

func TestTable_RulesShareVariable(t *testing.T) {
	table, reg, fs := newTestTable(t)

	r1, err := table.Append(MatchInfo{Name: "maint"}, Accept)
	require.NoError(t, err)
	_, err = table.Append(MatchInfo{Name: "maint", Invert: true}, Drop)
	require.NoError(t, err)

	info, ok := reg.Lookup("maint")
	require.True(t, ok)
	assert.Equal(t, uint(2), info.Refcount)
	assert.Equal(t, 1, fs.NodeCount())

	require.NoError(t, table.Delete(r1.ID))
	info, ok = reg.Lookup("maint")
	require.True(t, ok)
	assert.Equal(t, uint(1), info.Refcount)

	rules := table.Rules()
	require.Len(t, rules, 1)
	assert.Equal(t, MatchInfo{Name: "maint", Invert: true}, rules[0].Match)
	assert.Equal(t, Drop, rules[0].Verdict)
}

func TestTable_DeleteUnknown(t *testing.T) {
	table, _, _ := newTestTable(t)
	assert.ErrorIs(t, table.Delete(uuid.New()), ErrRuleNotFound)
}

func TestTable_AppendFailureLeavesTableUnchanged(t *testing.T) {
	table, reg, _ := newTestTable(t)

	_, err := table.Append(MatchInfo{Name: "../etc"}, Accept)
	assert.ErrorIs(t, err, condition.ErrInvalidName)

	_, err = table.Append(MatchInfo{Name: "maint"}, Verdict(42))
	assert.ErrorIs(t, err, ErrInvalidVerdict)

	assert.Equal(t, 0, table.Len())
	assert.Equal(t, 0, reg.Len())
}

func TestTable_CloseDetachesEverything(t *testing.T) {
	table, reg, fs := newTestTable(t)

	for _, name := range []string{"a", "b", "a"} {
		_, err := table.Append(MatchInfo{Name: name}, Drop)
		require.NoError(t, err)
	}
	require.NoError(t, table.Close())

	assert.Equal(t, 0, table.Len())
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 0, fs.NodeCount())

	// Teardown after flush has nothing stale.
	assert.NoError(t, reg.Teardown())
}

func TestTable_AppendAfterCloseFails(t *testing.T) {
	table, reg, fs := newTestTable(t)
	require.NoError(t, table.Close())

	_, err := table.Append(MatchInfo{Name: "maint"}, Drop)
	assert.ErrorIs(t, err, condition.ErrNamespaceUnavailable)

	// The rejected rule never attached, so teardown finds nothing stale.
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 0, fs.NodeCount())
	assert.NoError(t, reg.Teardown())
}
