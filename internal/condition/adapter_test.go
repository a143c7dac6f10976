package condition

import (
	"bytes"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVariable_Generate(t *testing.T) {
	v := &Variable{name: "maint"}

	var buf bytes.Buffer
	require.NoError(t, v.Generate(&buf))
	assert.Equal(t, "0\n", buf.String())

	v.SetEnabled(true)
	buf.Reset()
	require.NoError(t, v.Generate(&buf))
	assert.Equal(t, "1\n", buf.String())
}

func TestVariable_Write(t *testing.T) {
	tests := []struct {
		name    string
		initial bool
		payload string
		want    bool
		wantN   int
	}{
		{name: "one sets", initial: false, payload: "1", want: true, wantN: 1},
		{name: "zero clears", initial: true, payload: "0", want: false, wantN: 1},
		{name: "trailing newline", initial: false, payload: "1\n", want: true, wantN: 2},
		{name: "only first byte counts", initial: false, payload: "10", want: true, wantN: 2},
		{name: "garbage after digit", initial: true, payload: "0xyz", want: false, wantN: 4},
		{name: "unrecognized keeps true", initial: true, payload: "yes", want: true, wantN: 3},
		{name: "unrecognized keeps false", initial: false, payload: "2", want: false, wantN: 1},
		{name: "leading space ignored", initial: false, payload: " 1", want: false, wantN: 2},
		{name: "empty", initial: true, payload: "", want: true, wantN: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &Variable{name: "maint"}
			v.SetEnabled(tt.initial)

			n, err := v.Write([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.wantN, n)
			assert.Equal(t, tt.want, v.Enabled())
		})
	}
}

func TestVariable_WriteNotifiesOnlyOnChangeRequest(t *testing.T) {
	var calls []bool
	v := &Variable{name: "maint", onWrite: func(_ string, enabled bool) {
		calls = append(calls, enabled)
	}}

	_, _ = v.Write([]byte("1"))
	_, _ = v.Write([]byte("x"))
	_, _ = v.Write([]byte("0\n"))
	_, _ = v.Write(nil)

	assert.Equal(t, []bool{true, false}, calls)
}

func TestControlNode_ReadWriteRoundTrip(t *testing.T) {
	r, fs := newTestRegistry(t)

	h, err := r.Attach("maint")
	require.NoError(t, err)
	node := r.NodePath("maint")

	require.NoError(t, afero.WriteFile(fs, node, []byte("1\n"), 0644))
	data, err := afero.ReadFile(fs, node)
	require.NoError(t, err)
	assert.Equal(t, "1\n", string(data))
	assert.True(t, Evaluate(h, false))

	// Garbage writes succeed and change nothing.
	require.NoError(t, afero.WriteFile(fs, node, []byte("garbage"), 0644))
	data, err = afero.ReadFile(fs, node)
	require.NoError(t, err)
	assert.Equal(t, "1\n", string(data))
}

func TestControlNode_EachWriteIsIndependent(t *testing.T) {
	r, fs := newTestRegistry(t)

	h, err := r.Attach("maint")
	require.NoError(t, err)

	f, err := fs.OpenFile(r.NodePath("maint"), os.O_WRONLY, 0)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("1"))
	require.NoError(t, err)
	assert.True(t, Evaluate(h, false))

	// The offset is not carried between writes on the same handle.
	_, err = f.Write([]byte("0"))
	require.NoError(t, err)
	assert.False(t, Evaluate(h, false))
}
