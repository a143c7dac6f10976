package condition

import "bytes"

// Generate implements controlfs.Node: the node reads as "1\n" or "0\n".
func (v *Variable) Generate(buf *bytes.Buffer) error {
	if v.enabled.Load() {
		buf.WriteString("1\n")
	} else {
		buf.WriteString("0\n")
	}
	return nil
}

// Write implements controlfs.Node. Only the first byte is inspected: '0'
// clears the variable, '1' sets it, anything else leaves it unchanged. The
// whole payload is always reported as consumed so trailing newlines or
// garbage never produce an error.
func (v *Variable) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	switch p[0] {
	case '0':
		v.SetEnabled(false)
	case '1':
		v.SetEnabled(true)
	default:
		return len(p), nil
	}
	if v.onWrite != nil {
		v.onWrite(v.name, p[0] == '1')
	}
	return len(p), nil
}
