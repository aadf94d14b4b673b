package main

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/wamd/pkg/protocol"
)

func TestDecodeCommand(t *testing.T) {
	node := protocol.Node{
		Tag:     "iq",
		Attrs:   protocol.Attrs{"id": "abc", "type": "get"},
		Content: []protocol.Node{{Tag: "ping"}},
	}
	raw, err := protocol.Marshal(node)
	require.NoError(t, err)
	framed, err := protocol.MarshalFrame(node)
	require.NoError(t, err)

	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{"hex", []string{hex.EncodeToString(raw)}, false},
		{"hex with prefix", []string{"0x" + hex.EncodeToString(raw)}, false},
		{"base64", []string{"--base64", base64.StdEncoding.EncodeToString(raw)}, false},
		{"framed", []string{"--framed", hex.EncodeToString(framed)}, false},
		{"bad hex", []string{"zz"}, true},
		{"truncated", []string{hex.EncodeToString(raw[:len(raw)-1])}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := newDecodeCmd()
			var out bytes.Buffer
			cmd.SetOut(&out)
			cmd.SetErr(&out)
			cmd.SetArgs(tt.args)

			err := cmd.Execute()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, out.String(), "<iq")
			assert.Contains(t, out.String(), "ping")
		})
	}
}
