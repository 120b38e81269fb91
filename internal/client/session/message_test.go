package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Action
		wantErr bool
	}{
		{
			name: "login",
			raw:  `{"tabId":"t1","action":"login","timestamp":1}`,
			want: ActionLogin,
		},
		{
			name: "logout",
			raw:  `{"tabId":"t1","action":"logout","timestamp":1}`,
			want: ActionLogout,
		},
		{
			name: "update with data",
			raw:  `{"tabId":"t1","action":"update","timestamp":1,"data":{"x":1}}`,
			want: ActionUpdate,
		},
		{
			name:    "unknown action",
			raw:     `{"tabId":"t1","action":"explode","timestamp":1}`,
			wantErr: true,
		},
		{
			name:    "missing tab id",
			raw:     `{"action":"login","timestamp":1}`,
			wantErr: true,
		},
		{
			name:    "garbage",
			raw:     `not json at all`,
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := ParseMessage(tc.raw)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, msg.Action)
			assert.Equal(t, "t1", msg.TabID)
		})
	}
}
