package logstore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

// Cursor is a resumable position in a worker's log. It is handed to callers
// as an opaque token.
type Cursor struct {
	Worker oplog.WorkerID `json:"w"`
	Next   oplog.Index    `json:"n"`
}

// Token encodes the cursor for transport.
func (c Cursor) Token() string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// ParseCursor decodes a token produced by Token.
func ParseCursor(token string) (Cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor: %w", err)
	}
	if err := c.Worker.Validate(); err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor: %w", err)
	}
	return c, nil
}
