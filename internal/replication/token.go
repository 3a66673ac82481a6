package replication

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/Misty4119/nds-api/internal/ir"
)

// ResumeToken is an opaque snapshot of a peer watermark. SyncFrom accepts
// it to restart a sync from a known point, for example on a fresh store
// seeded from an archive.
type ResumeToken string

// NewResumeToken encodes wm.
func NewResumeToken(wm ir.Watermark) (ResumeToken, error) {
	data, err := json.Marshal(wm)
	if err != nil {
		return "", fmt.Errorf("encode resume token: %w", err)
	}
	return ResumeToken(base64.RawURLEncoding.EncodeToString(data)), nil
}

// Watermark decodes the token.
func (t ResumeToken) Watermark() (ir.Watermark, error) {
	data, err := base64.RawURLEncoding.DecodeString(string(t))
	if err != nil {
		return ir.Watermark{}, fmt.Errorf("decode resume token: %w", err)
	}
	var wm ir.Watermark
	if err := json.Unmarshal(data, &wm); err != nil {
		return ir.Watermark{}, fmt.Errorf("decode resume token: %w", err)
	}
	if wm.Acked == nil {
		wm.Acked = ir.VectorClock{}
	}
	return wm, nil
}
