package executor

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentoven/dispatcher/pkg/models"
)

// rawOutput mirrors models.ModelOutput with pointers on the fields the
// binary always prints, so their absence can be detected.
type rawOutput struct {
	Type          *string                      `json:"type"`
	Subtype       string                       `json:"subtype"`
	IsError       *bool                        `json:"is_error"`
	DurationMs    *int64                       `json:"duration_ms"`
	DurationAPIMs int64                        `json:"duration_api_ms"`
	NumTurns      int                          `json:"num_turns"`
	Result        *string                      `json:"result"`
	SessionID     *string                      `json:"session_id"`
	TotalCostUSD  *float64                     `json:"total_cost_usd"`
	Usage         *models.Usage                `json:"usage"`
	ModelUsage    map[string]models.ModelUsage `json:"modelUsage"`
	UUID          string                       `json:"uuid"`
}

var errMissingField = errors.New("missing required field")

// ParseOutput decodes the structured JSON the binary prints on stdout.
// type, is_error, duration_ms, result and session_id are required.
func ParseOutput(stdout []byte) (*models.ModelOutput, error) {
	var raw rawOutput
	if err := json.Unmarshal(stdout, &raw); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}

	switch {
	case raw.Type == nil:
		return nil, fmt.Errorf("%w: type", errMissingField)
	case raw.IsError == nil:
		return nil, fmt.Errorf("%w: is_error", errMissingField)
	case raw.DurationMs == nil:
		return nil, fmt.Errorf("%w: duration_ms", errMissingField)
	case raw.Result == nil:
		return nil, fmt.Errorf("%w: result", errMissingField)
	case raw.SessionID == nil:
		return nil, fmt.Errorf("%w: session_id", errMissingField)
	}

	return &models.ModelOutput{
		Type:          *raw.Type,
		Subtype:       raw.Subtype,
		IsError:       *raw.IsError,
		DurationMs:    *raw.DurationMs,
		DurationAPIMs: raw.DurationAPIMs,
		NumTurns:      raw.NumTurns,
		Result:        *raw.Result,
		SessionID:     *raw.SessionID,
		TotalCostUSD:  raw.TotalCostUSD,
		Usage:         raw.Usage,
		ModelUsage:    raw.ModelUsage,
		UUID:          raw.UUID,
	}, nil
}
