package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"swallowtail/internal/taskqueue/events"
)

// EchoHandler logs its params and returns them as the result. Useful for
// smoke-testing the dispatch path end to end.
type EchoHandler struct{}

type echoParams struct {
	Message string `json:"message"`
}

func (e *EchoHandler) Handle(ctx context.Context, payload events.TaskDispatchPayload) (string, error) {
	var params echoParams
	if err := json.Unmarshal([]byte(payload.Params), &params); err != nil {
		return "", Permanent(fmt.Errorf("malformed echo params: %w", err))
	}
	log.Printf("EchoHandler: task ID %d echoing message: %s", payload.TaskID, params.Message)

	result, err := json.Marshal(map[string]string{"echo": params.Message})
	if err != nil {
		return "", fmt.Errorf("failed to marshal echo result: %w", err)
	}
	return string(result), nil
}

var _ Handler = (*EchoHandler)(nil)
