// Package bus defines the message transport between the orchestrator and
// the outside world: inbound session messages, outbound replies, and the
// adjustment request/response payloads exchanged on the system channel.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
)

// InboundMessage is a message arriving from an external channel.
type InboundMessage struct {
	Channel  string `json:"channel"`
	SenderID string `json:"sender_id"`
	ChatID   string `json:"chat_id"`
	Content  string `json:"content"`
}

// OutboundMessage is a reply published back to an external channel.
type OutboundMessage struct {
	Channel  string            `json:"channel"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// System-channel routing for the adjustment and cancellation protocols.
const (
	SystemChannel          = "system"
	ChatAdjustmentRequest  = "adjustment_request"
	ChatAdjustmentResponse = "adjustment_response"
	ChatTaskCancel         = "task_cancel"
)

// AdjustmentRequest is published by a worker asking for mid-task guidance.
type AdjustmentRequest struct {
	TaskID  string `json:"task_id"`
	Excerpt string `json:"excerpt"`
}

// AdjustmentResponse is delivered by an operator to resolve a pending request.
type AdjustmentResponse struct {
	TaskID   string `json:"task_id"`
	Feedback string `json:"feedback"`
}

// CancelRequest is delivered by an operator to stop a delegated task.
type CancelRequest struct {
	TaskID string `json:"task_id"`
}

// Bus is the transport consumed and produced by the orchestrator.
type Bus interface {
	PublishInbound(ctx context.Context, msg InboundMessage) error
	PublishOutbound(ctx context.Context, msg OutboundMessage) error
	SubscribeInbound(ctx context.Context) (<-chan InboundMessage, error)
	SubscribeOutbound(ctx context.Context) (<-chan OutboundMessage, error)
	Close() error
}

// IsAdjustmentResponse reports whether an inbound message carries an
// adjustment resolution.
func IsAdjustmentResponse(msg InboundMessage) bool {
	return msg.Channel == SystemChannel && msg.ChatID == ChatAdjustmentResponse
}

// ParseAdjustmentResponse decodes the resolution payload of a system message.
func ParseAdjustmentResponse(msg InboundMessage) (AdjustmentResponse, error) {
	var resp AdjustmentResponse
	if err := json.Unmarshal([]byte(msg.Content), &resp); err != nil {
		return AdjustmentResponse{}, fmt.Errorf("invalid adjustment response payload: %w", err)
	}
	if resp.TaskID == "" {
		return AdjustmentResponse{}, fmt.Errorf("adjustment response missing task_id")
	}
	return resp, nil
}

// IsCancelRequest reports whether an inbound message carries a task
// cancellation.
func IsCancelRequest(msg InboundMessage) bool {
	return msg.Channel == SystemChannel && msg.ChatID == ChatTaskCancel
}

// ParseCancelRequest decodes the cancellation payload of a system message.
func ParseCancelRequest(msg InboundMessage) (CancelRequest, error) {
	var req CancelRequest
	if err := json.Unmarshal([]byte(msg.Content), &req); err != nil {
		return CancelRequest{}, fmt.Errorf("invalid cancel request payload: %w", err)
	}
	if req.TaskID == "" {
		return CancelRequest{}, fmt.Errorf("cancel request missing task_id")
	}
	return req, nil
}
