package bus

import (
	"context"
	"encoding/json"
	"testing"
)

func TestInProcBus_InboundFanOut(t *testing.T) {
	b := NewInProcBus()
	ctx := context.Background()

	sub1, err := b.SubscribeInbound(ctx)
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}
	sub2, err := b.SubscribeInbound(ctx)
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	msg := InboundMessage{Channel: "telegram", SenderID: "u1", ChatID: "42", Content: "hi"}
	if err := b.PublishInbound(ctx, msg); err != nil {
		t.Fatalf("publish error: %v", err)
	}

	for i, sub := range []<-chan InboundMessage{sub1, sub2} {
		got := <-sub
		if got != msg {
			t.Errorf("subscriber %d got %+v", i, got)
		}
	}
}

func TestInProcBus_Outbound(t *testing.T) {
	b := NewInProcBus()
	ctx := context.Background()

	sub, err := b.SubscribeOutbound(ctx)
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	out := OutboundMessage{Channel: "telegram", ChatID: "42", Content: "reply"}
	if err := b.PublishOutbound(ctx, out); err != nil {
		t.Fatalf("publish error: %v", err)
	}

	got := <-sub
	if got.Content != "reply" {
		t.Errorf("unexpected message: %+v", got)
	}
}

func TestIsAdjustmentResponse(t *testing.T) {
	yes := InboundMessage{Channel: SystemChannel, ChatID: ChatAdjustmentResponse}
	if !IsAdjustmentResponse(yes) {
		t.Error("expected adjustment response to be recognized")
	}

	cases := []InboundMessage{
		{Channel: SystemChannel, ChatID: ChatAdjustmentRequest},
		{Channel: "telegram", ChatID: ChatAdjustmentResponse},
		{Channel: "telegram", ChatID: "42"},
	}
	for _, msg := range cases {
		if IsAdjustmentResponse(msg) {
			t.Errorf("misclassified %+v", msg)
		}
	}
}

func TestParseAdjustmentResponse(t *testing.T) {
	payload, _ := json.Marshal(AdjustmentResponse{TaskID: "ab12cd34", Feedback: "narrow the scope"})
	resp, err := ParseAdjustmentResponse(InboundMessage{
		Channel: SystemChannel,
		ChatID:  ChatAdjustmentResponse,
		Content: string(payload),
	})
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if resp.TaskID != "ab12cd34" || resp.Feedback != "narrow the scope" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestParseAdjustmentResponse_Invalid(t *testing.T) {
	if _, err := ParseAdjustmentResponse(InboundMessage{Content: "not json"}); err == nil {
		t.Error("expected error for malformed payload")
	}
	if _, err := ParseAdjustmentResponse(InboundMessage{Content: `{"feedback":"no id"}`}); err == nil {
		t.Error("expected error for missing task_id")
	}
}

func TestIsCancelRequest(t *testing.T) {
	yes := InboundMessage{Channel: SystemChannel, ChatID: ChatTaskCancel}
	if !IsCancelRequest(yes) {
		t.Error("expected cancel request to be recognized")
	}

	cases := []InboundMessage{
		{Channel: SystemChannel, ChatID: ChatAdjustmentResponse},
		{Channel: "telegram", ChatID: ChatTaskCancel},
		{Channel: "telegram", ChatID: "42"},
	}
	for _, msg := range cases {
		if IsCancelRequest(msg) {
			t.Errorf("misclassified %+v", msg)
		}
	}
}

func TestParseCancelRequest(t *testing.T) {
	payload, _ := json.Marshal(CancelRequest{TaskID: "ab12cd34"})
	req, err := ParseCancelRequest(InboundMessage{
		Channel: SystemChannel,
		ChatID:  ChatTaskCancel,
		Content: string(payload),
	})
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if req.TaskID != "ab12cd34" {
		t.Errorf("unexpected request: %+v", req)
	}

	if _, err := ParseCancelRequest(InboundMessage{Content: "not json"}); err == nil {
		t.Error("expected error for malformed payload")
	}
	if _, err := ParseCancelRequest(InboundMessage{Content: `{}`}); err == nil {
		t.Error("expected error for missing task_id")
	}
}
