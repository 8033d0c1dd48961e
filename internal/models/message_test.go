package models

import (
	"errors"
	"testing"
)

func TestDecodeMessageVariants(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"type":"job.status","job_id":"j1","status":"running"}`))
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	status, ok := msg.(*JobStatusUpdate)
	if !ok {
		t.Fatalf("expected *JobStatusUpdate, got %T", msg)
	}
	if status.JobID != "j1" || status.Status != JobStatusRunning {
		t.Fatalf("unexpected decode result: %+v", status)
	}

	msg, err = DecodeMessage([]byte(`{"type":"command","source":{"platform":"telegram","chat_id":42,"user":"u1"},"text":"run tests"}`))
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	cmd, ok := msg.(*Command)
	if !ok {
		t.Fatalf("expected *Command, got %T", msg)
	}
	if cmd.Source.ChatID != 42 || cmd.Text != "run tests" {
		t.Fatalf("unexpected decode result: %+v", cmd)
	}
}

func TestDecodeMessageRejectsUnknownType(t *testing.T) {
	if _, err := DecodeMessage([]byte(`{"type":"node.teleport"}`)); !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("expected ErrUnknownMessageType, got %v", err)
	}
	if _, err := DecodeMessage([]byte(`{"payload":"x"}`)); !errors.Is(err, ErrMissingMessageType) {
		t.Fatalf("expected ErrMissingMessageType, got %v", err)
	}
	if _, err := DecodeMessage([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestReplyTargetValidate(t *testing.T) {
	target := ReplyTarget{Platform: PlatformSlack}
	if err := target.Validate(); !errors.Is(err, ErrMissingChannel) {
		t.Fatalf("expected ErrMissingChannel, got %v", err)
	}

	target = ReplyTarget{Platform: PlatformTelegram}
	if err := target.Validate(); !errors.Is(err, ErrMissingChatID) {
		t.Fatalf("expected ErrMissingChatID, got %v", err)
	}

	target = ReplyTarget{Platform: "irc", Channel: "#ops"}
	if err := target.Validate(); !errors.Is(err, ErrUnknownPlatform) {
		t.Fatalf("expected ErrUnknownPlatform, got %v", err)
	}

	target = ReplyTarget{Platform: PlatformSlack, Channel: "C123", ThreadTS: "17.01"}
	if err := target.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
