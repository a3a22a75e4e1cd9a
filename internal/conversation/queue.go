package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue is the job transport shared by the webhook and the worker.
// MemoryQueue and SQSQueue implement it.
type Queue interface {
	queueClient
}

type queueClient interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type queueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

type jobType string

const jobTypeInbound jobType = "whatsapp_inbound.v1"

// InboundMessage is one user message received from the WhatsApp webhook.
type InboundMessage struct {
	// MessageID is the provider message id.
	MessageID string `json:"messageId"`
	// UserID is the sender's normalized phone number.
	UserID     string    `json:"userId"`
	ChatID     string    `json:"chatId"`
	UserName   string    `json:"userName,omitempty"`
	ChatName   string    `json:"chatName,omitempty"`
	Type       string    `json:"type"`
	Text       string    `json:"text,omitempty"`
	ImageURL   string    `json:"imageUrl,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

type queuePayload struct {
	ID      string         `json:"id"`
	Kind    jobType        `json:"kind"`
	Message InboundMessage `json:"message"`
}

func encodePayload(kind jobType, jobID string, msg InboundMessage) (queuePayload, string, error) {
	payload := queuePayload{ID: jobID, Kind: kind, Message: msg}
	if payload.ID == "" {
		payload.ID = uuid.NewString()
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return queuePayload{}, "", fmt.Errorf("conversation: failed to encode payload: %w", err)
	}

	return payload, string(body), nil
}
