// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by a transport after Close.
var ErrClosed = errors.New("transport closed")

// Destination addresses a reply.
type Destination struct {
	ChatID int64

	// ReplyTo is the message being answered; zero sends a plain message.
	ReplyTo int
}

// MessageRef identifies a delivered message.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Incoming is one inbound text message.
type Incoming struct {
	ParticipantID int64
	Username      string
	Text          string
	Dest          Destination
	Received      time.Time

	// Processed, when set, is called once handling has finished.
	Processed func()
}

// Done signals that the message has been handled.
func (in Incoming) Done() {
	if in.Processed != nil {
		in.Processed()
	}
}

// Sender delivers replies.
type Sender interface {
	SendReply(ctx context.Context, dest Destination, text string) (MessageRef, error)
	EditMessage(ctx context.Context, ref MessageRef, text string) error
}

// Transport is a chat surface.
type Transport interface {
	Sender

	// Updates streams inbound messages until ctx is cancelled or the
	// surface ends. The channel is closed on return.
	Updates(ctx context.Context) (<-chan Incoming, error)

	Name() string
	Close() error
}
