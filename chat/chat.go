/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package chat is the message model shared by the games and the platform
// that delivers their messages.
package chat

import (
	"context"
	"strings"
)

// Scope identifies one conversation. At most one game runs per scope.
type Scope string

type MessageID string

type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Bot  bool   `json:"bot,omitempty"`
}

func (u User) Mention() string {
	return "@" + u.Name
}

type Style string

const (
	StylePrimary Style = "primary"
	StyleSuccess Style = "success"
	StyleDanger  Style = "danger"
)

// Control is a clickable button. Its ID is also its payload: the action
// and the data it acts on, separated by a colon.
type Control struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Style Style  `json:"style"`
}

// Action splits a control ID into its action and payload.
func Action(controlID string) (action, payload string) {
	action, payload, _ = strings.Cut(controlID, ":")
	return action, payload
}

type Embed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
}

type Message struct {
	Content    string      `json:"content,omitempty"`
	Embed      *Embed      `json:"embed,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Controls   []Control   `json:"controls,omitempty"`
}

// Edit changes a message already sent. Nil fields are left alone; setting
// ClearControls removes every control from the message.
type Edit struct {
	Content       *string
	Attachment    *Attachment
	ClearControls bool
}

// Sender posts and edits bot messages in a scope.
type Sender interface {
	Send(ctx context.Context, scope Scope, msg Message) (MessageID, error)
	Edit(ctx context.Context, scope Scope, id MessageID, edit Edit) error
}
