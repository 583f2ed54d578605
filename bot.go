/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"slices"
	"strings"

	"github.com/Seednode/coverbox/chat"
	"github.com/Seednode/coverbox/guess"
)

const helpText = "**/guess** start a round: name the song from a piece of its cover\n" +
	"**/skip** give up on the current round\n" +
	"**/create** [link] turn an attached, replied-to or linked image into a meme\n" +
	"**/help** show this message"

// bot routes room traffic to the guessing games and the meme maker.
type bot struct {
	cfg   *Config
	user  chat.User
	games *guess.Manager
	memes *memeMaker
}

func newBot(cfg *Config, games *guess.Manager, memes *memeMaker) *bot {
	return &bot{
		cfg:   cfg,
		user:  chat.User{ID: "coverbox", Name: "coverbox", Bot: true},
		games: games,
		memes: memes,
	}
}

// parseCommand splits "/name rest" into its command and argument. Plain
// text yields an empty command.
func parseCommand(text string) (cmd, arg string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}

	cmd, arg, _ = strings.Cut(text, " ")

	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

func (b *bot) dispatch(ctx context.Context, r *Room, author chat.User, p PostedMessage) {
	if author.Bot {
		return
	}

	cmd, arg := parseCommand(p.Content)

	switch cmd {
	case "":
		// Only rooms with a game see guesses; plain chat creates nothing.
		if g, ok := b.games.Lookup(r.id); ok && arg != "" {
			g.Guess(author, arg)
		}
	case "/guess":
		b.games.Game(r.id).Start(author)
	case "/skip":
		if g, ok := b.games.Lookup(r.id); ok {
			g.Skip(author)
		}
	case "/create":
		b.memes.offer(ctx, r, b.user, p, arg)
	case "/help":
		r.post(b.user, chat.Message{Embed: &chat.Embed{Title: "Commands", Description: helpText}}, p.ID)
	default:
		r.post(b.user, chat.Message{Content: "Unknown command " + cmd + ". Try /help."}, p.ID)
	}
}

func (b *bot) press(ctx context.Context, r *Room, user chat.User, message chat.MessageID, controlID string) {
	switch {
	case guess.Handles(controlID):
		if g, ok := b.games.Lookup(r.id); ok {
			g.Press(user, message, controlID)
			return
		}

		// The game behind these controls was closed while idle.
		p, ok := r.message(message)
		if !ok || !slices.ContainsFunc(p.Controls, func(c chat.Control) bool { return c.ID == controlID }) {
			return
		}
		if err := r.edit(message, chat.Edit{ClearControls: true}); err != nil {
			return
		}
		if guess.StartsGame(controlID) {
			b.games.Game(r.id).Start(user)
		}
	case b.memes.handles(controlID):
		b.memes.press(ctx, r, user, message, controlID)
	}
}

// closeScope drops everything the bot holds for a room.
func (b *bot) closeScope(scope chat.Scope) {
	b.games.Close(scope)
	b.memes.forget(scope)
}
