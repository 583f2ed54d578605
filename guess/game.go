/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package guess runs "guess the song from a piece of its cover" rounds,
// one game per conversation scope.
//
// Each Game is owned by a single goroutine looping over inbound events and
// the active round's timer, so whichever of a correct guess, the deadline or
// a skip reaches the loop first resolves the round and the others find
// nothing left to resolve.
package guess

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"net/http"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Seednode/coverbox/catalog"
	"github.com/Seednode/coverbox/chat"
	"github.com/Seednode/coverbox/fuzzy"
	"github.com/Seednode/coverbox/imaging"
)

const (
	DefaultTimeLimit      = 20 * time.Second
	DefaultRevealFraction = 0.4

	actionSkip    = "guess.skip"
	actionNewGame = "guess.new"

	maxLiveControls = 32
)

var ErrClosed = errors.New("game closed")

// Songs is the part of the catalog a game draws from.
type Songs interface {
	Random(r *rand.Rand) catalog.Song
	CoverPath(s catalog.Song) string
}

type Outcome int

const (
	Correct Outcome = iota + 1
	TimedOut
	Skipped
	// Replaced rounds were discarded by a new round starting on top of
	// them. No answer is shown for them.
	Replaced
)

func (o Outcome) String() string {
	switch o {
	case Correct:
		return "correct"
	case TimedOut:
		return "timed out"
	case Skipped:
		return "skipped"
	case Replaced:
		return "replaced"
	}
	return "unknown"
}

// Resolution describes how a round ended. By is the guesser for Correct,
// and whoever skipped or started the replacement for Skipped and Replaced.
type Resolution struct {
	Scope   chat.Scope
	Round   uint64
	Song    catalog.Song
	Outcome Outcome
	By      chat.User
	Elapsed time.Duration
}

type Options struct {
	TimeLimit      time.Duration
	RevealFraction float64

	// NewRand supplies each game's private random source.
	NewRand func() *rand.Rand

	// OnResolve is called from the game's goroutine after every round ends.
	OnResolve func(Resolution)

	Logf func(format string, args ...any)

	// Now reads the clock that round deadlines are checked against.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.TimeLimit <= 0 {
		o.TimeLimit = DefaultTimeLimit
	}
	if o.RevealFraction <= 0 || o.RevealFraction > 1 {
		o.RevealFraction = DefaultRevealFraction
	}
	if o.NewRand == nil {
		o.NewRand = func() *rand.Rand {
			return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
	}
	if o.Logf == nil {
		o.Logf = func(string, ...any) {}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// State is a snapshot of a game.
type State struct {
	Active   bool
	Round    uint64
	Song     catalog.Song
	Started  time.Time
	Deadline time.Time
}

type round struct {
	id        uint64
	song      catalog.Song
	cover     []byte
	coverName string
	started   time.Time
	deadline  time.Time
	timer     *time.Timer
	message   chat.MessageID
	skip      string
}

type liveControl struct {
	message chat.MessageID
	round   uint64
}

type eventKind int

const (
	evStart eventKind = iota
	evGuess
	evSkip
	evPress
	evState
)

type event struct {
	kind    eventKind
	user    chat.User
	text    string
	message chat.MessageID
	control string
	reply   chan State
}

type Game struct {
	scope chat.Scope
	songs Songs
	out   chat.Sender
	opts  Options
	rng   *rand.Rand

	events chan event
	done   chan struct{}
	cancel context.CancelFunc

	lastActive atomic.Int64

	// Owned by run.
	round    *round
	rounds   uint64
	controls map[string]liveControl
}

// New starts a game for scope. It runs until ctx is done or Close is called.
func New(ctx context.Context, scope chat.Scope, songs Songs, out chat.Sender, opts Options) *Game {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(ctx)

	g := &Game{
		scope:    scope,
		songs:    songs,
		out:      out,
		opts:     opts,
		rng:      opts.NewRand(),
		events:   make(chan event, 64),
		done:     make(chan struct{}),
		cancel:   cancel,
		controls: make(map[string]liveControl),
	}
	g.touch()

	go g.run(ctx)

	return g
}

func (g *Game) Scope() chat.Scope {
	return g.scope
}

// Start begins a new round, silently replacing any round in progress.
func (g *Game) Start(by chat.User) {
	g.post(event{kind: evStart, user: by})
}

// Guess offers a chat message as an answer to the current round.
func (g *Game) Guess(by chat.User, text string) {
	g.post(event{kind: evGuess, user: by, text: text})
}

// Skip ends the current round and shows its answer.
func (g *Game) Skip(by chat.User) {
	g.post(event{kind: evSkip, user: by})
}

// Press handles a click on one of the game's controls. Each control acts
// at most once.
func (g *Game) Press(by chat.User, message chat.MessageID, controlID string) {
	g.post(event{kind: evPress, user: by, message: message, control: controlID})
}

// Handles reports whether controlID belongs to this package.
func Handles(controlID string) bool {
	action, _ := chat.Action(controlID)
	return action == actionSkip || action == actionNewGame
}

// StartsGame reports whether controlID is a new-game control.
func StartsGame(controlID string) bool {
	action, _ := chat.Action(controlID)
	return action == actionNewGame
}

// State waits for every event posted before it to be handled, then reports
// the game's state.
func (g *Game) State(ctx context.Context) (State, error) {
	reply := make(chan State, 1)
	if !g.post(event{kind: evState, reply: reply}) {
		return State{}, ErrClosed
	}

	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	case <-g.done:
		return State{}, ErrClosed
	}
}

// Close stops the game, abandoning any round in progress without a message.
func (g *Game) Close() {
	g.cancel()
	<-g.done
}

// LastActive is when the game last received an event.
func (g *Game) LastActive() time.Time {
	return time.Unix(0, g.lastActive.Load())
}

func (g *Game) touch() {
	g.lastActive.Store(time.Now().UnixNano())
}

func (g *Game) post(ev event) bool {
	select {
	case g.events <- ev:
		if ev.kind != evState {
			g.touch()
		}
		return true
	case <-g.done:
		return false
	}
}

func (g *Game) run(ctx context.Context) {
	defer close(g.done)

	for {
		var expired <-chan time.Time
		if g.round != nil {
			expired = g.round.timer.C
		}

		select {
		case <-ctx.Done():
			if g.round != nil {
				g.round.timer.Stop()
				g.round = nil
			}
			return
		case ev := <-g.events:
			g.handle(ctx, ev)
		case <-expired:
			g.resolve(ctx, TimedOut, chat.User{})
		}
	}
}

func (g *Game) handle(ctx context.Context, ev event) {
	if ev.kind != evState {
		g.expire(ctx)
	}

	switch ev.kind {
	case evStart:
		g.start(ctx, ev.user)
	case evGuess:
		g.guess(ctx, ev.user, ev.text)
	case evSkip:
		if g.round != nil {
			g.resolve(ctx, Skipped, ev.user)
		}
	case evPress:
		g.press(ctx, ev.user, ev.message, ev.control)
	case evState:
		ev.reply <- g.state()
	}
}

// expire ends a round whose deadline has passed before its timer has been
// handled, so nothing that arrives late can win it.
func (g *Game) expire(ctx context.Context) {
	if g.round != nil && g.opts.Now().After(g.round.deadline) {
		g.resolve(ctx, TimedOut, chat.User{})
	}
}

func (g *Game) state() State {
	if g.round == nil {
		return State{Round: g.rounds}
	}
	return State{
		Active:   true,
		Round:    g.round.id,
		Song:     g.round.song,
		Started:  g.round.started,
		Deadline: g.round.deadline,
	}
}

func (g *Game) start(ctx context.Context, by chat.User) {
	if g.round != nil {
		g.resolve(ctx, Replaced, by)
	}

	song := g.songs.Random(g.rng)
	path := g.songs.CoverPath(song)

	img, cover, err := imaging.Open(path)
	if err != nil {
		g.opts.Logf("GAMES: Cover for %q unavailable in %s: %v", song.SongID, g.scope, err)
		if errors.Is(err, fs.ErrNotExist) {
			g.say(ctx, "Image not found!")
		} else {
			g.say(ctx, "Could not read the cover image.")
		}
		return
	}

	teaser, err := imaging.EncodePNG(imaging.SampleReveal(img, g.opts.RevealFraction, g.rng))
	if err != nil {
		g.opts.Logf("GAMES: Cropping %s for %s failed: %v", path, g.scope, err)
		g.say(ctx, "Could not prepare the cover image.")
		return
	}

	id := g.rounds + 1
	skip := controlID(actionSkip, id)

	msg, err := g.out.Send(ctx, g.scope, chat.Message{
		Content: "Game started by " + by.Mention(),
		Embed: &chat.Embed{
			Title:       "Guess the song!",
			Description: fmt.Sprintf("You have %s to guess the song.", seconds(g.opts.TimeLimit)),
		},
		Attachment: &chat.Attachment{
			Name:        hashedName(path, ".png"),
			ContentType: "image/png",
			Data:        teaser,
		},
		Controls: []chat.Control{{ID: skip, Label: "⏩", Style: chat.StyleDanger}},
	})
	if err != nil {
		g.opts.Logf("GAMES: Sending round start to %s failed: %v", g.scope, err)
		return
	}

	g.rounds = id
	g.remember(skip, msg, id)

	now := g.opts.Now()
	g.round = &round{
		id:        id,
		song:      song,
		cover:     cover,
		coverName: hashedName(path, filepath.Ext(path)),
		started:   now,
		deadline:  now.Add(g.opts.TimeLimit),
		timer:     time.NewTimer(g.opts.TimeLimit),
		message:   msg,
		skip:      skip,
	}

	g.opts.Logf("GAMES: Round %d started by %q in %s", id, by.Name, g.scope)
}

func (g *Game) guess(ctx context.Context, by chat.User, text string) {
	if g.round == nil || by.Bot {
		return
	}
	if !fuzzy.IsCorrectGuess(text, g.round.song) {
		return
	}
	g.resolve(ctx, Correct, by)
}

func (g *Game) press(ctx context.Context, by chat.User, message chat.MessageID, id string) {
	c, ok := g.controls[id]
	if !ok || c.message != message {
		return
	}
	g.retire(ctx, id)

	action, _ := chat.Action(id)
	switch action {
	case actionSkip:
		if g.round != nil && g.round.id == c.round {
			g.resolve(ctx, Skipped, by)
		}
	case actionNewGame:
		g.start(ctx, by)
	}
}

// resolve ends the active round.
func (g *Game) resolve(ctx context.Context, outcome Outcome, by chat.User) {
	r := g.round
	g.round = nil
	r.timer.Stop()

	g.retire(ctx, r.skip)

	if outcome != Replaced {
		next := controlID(actionNewGame, r.id)
		msg, err := g.out.Send(ctx, g.scope, reveal(outcome, by, r, next))
		if err != nil {
			g.opts.Logf("GAMES: Sending answer for round %d to %s failed: %v", r.id, g.scope, err)
		} else {
			g.remember(next, msg, r.id)
		}
	}

	g.opts.Logf("GAMES: Round %d in %s %s (%q)", r.id, g.scope, outcome, r.song.Title)

	if g.opts.OnResolve != nil {
		g.opts.OnResolve(Resolution{
			Scope:   g.scope,
			Round:   r.id,
			Song:    r.song,
			Outcome: outcome,
			By:      by,
			Elapsed: g.opts.Now().Sub(r.started),
		})
	}
}

func (g *Game) remember(id string, message chat.MessageID, round uint64) {
	g.controls[id] = liveControl{message: message, round: round}

	for len(g.controls) > maxLiveControls {
		oldest := ""
		for k, c := range g.controls {
			if oldest == "" || c.round < g.controls[oldest].round {
				oldest = k
			}
		}
		delete(g.controls, oldest)
	}
}

// retire removes a control from its message, once.
func (g *Game) retire(ctx context.Context, id string) {
	c, ok := g.controls[id]
	if !ok {
		return
	}
	delete(g.controls, id)

	if err := g.out.Edit(ctx, g.scope, c.message, chat.Edit{ClearControls: true}); err != nil {
		g.opts.Logf("GAMES: Clearing controls in %s failed: %v", g.scope, err)
	}
}

func (g *Game) say(ctx context.Context, text string) {
	if _, err := g.out.Send(ctx, g.scope, chat.Message{Content: text}); err != nil {
		g.opts.Logf("GAMES: Sending to %s failed: %v", g.scope, err)
	}
}

func reveal(outcome Outcome, by chat.User, r *round, next string) chat.Message {
	var content string
	switch outcome {
	case Correct:
		content = by.Mention() + " has the correct answer!"
	case TimedOut:
		content = "Time's up!"
	case Skipped:
		content = "Skipped!"
	}

	return chat.Message{
		Content: content,
		Embed: &chat.Embed{
			Description: fmt.Sprintf("**Answer**: %s\n\n**Artist**: %s\n**Category**: %s\n",
				r.song.Title, r.song.Artist, r.song.Category),
		},
		Attachment: &chat.Attachment{
			Name:        r.coverName,
			ContentType: http.DetectContentType(r.cover),
			Data:        r.cover,
		},
		Controls: []chat.Control{{ID: next, Label: "New game", Style: chat.StyleSuccess}},
	}
}

func controlID(action string, round uint64) string {
	return action + ":" + strconv.FormatUint(round, 10)
}

// hashedName hides the song id in attachment names.
func hashedName(path, ext string) string {
	sum := sha256.Sum256([]byte(filepath.Base(path)))
	return hex.EncodeToString(sum[:]) + ext
}

func seconds(d time.Duration) string {
	s := d.Round(time.Second) / time.Second
	if s == 1 {
		return "1 second"
	}
	return strconv.FormatInt(int64(s), 10) + " seconds"
}
