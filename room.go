// Coverbox chat rooms
//
// Every room is one conversation scope: its own chat log, its own guessing
// game and its own meme offers. Rooms are plain web chats served over
// websockets, so the bot can be played from a browser without any third
// party chat service.
//
// Features:
// - WebSockets per room ID: /guess/:room and /guess/:room/ws
// - Players identified by cookie (playerID), with a chosen display name
// - Bot messages carry an embed, one image attachment and buttons
// - Messages can be edited after the fact (buttons removed, results attached)
// - Recent history is replayed to late joiners
// - Rooms auto-reaped after configurable idle timeout
// - Random 8-char room IDs via crypto/rand, with server-side collision check
// - In-browser QR button to share the room, backed by go-qrcode

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"

	"github.com/Seednode/coverbox/chat"
)

const (
	historyLimit  = 50
	maxNameLength = 32
	maxTextLength = 2000
)

var (
	errUnknownRoom    = errors.New("room not found")
	errUnknownMessage = errors.New("message not found")
)

// Messages coming from clients
type ClientMessage struct {
	Type       string           `json:"type"`                 // "hello", "message", "press"
	Name       string           `json:"name,omitempty"`       // hello
	Text       string           `json:"text,omitempty"`       // message
	ReplyTo    chat.MessageID   `json:"reply_to,omitempty"`   // message
	Attachment *chat.Attachment `json:"attachment,omitempty"` // message
	MessageID  chat.MessageID   `json:"message_id,omitempty"` // press
	ControlID  string           `json:"control_id,omitempty"` // press
}

// PostedMessage is a chat message as clients see it. Type is "message" when
// it is first posted and "edit" when it is replaced.
type PostedMessage struct {
	Type    string         `json:"type"`
	ID      chat.MessageID `json:"id"`
	Author  chat.User      `json:"author"`
	Sent    time.Time      `json:"sent"`
	ReplyTo chat.MessageID `json:"reply_to,omitempty"`
	chat.Message
}

// SessionInfoMessage is sent immediately on connect.
type SessionInfoMessage struct {
	Type string    `json:"type"` // "session_info"
	Room string    `json:"room"`
	You  chat.User `json:"you"`
}

// SimpleMessage is for generic notifications ("error", etc.)
type SimpleMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type Client struct {
	conn *websocket.Conn
	send chan any
	user chat.User
}

type inbound struct {
	client *Client
	msg    ClientMessage
}

type Room struct {
	id      chat.Scope
	clients map[*Client]bool
	history []PostedMessage
	nextID  uint64

	register chan *Client
	unreg    chan *Client
	inbound  chan inbound
	quit     chan struct{}
	once     sync.Once

	mu sync.RWMutex

	createdAt  time.Time
	lastActive time.Time
}

func newRoom(id chat.Scope) *Room {
	now := time.Now()
	return &Room{
		id:         id,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unreg:      make(chan *Client),
		inbound:    make(chan inbound, 16),
		quit:       make(chan struct{}),
		createdAt:  now,
		lastActive: now,
	}
}

func (r *Room) run(ctx context.Context, cfg *Config, b *bot) {
	for {
		select {
		case <-r.quit:
			return

		case c := <-r.register:
			r.mu.Lock()
			r.lastActive = time.Now()
			r.clients[c] = true

			// Send session_info first, then replay recent history.
			c.send <- SessionInfoMessage{
				Type: "session_info",
				Room: string(r.id),
				You:  c.user,
			}
			for _, p := range r.history {
				select {
				case c.send <- p:
				default:
				}
			}
			r.mu.Unlock()

			logf(cfg, "ROOMS: Player %q connected to %s", c.user.Name, r.id)

		case c := <-r.unreg:
			r.mu.Lock()
			r.lastActive = time.Now()

			if _, ok := r.clients[c]; ok {
				delete(r.clients, c)
				close(c.send)
			}
			r.mu.Unlock()

		case in := <-r.inbound:
			r.handle(ctx, cfg, b, in)
		}
	}
}

func (r *Room) handle(ctx context.Context, cfg *Config, b *bot, in inbound) {
	c, msg := in.client, in.msg

	switch msg.Type {
	case "hello":
		name := cleanName(msg.Name)
		if name == "" {
			return
		}
		c.user.Name = name

		r.sendTo(c, SessionInfoMessage{Type: "session_info", Room: string(r.id), You: c.user})

	case "message":
		text := strings.TrimSpace(msg.Text)
		if utf8.RuneCountInString(text) > maxTextLength {
			r.notify(c, "That message is too long.")
			return
		}
		if text == "" && msg.Attachment == nil {
			return
		}
		if msg.Attachment != nil && int64(len(msg.Attachment.Data)) > cfg.maxImageSize {
			r.notify(c, "That file is too large ("+humanReadableSize(int64(len(msg.Attachment.Data)))+").")
			return
		}

		p := r.post(c.user, chat.Message{Content: text, Attachment: msg.Attachment}, msg.ReplyTo)
		b.dispatch(ctx, r, c.user, p)

	case "press":
		if msg.MessageID == "" || msg.ControlID == "" {
			return
		}
		b.press(ctx, r, c.user, msg.MessageID, msg.ControlID)
	}
}

// post appends a message to the room and broadcasts it.
func (r *Room) post(author chat.User, msg chat.Message, replyTo chat.MessageID) PostedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	now := time.Now()
	p := PostedMessage{
		Type:    "message",
		ID:      chat.MessageID(strconv.FormatUint(r.nextID, 10)),
		Author:  author,
		Sent:    now,
		ReplyTo: replyTo,
		Message: msg,
	}

	r.history = append(r.history, p)
	if len(r.history) > historyLimit {
		r.history = r.history[len(r.history)-historyLimit:]
	}
	r.lastActive = now

	r.broadcastLocked(p)

	return p
}

// edit applies e to a message still in the room's history.
func (r *Room) edit(id chat.MessageID, e chat.Edit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.history {
		p := &r.history[i]
		if p.ID != id {
			continue
		}

		if e.Content != nil {
			p.Content = *e.Content
		}
		if e.Attachment != nil {
			p.Attachment = e.Attachment
		}
		if e.ClearControls {
			p.Controls = nil
		}

		update := *p
		update.Type = "edit"
		r.broadcastLocked(update)

		return nil
	}

	return errUnknownMessage
}

// message looks up a message still in the room's history.
func (r *Room) message(id chat.MessageID) (PostedMessage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.history {
		if p.ID == id {
			return p, true
		}
	}
	return PostedMessage{}, false
}

// notify tells a single client something without posting to the room.
func (r *Room) notify(c *Client, text string) {
	r.sendTo(c, SimpleMessage{Type: "error", Message: text})
}

func (r *Room) sendTo(c *Client, msg any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}

	select {
	case c.send <- msg:
	default:
		delete(r.clients, c)
		close(c.send)
	}
}

func (r *Room) broadcastLocked(msg any) {
	for client := range r.clients {
		select {
		case client.send <- msg:
		default:
			delete(r.clients, client)
			close(client.send)
		}
	}
}

func (r *Room) idleSince() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.lastActive
}

// closeAll stops the room and disconnects all of its clients.
func (r *Room) closeAll() {
	r.once.Do(func() { close(r.quit) })

	r.mu.Lock()
	defer r.mu.Unlock()

	for c := range r.clients {
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
		delete(r.clients, c)
	}
}

func defaultName(playerID string) string {
	if len(playerID) > 6 {
		playerID = playerID[:6]
	}
	return "player-" + playerID
}

func cleanName(name string) string {
	name = strings.Join(strings.Fields(name), " ")
	if utf8.RuneCountInString(name) > maxNameLength {
		name = string([]rune(name)[:maxNameLength])
	}
	return name
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const playerCookieName = "coverbox_id"

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		log.Println("rand.Read error:", err)
		return ""
	}
	id := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     playerCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// RoomManager holds a set of rooms keyed by room ID, so each $path/$room
// is its own isolated conversation. It is also the chat.Sender the games
// post through.
type RoomManager struct {
	ctx         context.Context
	cfg         *Config
	bot         *bot
	mu          sync.Mutex
	rooms       map[chat.Scope]*Room
	idleTimeout time.Duration
}

func newRoomManager(ctx context.Context, cfg *Config) *RoomManager {
	return &RoomManager{
		ctx:         ctx,
		cfg:         cfg,
		rooms:       make(map[chat.Scope]*Room),
		idleTimeout: cfg.roomTimeout,
	}
}

func (rm *RoomManager) getRoom(id chat.Scope) *Room {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if room, ok := rm.rooms[id]; ok {
		return room
	}

	room := newRoom(id)
	rm.rooms[id] = room
	go room.run(rm.ctx, rm.cfg, rm.bot)
	return room
}

func (rm *RoomManager) lookup(id chat.Scope) (*Room, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	room, ok := rm.rooms[id]
	return room, ok
}

// newRoomID generates a crypto-random room ID and ensures it doesn't
// collide with existing rooms.
func (rm *RoomManager) newRoomID() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	for {
		buf := make([]byte, 8)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, 8)
		for i := range out {
			out[i] = letters[int(buf[i])%len(letters)]
		}
		id := string(out)

		rm.mu.Lock()
		_, exists := rm.rooms[chat.Scope(id)]
		rm.mu.Unlock()

		if !exists {
			return id
		}
	}
}

func (rm *RoomManager) Send(_ context.Context, scope chat.Scope, msg chat.Message) (chat.MessageID, error) {
	room, ok := rm.lookup(scope)
	if !ok {
		return "", errUnknownRoom
	}
	return room.post(rm.bot.user, msg, "").ID, nil
}

func (rm *RoomManager) Edit(_ context.Context, scope chat.Scope, id chat.MessageID, e chat.Edit) error {
	room, ok := rm.lookup(scope)
	if !ok {
		return errUnknownRoom
	}
	return room.edit(id, e)
}

// reap removes rooms that have been idle longer than idleTimeout, along
// with their games.
func (rm *RoomManager) reap() int {
	cutoff := time.Now().Add(-rm.idleTimeout)

	var stale []*Room

	rm.mu.Lock()
	for id, room := range rm.rooms {
		if room.idleSince().Before(cutoff) {
			delete(rm.rooms, id)
			stale = append(stale, room)
		}
	}
	rm.mu.Unlock()

	for _, room := range stale {
		room.closeAll()
		rm.bot.closeScope(room.id)
		logf(rm.cfg, "ROOMS: Closed idle room %s after %s", room.id, time.Since(room.createdAt).Round(time.Second))
	}

	return len(stale)
}

// reaperLoop periodically removes idle rooms until ctx is done.
func (rm *RoomManager) reaperLoop(ctx context.Context) error {
	if rm.idleTimeout <= 0 {
		return nil
	}

	ticker := time.NewTicker(rm.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rm.reap()
			if n := rm.bot.games.Reap(rm.idleTimeout); n > 0 {
				logf(rm.cfg, "GAMES: Closed %d idle games", n)
			}
		}
	}
}

func (rm *RoomManager) closeAll() {
	rm.mu.Lock()
	rooms := rm.rooms
	rm.rooms = make(map[chat.Scope]*Room)
	rm.mu.Unlock()

	for _, room := range rooms {
		room.closeAll()
	}
}

// WebSocket handler that picks the room based on :room
func serveWSForManager(cfg *Config, rm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := ps.ByName("room")
		if roomID == "" {
			http.Error(w, "missing room id", http.StatusBadRequest)
			return
		}

		playerID := getOrSetPlayerID(w, r)
		if playerID == "" {
			http.Error(w, "unable to assign player id", http.StatusInternalServerError)
			return
		}

		room := rm.getRoom(chat.Scope(roomID))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "ERROR: Websocket upgrade for %s: %v", roomID, err)
			return
		}
		conn.SetReadLimit(cfg.maxImageSize*4/3 + 64<<10)

		client := &Client{
			conn: conn,
			send: make(chan any, 64),
			user: chat.User{ID: playerID, Name: defaultName(playerID)},
		}

		select {
		case room.register <- client:
		case <-room.quit:
			_ = conn.Close()
			return
		}

		go client.writePump()
		client.readPump(room)
	}
}

func (c *Client) readPump(r *Room) {
	defer func() {
		select {
		case r.unreg <- c:
		case <-r.quit:
		}
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "hello", "message", "press":
			select {
			case r.inbound <- inbound{client: c, msg: msg}:
			case <-r.quit:
				return
			}
		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// QR handler: generates a PNG QR code for the current room URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("room")
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:room/qr; strip trailing "/qr" to get the room URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

func getRoomHandler(cfg *Config, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		data, err := assets.ReadFile("assets/guess/index.html")
		if err != nil {
			http.Error(w, "page unavailable", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)
		w.Header().Set("Content-Security-Policy", "default-src 'self'; img-src 'self' data:")

		_ = getOrSetPlayerID(w, r)

		if _, err := w.Write(data); err != nil {
			errs <- err
		}
	}
}

// redirectNewRoom handles GET /path by generating a new random room ID
// (with server-side collision detection) and redirecting to /path/:room.
func redirectNewRoom(cfg *Config, path string, rm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		roomID := rm.newRoomID()
		logf(cfg, "ROOMS: Created room %s/%s", path, roomID)
		http.Redirect(w, r, cfg.prefix+path+"/"+roomID, http.StatusTemporaryRedirect)
	}
}

// registerRooms sets up routes so that:
//   - $path             → redirects to new random room (8-char ID)
//   - $path/:room       → HTML client
//   - $path/:room/ws    → WebSocket for that room
//   - $path/:room/qr    → PNG QR code for that room URL
func registerRooms(cfg *Config, path string, mux *httprouter.Router, rm *RoomManager, errs chan<- error) {
	mux.GET(cfg.prefix+path, redirectNewRoom(cfg, path, rm))
	mux.GET(cfg.prefix+path+"/:room", getRoomHandler(cfg, errs))
	mux.GET(cfg.prefix+path+"/:room/ws", serveWSForManager(cfg, rm))
	mux.GET(cfg.prefix+path+"/:room/qr", qrHandler)
}
