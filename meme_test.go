package main

import (
	"bytes"
	"context"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Seednode/coverbox/chat"
	"github.com/Seednode/coverbox/imaging"
)

func TestFetcherURL(t *testing.T) {
	img := pngBytes(t, 4, 4, color.White)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(img)
		case "/big.png":
			_, _ = w.Write(bytes.Repeat([]byte{0}, 4096))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.maxImageSize = 1024
	f := newFetcher(cfg)
	f.allowPrivate = true
	r := newRoom("abc")
	ctx := context.Background()

	data, err := f.fetch(ctx, r, srv.URL+"/ok.png")
	require.NoError(t, err)
	assert.Equal(t, img, data)

	_, err = f.fetch(ctx, r, srv.URL+"/missing.png")
	assert.ErrorIs(t, err, errBadStatus)

	_, err = f.fetch(ctx, r, srv.URL+"/big.png")
	assert.ErrorIs(t, err, errTooLarge)

	_, err = f.fetch(ctx, r, "ftp://example.com/a.png")
	assert.ErrorIs(t, err, errUnsupportedRef)
}

func TestFetcherTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.fetchTimeout = 50 * time.Millisecond

	f := newFetcher(cfg)
	f.allowPrivate = true

	_, err := f.fetch(context.Background(), newRoom("abc"), srv.URL)
	assert.Error(t, err)
}

func TestFetcherRefusesPrivateHosts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(pngBytes(t, 4, 4, color.White))
	}))
	t.Cleanup(srv.Close)

	f := newFetcher(testConfig())

	_, err := f.fetch(context.Background(), newRoom("abc"), srv.URL+"/a.png")
	assert.ErrorIs(t, err, errForbiddenHost)
	assert.Zero(t, hits.Load())
}

func TestIsPublicAddr(t *testing.T) {
	tests := []struct {
		addr   string
		public bool
	}{
		{"93.184.216.34", true},
		{"2606:2800:220:1:248:1893:25c8:1946", true},
		{"127.0.0.1", false},
		{"::1", false},
		{"10.1.2.3", false},
		{"172.16.0.1", false},
		{"192.168.1.1", false},
		{"169.254.169.254", false},
		{"100.100.100.200", false},
		{"0.0.0.0", false},
		{"0.1.2.3", false},
		{"::", false},
		{"fc00::1", false},
		{"fe80::1", false},
		{"224.0.0.1", false},
		{"ff02::1", false},
		{"::ffff:127.0.0.1", false},
		{"::ffff:8.8.8.8", true},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.public, isPublicAddr(netip.MustParseAddr(tt.addr)))
		})
	}
}

func TestFetcherAttachment(t *testing.T) {
	r := newRoom("abc")
	f := newFetcher(testConfig())

	p := r.post(alice, chat.Message{Attachment: &chat.Attachment{Name: "a.png", ContentType: "image/png", Data: []byte("png")}}, "")
	text := r.post(alice, chat.Message{Content: "no image"}, "")

	data, err := f.fetch(context.Background(), r, attachmentRef+string(p.ID))
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)

	_, err = f.fetch(context.Background(), r, attachmentRef+string(text.ID))
	assert.ErrorIs(t, err, errGone)

	_, err = f.fetch(context.Background(), r, attachmentRef+"404")
	assert.ErrorIs(t, err, errGone)
}

func TestSource(t *testing.T) {
	r := newRoom("abc")

	pic := r.post(alice, chat.Message{Attachment: &chat.Attachment{ContentType: "image/jpeg"}}, "")
	doc := r.post(alice, chat.Message{Attachment: &chat.Attachment{ContentType: "text/plain"}}, "")

	tests := []struct {
		name string
		msg  PostedMessage
		arg  string
		want string
		ok   bool
	}{
		{"link", PostedMessage{}, "https://example.com/a.png", "https://example.com/a.png", true},
		{"not a link", PostedMessage{}, "hello", "", false},
		{"own attachment", pic, "", attachmentRef + string(pic.ID), true},
		{"own non-image", doc, "", "", false},
		{"reply to image", PostedMessage{ReplyTo: pic.ID}, "", attachmentRef + string(pic.ID), true},
		{"reply to non-image", PostedMessage{ReplyTo: doc.ID}, "", "", false},
		{"reply to unknown", PostedMessage{ReplyTo: "404"}, "", "", false},
		{"nothing", PostedMessage{}, "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := source(r, tt.msg, tt.arg)
			if !tt.ok {
				assert.ErrorIs(t, err, errNotImage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func upload(t *testing.T, c color.Color) *chat.Attachment {
	return &chat.Attachment{Name: "me.png", ContentType: "image/png", Data: pngBytes(t, 20, 20, c)}
}

func offerIn(t *testing.T, r *Room) PostedMessage {
	t.Helper()

	offer, ok := findMessage(r, func(p PostedMessage) bool { return p.Content == "Choose a base image" })
	require.True(t, ok)

	return offer
}

func TestMemeOfferAndCompose(t *testing.T) {
	rooms, _ := testRooms(t, testConfig(), testBases(t))
	r := rooms.getRoom("abc")

	req := say(rooms, r, alice, chat.Message{Content: "/create", Attachment: upload(t, color.RGBA{R: 255, A: 255})})

	offer := offerIn(t, r)
	assert.Equal(t, req.ID, offer.ReplyTo)
	require.Len(t, offer.Controls, 1)
	assert.Equal(t, "meme.compose:frame_1_10%_20%_50%_50%.png", offer.Controls[0].ID)
	assert.Equal(t, "frame", offer.Controls[0].Label)
	assert.Equal(t, chat.StylePrimary, offer.Controls[0].Style)

	rooms.bot.press(context.Background(), r, bob, offer.ID, offer.Controls[0].ID)

	var done PostedMessage
	require.Eventually(t, func() bool {
		done, _ = r.message(offer.ID)
		return done.Attachment != nil
	}, 5*time.Second, 10*time.Millisecond)

	assert.Empty(t, done.Content)
	assert.Empty(t, done.Controls)
	assert.Equal(t, "frame_result.png", done.Attachment.Name)
	assert.Equal(t, "image/png", done.Attachment.ContentType)

	out, err := png.Decode(bytes.NewReader(done.Attachment.Data))
	require.NoError(t, err)
	assert.Equal(t, 100, out.Bounds().Dx())
	assert.Equal(t, 80, out.Bounds().Dy())

	// Outside the box the base shows; inside it the upload does.
	rr, gg, _, _ := out.At(2, 2).RGBA()
	assert.Greater(t, gg, uint32(0xc000))
	assert.Less(t, rr, uint32(0x4000))

	rr, gg, _, _ = out.At(35, 36).RGBA()
	assert.Greater(t, rr, uint32(0xc000))
	assert.Less(t, gg, uint32(0x4000))
}

func TestMemeOfferComposesOnce(t *testing.T) {
	rooms, _ := testRooms(t, testConfig(), testBases(t))
	r := rooms.getRoom("abc")

	say(rooms, r, alice, chat.Message{Content: "/create", Attachment: upload(t, color.White)})
	offer := offerIn(t, r)

	rooms.bot.press(context.Background(), r, alice, offer.ID, offer.Controls[0].ID)
	require.Eventually(t, func() bool {
		p, _ := r.message(offer.ID)
		return p.Attachment != nil
	}, 5*time.Second, 10*time.Millisecond)

	_, claimed := rooms.bot.memes.claim(offerKey{scope: r.id, message: offer.ID})
	assert.False(t, claimed, "the offer is spent after the first press")

	before := len(r.history)
	rooms.bot.press(context.Background(), r, bob, offer.ID, offer.Controls[0].ID)
	assert.Equal(t, before, len(r.history))
}

func TestMemeFromReply(t *testing.T) {
	rooms, _ := testRooms(t, testConfig(), testBases(t))
	r := rooms.getRoom("abc")

	pic := r.post(bob, chat.Message{Attachment: upload(t, color.White)}, "")
	p := r.post(alice, chat.Message{Content: "/create"}, pic.ID)
	rooms.bot.dispatch(context.Background(), r, alice, p)

	offer := offerIn(t, r)

	ref, ok := rooms.bot.memes.claim(offerKey{scope: r.id, message: offer.ID})
	require.True(t, ok)
	assert.Equal(t, attachmentRef+string(pic.ID), ref)
}

func TestMemeRejectsNonImages(t *testing.T) {
	rooms, _ := testRooms(t, testConfig(), testBases(t))
	r := rooms.getRoom("abc")

	say(rooms, r, alice, chat.Message{
		Content:    "/create",
		Attachment: &chat.Attachment{Name: "notes.txt", ContentType: "text/plain", Data: []byte("hi")},
	})
	assert.True(t, botSaid(r, "Please upload a valid image file.")())

	say(rooms, r, alice, chat.Message{Content: "/create"})
	_, ok := findMessage(r, func(p PostedMessage) bool { return p.Content == "Choose a base image" })
	assert.False(t, ok)
}

func TestMemeUndecodableUpload(t *testing.T) {
	rooms, _ := testRooms(t, testConfig(), testBases(t))
	r := rooms.getRoom("abc")

	say(rooms, r, alice, chat.Message{
		Content:    "/create",
		Attachment: &chat.Attachment{Name: "fake.png", ContentType: "image/png", Data: []byte("not really")},
	})
	offer := offerIn(t, r)

	rooms.bot.press(context.Background(), r, alice, offer.ID, offer.Controls[0].ID)

	require.Eventually(t, func() bool {
		p, _ := r.message(offer.ID)
		return p.Content == "Please upload a valid image file." && len(p.Controls) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMemeRejectsImagesOverPixelBudget(t *testing.T) {
	cfg := testConfig()
	cfg.maxImagePixels = 399

	rooms, _ := testRooms(t, cfg, testBases(t))
	r := rooms.getRoom("abc")

	say(rooms, r, alice, chat.Message{Content: "/create", Attachment: upload(t, color.RGBA{R: 255, A: 255})})
	offer := offerIn(t, r)

	rooms.bot.press(context.Background(), r, alice, offer.ID, offer.Controls[0].ID)

	require.Eventually(t, func() bool {
		p, _ := r.message(offer.ID)
		return p.Content == "Please upload a valid image file." && p.Attachment == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMemeFetchFailureIsGeneric(t *testing.T) {
	rooms, _ := testRooms(t, testConfig(), testBases(t))
	r := rooms.getRoom("abc")

	say(rooms, r, alice, chat.Message{Content: "/create http://127.0.0.1:1/secret.png"})
	offer := offerIn(t, r)

	rooms.bot.press(context.Background(), r, alice, offer.ID, offer.Controls[0].ID)

	require.Eventually(t, func() bool {
		p, _ := r.message(offer.ID)
		return p.Content == "Could not fetch the image." && len(p.Controls) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMemeWithoutBases(t *testing.T) {
	rooms, _ := testRooms(t, testConfig(), nil)
	r := rooms.getRoom("abc")

	say(rooms, r, alice, chat.Message{Content: "/create https://example.com/a.png"})

	assert.True(t, botSaid(r, "No base images are available.")())
}

func TestMemeDegenerateBase(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "tiny_1_0_0_0.1_0.1.png"), 100, 80, color.Black)

	bases, _, err := imaging.ListBases(dir)
	require.NoError(t, err)
	require.Len(t, bases, 1)

	rooms, _ := testRooms(t, testConfig(), bases)
	r := rooms.getRoom("abc")

	say(rooms, r, alice, chat.Message{Content: "/create", Attachment: upload(t, color.White)})
	offer := offerIn(t, r)

	rooms.bot.press(context.Background(), r, alice, offer.ID, offer.Controls[0].ID)

	require.Eventually(t, func() bool {
		p, _ := r.message(offer.ID)
		return strings.Contains(p.Content, "misconfigured") && p.Attachment == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestMemeForgetScope(t *testing.T) {
	m := newMemeMaker(testConfig(), nil)

	m.remember(offerKey{scope: "a", message: "1"}, "x")
	m.remember(offerKey{scope: "b", message: "1"}, "y")
	m.forget("a")

	_, ok := m.claim(offerKey{scope: "a", message: "1"})
	assert.False(t, ok)
	ref, ok := m.claim(offerKey{scope: "b", message: "1"})
	assert.True(t, ok)
	assert.Equal(t, "y", ref)
}

func TestMemeOffersAreBounded(t *testing.T) {
	m := newMemeMaker(testConfig(), nil)

	for i := range maxOpenOffers + 1 {
		m.remember(offerKey{scope: "a", message: chat.MessageID(strings.Repeat("x", i+1))}, "ref")
	}

	_, ok := m.claim(offerKey{scope: "a", message: "x"})
	assert.False(t, ok, "the oldest offer is evicted")
	assert.Len(t, m.offers, maxOpenOffers)
}
