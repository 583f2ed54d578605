/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Seednode/coverbox/chat"
	"github.com/Seednode/coverbox/imaging"
)

const (
	actionCompose = "meme.compose"

	attachmentRef = "att:"

	maxOpenOffers = 64
)

var (
	errNotImage       = errors.New("not an image")
	errGone           = errors.New("the original image is no longer available")
	errBadStatus      = errors.New("unexpected response status")
	errUnsupportedRef = errors.New("unsupported image reference")
	errForbiddenHost  = errors.New("refusing to fetch from a non-public address")
)

// fetcher resolves user-supplied image references to bytes. Links are only
// followed to public addresses, redirects included.
type fetcher struct {
	client       *http.Client
	limit        int64
	allowPrivate bool
}

func newFetcher(cfg *Config) *fetcher {
	f := &fetcher{limit: cfg.maxImageSize}

	dialer := &net.Dialer{Timeout: cfg.fetchTimeout, Control: f.guard}

	f.client = &http.Client{
		Timeout: cfg.fetchTimeout,
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        16,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: cfg.fetchTimeout,
		},
	}

	return f
}

// guard runs on every outgoing connection once the address is resolved.
func (f *fetcher) guard(network, address string, _ syscall.RawConn) error {
	if f.allowPrivate {
		return nil
	}

	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", errForbiddenHost, address)
	}

	if !isPublicAddr(ap.Addr()) {
		return fmt.Errorf("%w: %s", errForbiddenHost, ap.Addr())
	}

	return nil
}

func isPublicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()

	switch {
	case !addr.IsValid(),
		addr.IsUnspecified(),
		addr.IsLoopback(),
		addr.IsPrivate(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsInterfaceLocalMulticast(),
		addr.IsMulticast():
		return false
	case addr.Is4() && addr.As4()[0] == 0:
		return false
	case cgnat.Contains(addr):
		return false
	}

	return true
}

// Shared address space, used by carriers and some cloud metadata services.
var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// fetch accepts an http(s) URL or an attachment handle naming a message
// still in r's history.
func (f *fetcher) fetch(ctx context.Context, r *Room, ref string) ([]byte, error) {
	if id, ok := strings.CutPrefix(ref, attachmentRef); ok {
		p, found := r.message(chat.MessageID(id))
		if !found || p.Attachment == nil {
			return nil, errGone
		}
		return p.Attachment.Data, nil
	}

	if !isImageURL(ref) {
		return nil, fmt.Errorf("%w: %q", errUnsupportedRef, ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", errBadStatus, resp.Status)
	}

	if resp.ContentLength > f.limit {
		return nil, fmt.Errorf("%w: %s", errTooLarge, humanReadableSize(resp.ContentLength))
	}

	return readLimited(resp.Body, f.limit)
}

func isImageURL(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}

	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isImageAttachment(a *chat.Attachment) bool {
	return a != nil && strings.HasPrefix(a.ContentType, "image/")
}

type offerKey struct {
	scope   chat.Scope
	message chat.MessageID
}

// memeMaker offers the base assets for a user image and composes the one
// picked. Each offer composes at most once.
type memeMaker struct {
	cfg     *Config
	bases   []imaging.BaseAsset
	fetcher *fetcher

	mu     sync.Mutex
	offers map[offerKey]string
	order  []offerKey
}

func newMemeMaker(cfg *Config, bases []imaging.BaseAsset) *memeMaker {
	return &memeMaker{
		cfg:     cfg,
		bases:   bases,
		fetcher: newFetcher(cfg),
		offers:  make(map[offerKey]string),
	}
}

func (m *memeMaker) handles(controlID string) bool {
	action, _ := chat.Action(controlID)
	return action == actionCompose
}

// source picks the image a /create message refers to: a linked URL, its
// own attachment, or the attachment of the message it replies to.
func source(r *Room, p PostedMessage, arg string) (string, error) {
	switch {
	case arg != "":
		if !isImageURL(arg) {
			return "", errNotImage
		}
		return arg, nil
	case p.Attachment != nil:
		if !isImageAttachment(p.Attachment) {
			return "", errNotImage
		}
		return attachmentRef + string(p.ID), nil
	case p.ReplyTo != "":
		replied, ok := r.message(p.ReplyTo)
		if !ok || !isImageAttachment(replied.Attachment) {
			return "", errNotImage
		}
		return attachmentRef + string(replied.ID), nil
	}

	return "", errNotImage
}

func (m *memeMaker) offer(ctx context.Context, r *Room, as chat.User, p PostedMessage, arg string) {
	ref, err := source(r, p, arg)
	if err != nil {
		r.post(as, chat.Message{Content: "Please upload a valid image file."}, p.ID)

		return
	}

	if len(m.bases) == 0 {
		r.post(as, chat.Message{Content: "No base images are available."}, p.ID)

		return
	}

	controls := make([]chat.Control, 0, len(m.bases))
	for _, base := range m.bases {
		controls = append(controls, chat.Control{
			ID:    actionCompose + ":" + base.Name,
			Label: base.Label,
			Style: chat.StylePrimary,
		})
	}

	offer := r.post(as, chat.Message{Content: "Choose a base image", Controls: controls}, p.ID)

	m.remember(offerKey{scope: r.id, message: offer.ID}, ref)

	logf(m.cfg, "MEMES: Offered %d base images in %s", len(m.bases), r.id)
}

func (m *memeMaker) remember(key offerKey, ref string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.offers[key] = ref
	m.order = append(m.order, key)

	for len(m.order) > maxOpenOffers {
		delete(m.offers, m.order[0])
		m.order = m.order[1:]
	}
}

// claim removes and returns the reference bound to an offer, so only the
// first press on it composes anything.
func (m *memeMaker) claim(key offerKey) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref, ok := m.offers[key]
	delete(m.offers, key)

	return ref, ok
}

func (m *memeMaker) forget(scope chat.Scope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.order[:0]
	for _, key := range m.order {
		if key.scope == scope {
			delete(m.offers, key)
			continue
		}
		kept = append(kept, key)
	}
	m.order = kept
}

func (m *memeMaker) base(name string) (imaging.BaseAsset, bool) {
	for _, b := range m.bases {
		if b.Name == name {
			return b, true
		}
	}
	return imaging.BaseAsset{}, false
}

func (m *memeMaker) press(ctx context.Context, r *Room, user chat.User, message chat.MessageID, controlID string) {
	_, name := chat.Action(controlID)

	base, ok := m.base(name)
	if !ok {
		return
	}

	ref, ok := m.claim(offerKey{scope: r.id, message: message})
	if !ok {
		return
	}

	go func() {
		edit := m.compose(ctx, r, base, ref)
		if err := r.edit(message, edit); err != nil {
			logf(m.cfg, "MEMES: Editing offer in %s failed: %v", r.id, err)
		}
	}()

	logf(m.cfg, "MEMES: %q picked %s in %s", user.Name, base.Label, r.id)
}

// compose builds the edit that replaces an offer: the finished image, or
// the reason there is none.
func (m *memeMaker) compose(ctx context.Context, r *Room, base imaging.BaseAsset, ref string) chat.Edit {
	failed := func(text string) chat.Edit {
		return chat.Edit{Content: &text, ClearControls: true}
	}

	data, err := m.fetcher.fetch(ctx, r, ref)
	if err != nil {
		logf(m.cfg, "MEMES: Fetching image in %s failed: %v", r.id, err)
		return failed("Could not fetch the image.")
	}

	user, err := imaging.DecodeLimited(data, m.cfg.maxImagePixels)
	if err != nil {
		logf(m.cfg, "MEMES: Decoding image in %s failed: %v", r.id, err)
		return failed("Please upload a valid image file.")
	}

	img, _, err := imaging.Open(base.Path)
	if err != nil {
		logf(m.cfg, "MEMES: Opening base %s failed: %v", base.Path, err)
		return failed(fmt.Sprintf("Base image %s is unavailable.", base.Label))
	}

	out, err := imaging.Compose(img, base.Placement, user)
	if errors.Is(err, imaging.ErrDegenerateBox) {
		logf(m.cfg, "MEMES: Base %s is misconfigured: %v", base.Name, err)
		return failed(fmt.Sprintf("Base image %s is misconfigured: its placement box is empty.", base.Label))
	}
	if err != nil {
		return failed(fmt.Sprintf("Could not create the image: %v", err))
	}

	encoded, err := imaging.EncodePNG(out)
	if err != nil {
		return failed(fmt.Sprintf("Could not create the image: %v", err))
	}

	empty := ""
	return chat.Edit{
		Content: &empty,
		Attachment: &chat.Attachment{
			Name:        base.Label + "_result.png",
			ContentType: "image/png",
			Data:        encoded,
		},
		ClearControls: true,
	}
}
