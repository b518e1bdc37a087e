package familyapi

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/brettcrane/familylist-sub000/internal/listsync"
)

// Event types on the push stream, matching the backend broadcaster.
const (
	eventItemCreated   = "item_created"
	eventItemUpdated   = "item_updated"
	eventItemChecked   = "item_checked"
	eventItemUnchecked = "item_unchecked"
	eventItemDeleted   = "item_deleted"
	eventItemsCleared  = "items_cleared"
	eventItemsRestored = "items_restored"
	eventListCreated   = "list_created"
	eventListUpdated   = "list_updated"
	eventListDeleted   = "list_deleted"
)

// wireEvent is one frame on the websocket stream. Item and List carry
// full snapshots when the server includes them; events without a snapshot
// make the engine refetch instead of guessing.
type wireEvent struct {
	EventType string        `json:"event_type"`
	ListID    string        `json:"list_id"`
	ItemID    string        `json:"item_id,omitempty"`
	Item      *itemResponse `json:"item,omitempty"`
	List      *listResponse `json:"list,omitempty"`
	Timestamp string        `json:"timestamp,omitempty"`
}

// PushSource dials the backend's websocket event stream. It implements
// listsync.PushSource; each Connect yields one connection whose Next blocks
// for the following event.
type PushSource struct {
	wsURL       string
	token       string
	dialTimeout time.Duration
}

// PushOptions configures a PushSource. BaseURL is the backend's HTTP base;
// the websocket endpoint is derived from it.
type PushOptions struct {
	BaseURL     string
	Token       string
	DialTimeout time.Duration
}

func NewPushSource(opts PushOptions) (*PushSource, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8000"
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported base url scheme: %s", parsed.Scheme)
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/api/ws"
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &PushSource{
		wsURL:       parsed.String(),
		token:       strings.TrimSpace(opts.Token),
		dialTimeout: dialTimeout,
	}, nil
}

func (s *PushSource) Connect(ctx context.Context) (listsync.PushConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()

	target := s.wsURL
	if s.token != "" {
		// EventSource-style clients cannot send headers, so the backend
		// accepts the token as a query parameter on the stream endpoint.
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + "token=" + url.QueryEscape(s.token)
	}
	conn, _, err := websocket.Dial(dialCtx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", listsync.ErrUnreachable, err)
	}
	conn.SetReadLimit(1 << 20)
	return &pushConn{conn: conn}, nil
}

type pushConn struct {
	conn *websocket.Conn
}

func (c *pushConn) Next(ctx context.Context) (listsync.PushEvent, error) {
	for {
		var frame wireEvent
		if err := wsjson.Read(ctx, c.conn, &frame); err != nil {
			return listsync.PushEvent{}, err
		}
		ev, ok := mapWireEvent(frame)
		if !ok {
			// Unknown event types are skipped, not fatal; newer servers may
			// emit kinds this client does not know yet.
			continue
		}
		return ev, nil
	}
}

func (c *pushConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "done")
}

func mapWireEvent(frame wireEvent) (listsync.PushEvent, bool) {
	var item *listsync.Item
	if frame.Item != nil {
		mapped := frame.Item.toItem()
		item = &mapped
	}
	var summary *listsync.ListSummary
	if frame.List != nil {
		mapped := frame.List.toSummary()
		summary = &mapped
	}

	switch frame.EventType {
	case eventItemCreated:
		return listsync.PushEvent{
			EntityID: frame.ItemID,
			ListID:   frame.ListID,
			Kind:     listsync.EventCreated,
			Item:     item,
		}, true
	case eventItemUpdated, eventItemChecked, eventItemUnchecked:
		return listsync.PushEvent{
			EntityID: frame.ItemID,
			ListID:   frame.ListID,
			Kind:     listsync.EventUpdated,
			Item:     item,
		}, true
	case eventItemDeleted:
		return listsync.PushEvent{
			EntityID: frame.ItemID,
			ListID:   frame.ListID,
			Kind:     listsync.EventDeleted,
		}, true
	case eventItemsCleared, eventItemsRestored:
		// Bulk change by another client: list-level event, full snapshot if
		// the server sent one, otherwise the engine invalidates.
		return listsync.PushEvent{
			EntityID: frame.ListID,
			Kind:     listsync.EventUpdated,
			Summary:  summary,
		}, true
	case eventListCreated:
		return listsync.PushEvent{
			EntityID: frame.ListID,
			Kind:     listsync.EventCreated,
			Summary:  summary,
		}, true
	case eventListUpdated:
		return listsync.PushEvent{
			EntityID: frame.ListID,
			Kind:     listsync.EventUpdated,
			Summary:  summary,
		}, true
	case eventListDeleted:
		return listsync.PushEvent{
			EntityID: frame.ListID,
			Kind:     listsync.EventDeleted,
		}, true
	default:
		return listsync.PushEvent{}, false
	}
}
