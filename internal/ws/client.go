// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

// Package ws is the websocket transport: one connection per session, a
// write pump draining the session's event queue, and a read pump
// dispatching client frames to the chat and membership layers.
package ws

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/venuepack/venuepack/internal/chat"
	"github.com/venuepack/venuepack/internal/database"
	"github.com/venuepack/venuepack/internal/events"
	"github.com/venuepack/venuepack/internal/logging"
	"github.com/venuepack/venuepack/internal/membership"
	"github.com/venuepack/venuepack/internal/models"
	"github.com/venuepack/venuepack/internal/session"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 8 * 1024
)

// Client frame types.
const (
	frameSend   = "send"
	frameReact  = "react"
	frameTyping = "typing"
	frameAck    = "ack"
	frameLeave  = "leave"
	framePing   = "ping"
)

// clientFrame is one inbound message from the device.
type clientFrame struct {
	Type string `json:"type"`

	// send
	Visibility  string     `json:"visibility,omitempty"`
	RecipientID uuid.UUID  `json:"recipient_id,omitempty"`
	Body        string     `json:"body,omitempty"`
	ReplyTo     *uuid.UUID `json:"reply_to,omitempty"`

	// react
	MessageID uuid.UUID `json:"message_id,omitempty"`
	Emoji     string    `json:"emoji,omitempty"`

	// typing: recipient_id set for private threads, empty for group

	// ack
	Seq int64 `json:"seq,omitempty"`
}

// Control frames the server sends outside the event stream.
type controlFrame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type sentAck struct {
	MessageID uuid.UUID `json:"message_id"`
	Seq       int64     `json:"seq"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// client bridges one websocket connection and its session.
type client struct {
	h    *Handler
	conn *websocket.Conn
	sess *session.Session
	user *models.User
	log  zerolog.Logger

	// out carries control frames (pong, sent, error) so the write pump
	// stays the single writer.
	out chan controlFrame
}

func newClient(h *Handler, conn *websocket.Conn, sess *session.Session) *client {
	return &client{
		h:    h,
		conn: conn,
		sess: sess,
		user: sess.User(),
		log:  logging.With().Str("session_id", sess.ID().String()).Logger(),
		out:  make(chan controlFrame, 16),
	}
}

func (c *client) start() {
	go c.writePump()
	go c.readPump()
}

// writePump is the single writer on the connection: session events, control
// frames, and keepalive pings. When the session ends it drains the queued
// tail (a ban event, typically) before closing.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev := <-c.sess.Events():
			if !c.writeJSON(events.Wrap(ev)) {
				return
			}
		case f := <-c.out:
			if !c.writeJSON(f) {
				return
			}
		case <-c.sess.Done():
			c.drainTail()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) drainTail() {
	for {
		select {
		case ev := <-c.sess.Events():
			if !c.writeJSON(events.Wrap(ev)) {
				return
			}
		default:
			return
		}
	}
}

func (c *client) writeJSON(v any) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteJSON(v); err != nil {
		c.log.Debug().Err(err).Msg("Websocket write failed")
		return false
	}
	return true
}

// readPump parses client frames until the connection drops, then marks the
// session resumable.
func (c *client) readPump() {
	defer func() {
		c.h.sessions.Disconnect(c.sess)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f clientFrame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Debug().Err(err).Msg("Websocket closed unexpectedly")
			}
			return
		}
		if done := c.dispatch(f); done {
			return
		}
	}
}

// dispatch handles one client frame. It reports true when the connection
// should close (voluntary leave).
func (c *client) dispatch(f clientFrame) bool {
	ctx := context.Background()
	switch f.Type {
	case framePing:
		c.control(controlFrame{Type: "pong"})

	case frameAck:
		c.sess.Ack(f.Seq)

	case frameSend:
		in := chat.SendInput{
			Visibility: models.Visibility(f.Visibility),
			Body:       f.Body,
			ReplyTo:    f.ReplyTo,
		}
		if in.Visibility == "" {
			in.Visibility = models.VisibilityGroup
		}
		if in.Visibility == models.VisibilityGroup {
			in.LocationID = c.sess.LocationID()
		} else {
			in.RecipientID = f.RecipientID
		}
		msg, err := c.h.chat.Send(ctx, c.user, in)
		if err != nil {
			c.sendError(err)
			return false
		}
		c.control(controlFrame{Type: "sent", Data: sentAck{MessageID: msg.ID, Seq: msg.Seq}})

	case frameReact:
		if _, err := c.h.chat.React(ctx, c.user, f.MessageID, f.Emoji); err != nil {
			c.sendError(err)
		}

	case frameTyping:
		locationID := c.sess.LocationID()
		if f.RecipientID != uuid.Nil {
			locationID = uuid.Nil
		}
		if err := c.h.chat.Typing(ctx, c.user, locationID, f.RecipientID); err != nil {
			c.sendError(err)
		}

	case frameLeave:
		if err := c.h.membership.Leave(ctx, c.user.ID, c.sess.LocationID()); err != nil {
			c.sendError(err)
			return false
		}
		c.h.sessions.Close(c.sess)
		return true

	default:
		c.control(controlFrame{Type: "error", Data: errorBody{Code: "unknown_frame", Message: "unknown frame type " + f.Type}})
	}
	return false
}

func (c *client) sendError(err error) {
	c.control(controlFrame{Type: "error", Data: errorBody{Code: errorCode(err), Message: err.Error()}})
}

// control enqueues a control frame, dropping it if the writer is saturated.
func (c *client) control(f controlFrame) {
	select {
	case c.out <- f:
	default:
	}
}

// errorCode maps pipeline errors to stable client-facing codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, chat.ErrMessageTooLong):
		return "message_too_long"
	case errors.Is(err, chat.ErrEmptyBody):
		return "empty_body"
	case errors.Is(err, chat.ErrSenderNotMember):
		return "not_member"
	case errors.Is(err, chat.ErrBlocked):
		return "blocked"
	case errors.Is(err, chat.ErrReplyNotFound):
		return "reply_not_found"
	case errors.Is(err, chat.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, membership.ErrNoMembership):
		return "not_member"
	case errors.Is(err, membership.ErrBanned):
		return "banned"
	case errors.Is(err, database.ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
