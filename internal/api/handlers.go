// Venuepack - Venue Presence and Realtime Messaging
// Copyright 2026 Venuepack contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/venuepack/venuepack

package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/venuepack/venuepack/internal/authz"
	"github.com/venuepack/venuepack/internal/chat"
	"github.com/venuepack/venuepack/internal/database"
	"github.com/venuepack/venuepack/internal/events"
	"github.com/venuepack/venuepack/internal/identity"
	"github.com/venuepack/venuepack/internal/membership"
	"github.com/venuepack/venuepack/internal/models"
	"github.com/venuepack/venuepack/internal/moderation"
	"github.com/venuepack/venuepack/internal/presence"
)

const (
	defaultBackfillLimit = 50
	maxBackfillLimit     = 500
)

// Handlers implements the REST endpoints.
type Handlers struct {
	db         *database.DB
	membership *membership.Manager
	chat       *chat.Store
	presence   *presence.Registry
	gate       *moderation.Gate
	enforcer   *authz.Enforcer
	validate   *validator.Validate
}

// NewHandlers wires the REST surface.
func NewHandlers(db *database.DB, mm *membership.Manager, store *chat.Store, reg *presence.Registry, gate *moderation.Gate, enforcer *authz.Enforcer) *Handlers {
	return &Handlers{
		db:         db,
		membership: mm,
		chat:       store,
		presence:   reg,
		gate:       gate,
		enforcer:   enforcer,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

// HealthLive reports process liveness.
func (h *Handlers) HealthLive(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, map[string]string{"status": "ok"})
}

// HealthReady reports readiness: the database must answer.
func (h *Handlers) HealthReady(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "database_unavailable", "database not ready")
		return
	}
	writeSuccess(w, r, map[string]string{"status": "ready"})
}

// Position ingests a device fix. A fix that enters a new venue's zone
// returns the invitation synchronously; otherwise 204.
func (h *Handlers) Position(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req positionRequest
	if err := decodeAndValidate(r, h.validate, &req); err != nil {
		writeErrorDetails(w, r, http.StatusBadRequest, "invalid_request", "invalid position", err.Error())
		return
	}

	inv, err := h.membership.ReportPosition(r.Context(), user, req.toModel())
	switch {
	case errors.Is(err, membership.ErrStaleFix):
		writeError(w, r, http.StatusUnprocessableEntity, "stale_fix", "position fix too old")
	case errors.Is(err, membership.ErrLowAccuracy):
		writeError(w, r, http.StatusUnprocessableEntity, "low_accuracy", "position fix accuracy too low")
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "internal", "position report failed")
	case inv != nil:
		writeSuccess(w, r, inv)
	default:
		writeNoContent(w)
	}
}

// Confirm accepts a pending invitation.
func (h *Handlers) Confirm(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if !h.authorize(w, r, user, authz.ObjectMembership, authz.ActionJoin) {
		return
	}
	locationID, ok := pathUUID(w, r, "locationID")
	if !ok {
		return
	}

	err := h.membership.Confirm(r.Context(), user, locationID)
	switch {
	case errors.Is(err, membership.ErrNoMembership):
		writeError(w, r, http.StatusNotFound, "no_invitation", "no membership to confirm")
	case errors.Is(err, membership.ErrNotProposed):
		writeError(w, r, http.StatusConflict, "not_proposed", "membership is not awaiting confirmation")
	case errors.Is(err, membership.ErrBanned):
		writeError(w, r, http.StatusForbidden, "banned", "banned from this location")
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "internal", "confirm failed")
	default:
		writeNoContent(w)
	}
}

// Leave voluntarily exits a pack.
func (h *Handlers) Leave(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	locationID, ok := pathUUID(w, r, "locationID")
	if !ok {
		return
	}

	err := h.membership.Leave(r.Context(), user.ID, locationID)
	switch {
	case errors.Is(err, membership.ErrNoMembership):
		writeError(w, r, http.StatusNotFound, "no_membership", "no membership at this location")
	case errors.Is(err, membership.ErrBanned):
		writeError(w, r, http.StatusForbidden, "banned", "banned from this location")
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "internal", "leave failed")
	default:
		writeNoContent(w)
	}
}

// Roster returns the viewer's filtered live roster for a location.
func (h *Handlers) Roster(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	locationID, ok := pathUUID(w, r, "locationID")
	if !ok {
		return
	}
	roster, err := h.presence.GetRoster(r.Context(), locationID, user.ID)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal", "roster lookup failed")
		return
	}
	writeSuccess(w, r, roster)
}

// Locations lists all venue locations.
func (h *Handlers) Locations(w http.ResponseWriter, r *http.Request) {
	locations, err := h.db.ListLocations(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal", "location list failed")
		return
	}
	writeSuccess(w, r, locations)
}

// Location returns one venue location.
func (h *Handlers) Location(w http.ResponseWriter, r *http.Request) {
	locationID, ok := pathUUID(w, r, "locationID")
	if !ok {
		return
	}
	loc, err := h.db.GetLocation(r.Context(), locationID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "location not found")
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "internal", "location lookup failed")
	default:
		writeSuccess(w, r, loc)
	}
}

// UpsertLocation creates or updates a venue location (staff only).
func (h *Handlers) UpsertLocation(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if !h.authorize(w, r, user, authz.ObjectLocation, authz.ActionManage) {
		return
	}
	var req locationRequest
	if err := decodeAndValidate(r, h.validate, &req); err != nil {
		writeErrorDetails(w, r, http.StatusBadRequest, "invalid_request", "invalid location", err.Error())
		return
	}
	loc := req.toModel()
	if err := h.db.UpsertLocation(r.Context(), loc); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal", "location save failed")
		return
	}
	writeCreated(w, r, loc)
}

// Messages returns the backfill feed for the caller's active pack:
// messages after the cursor, each with its current reaction state.
func (h *Handlers) Messages(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	locationID, ok := h.presence.ActiveLocation(user.ID)
	if !ok {
		mem, err := h.db.GetActiveMembershipForUser(r.Context(), user.ID)
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, r, http.StatusForbidden, "not_member", "no active membership")
			return
		}
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal", "membership lookup failed")
			return
		}
		locationID = mem.LocationID
	}

	afterSeq, _ := strconv.ParseInt(r.URL.Query().Get("after_seq"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = defaultBackfillLimit
	}
	if limit > maxBackfillLimit {
		limit = maxBackfillLimit
	}

	evs, err := h.chat.Backfill(r.Context(), user.ID, locationID, afterSeq, limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal", "message feed failed")
		return
	}
	envelopes := make([]events.Envelope, 0, len(evs))
	for _, ev := range evs {
		envelopes = append(envelopes, events.Wrap(ev))
	}
	writeSuccess(w, r, envelopes)
}

// SendMessage is the REST send path.
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if !h.authorize(w, r, user, authz.ObjectMessage, authz.ActionSend) {
		return
	}
	var req sendMessageRequest
	if err := decodeAndValidate(r, h.validate, &req); err != nil {
		writeErrorDetails(w, r, http.StatusBadRequest, "invalid_request", "invalid message", err.Error())
		return
	}

	in := chat.SendInput{
		Visibility: models.Visibility(req.Visibility),
		Body:       req.Body,
		ReplyTo:    req.ReplyTo,
	}
	if in.Visibility == "" {
		in.Visibility = models.VisibilityGroup
	}
	if in.Visibility == models.VisibilityGroup {
		locationID, ok := h.presence.ActiveLocation(user.ID)
		if !ok {
			writeError(w, r, http.StatusForbidden, "not_member", "no active membership")
			return
		}
		in.LocationID = locationID
	} else {
		in.RecipientID = req.RecipientID
	}

	msg, err := h.chat.Send(r.Context(), user, in)
	if err != nil {
		h.chatError(w, r, err)
		return
	}
	writeCreated(w, r, msg)
}

// React toggles a reaction.
func (h *Handlers) React(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if !h.authorize(w, r, user, authz.ObjectMessage, authz.ActionReact) {
		return
	}
	var req reactRequest
	if err := decodeAndValidate(r, h.validate, &req); err != nil {
		writeErrorDetails(w, r, http.StatusBadRequest, "invalid_request", "invalid reaction", err.Error())
		return
	}

	added, err := h.chat.React(r.Context(), user, req.MessageID, req.Emoji)
	if err != nil {
		h.chatError(w, r, err)
		return
	}
	writeSuccess(w, r, map[string]bool{"added": added})
}

// Block suppresses interaction with another user.
func (h *Handlers) Block(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req blockRequest
	if err := decodeAndValidate(r, h.validate, &req); err != nil {
		writeErrorDetails(w, r, http.StatusBadRequest, "invalid_request", "invalid block", err.Error())
		return
	}
	err := h.gate.Block(r.Context(), user.ID, req.BlockedID)
	switch {
	case errors.Is(err, moderation.ErrSelfTarget):
		writeError(w, r, http.StatusUnprocessableEntity, "self_target", "cannot block yourself")
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "internal", "block failed")
	default:
		writeNoContent(w)
	}
}

// Unblock removes a block the caller created.
func (h *Handlers) Unblock(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	blockedID, ok := pathUUID(w, r, "userID")
	if !ok {
		return
	}
	if err := h.gate.Unblock(r.Context(), user.ID, blockedID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal", "unblock failed")
		return
	}
	writeNoContent(w)
}

// Report files an abuse report against a message.
func (h *Handlers) Report(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if !h.authorize(w, r, user, authz.ObjectMessage, authz.ActionReport) {
		return
	}
	var req reportRequest
	if err := decodeAndValidate(r, h.validate, &req); err != nil {
		writeErrorDetails(w, r, http.StatusBadRequest, "invalid_request", "invalid report", err.Error())
		return
	}
	if err := h.gate.Report(r.Context(), user.ID, req.MessageID, req.Reason); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "report could not be stored")
		return
	}
	writeCreated(w, r, map[string]string{"status": "reported"})
}

// Ban removes a user from a location's pack permanently (moderators only).
func (h *Handlers) Ban(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if !h.authorize(w, r, user, authz.ObjectMembership, authz.ActionBan) {
		return
	}
	var req banRequest
	if err := decodeAndValidate(r, h.validate, &req); err != nil {
		writeErrorDetails(w, r, http.StatusBadRequest, "invalid_request", "invalid ban", err.Error())
		return
	}
	if err := h.membership.Ban(r.Context(), user, req.UserID, req.LocationID); err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal", "ban failed")
		return
	}
	writeNoContent(w)
}

// Takedown soft-deletes a message (moderators only).
func (h *Handlers) Takedown(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	if !h.authorize(w, r, user, authz.ObjectMessage, authz.ActionTakedown) {
		return
	}
	messageID, ok := pathUUID(w, r, "messageID")
	if !ok {
		return
	}
	err := h.chat.Takedown(r.Context(), user, messageID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "message not found")
	case err != nil:
		writeError(w, r, http.StatusInternalServerError, "internal", "takedown failed")
	default:
		writeNoContent(w)
	}
}

func (h *Handlers) requireUser(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	user, ok := identity.UserFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
		return nil, false
	}
	return user, true
}

func (h *Handlers) authorize(w http.ResponseWriter, r *http.Request, user *models.User, object, action string) bool {
	if !h.enforcer.Allowed(user, object, action) {
		writeError(w, r, http.StatusForbidden, "forbidden", "role does not permit this action")
		return false
	}
	return true
}

// chatError maps message pipeline errors to HTTP responses.
func (h *Handlers) chatError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, chat.ErrRateLimited):
		writeError(w, r, http.StatusTooManyRequests, "rate_limited", "message rate limit exceeded")
	case errors.Is(err, chat.ErrMessageTooLong):
		writeError(w, r, http.StatusUnprocessableEntity, "message_too_long", "message body too long")
	case errors.Is(err, chat.ErrEmptyBody):
		writeError(w, r, http.StatusUnprocessableEntity, "empty_body", "message body empty")
	case errors.Is(err, chat.ErrSenderNotMember):
		writeError(w, r, http.StatusForbidden, "not_member", "no active membership at this location")
	case errors.Is(err, chat.ErrBlocked):
		writeError(w, r, http.StatusForbidden, "blocked", "interaction blocked")
	case errors.Is(err, chat.ErrReplyNotFound):
		writeError(w, r, http.StatusNotFound, "reply_not_found", "reply target not found")
	case errors.Is(err, chat.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "message store unavailable")
	case errors.Is(err, database.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "message not found")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal", "request failed")
	}
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_id", "malformed "+param)
		return uuid.Nil, false
	}
	return id, true
}
