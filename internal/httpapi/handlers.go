package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"peercall/internal/accounts"
	"peercall/internal/auth"
	"peercall/internal/callrecords"
	"peercall/internal/contacts"
	"peercall/internal/directory"
	"peercall/internal/ringer"
	"peercall/internal/session"
	"peercall/internal/signal"
	"peercall/internal/store"
	"peercall/pkg/logger"
	"peercall/pkg/utils"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth      *auth.Manager
	Accounts  *accounts.Service
	Directory *directory.Service
	Contacts  *contacts.Service
	Records   *callrecords.Service
	Hub       *session.Hub
	Store     store.Store

	// Redis enables the per-identity concurrent-call cap; nil disables it.
	Redis         *redis.Client
	RingTimeout   time.Duration
	MaxConcurrent int

	Log *slog.Logger

	mu     sync.Mutex
	active map[string]*callCtl
}

// callCtl tracks server-side state of one ringing or live call attempt.
type callCtl struct {
	callerID string
	calleeID string
	timer    *time.Timer
	release  func()
}

// capTTL bounds how long a leaked concurrency slot can survive a crash.
const capTTL = 4 * time.Hour

func (h *Handlers) logger() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}

/* ===================== AUTH ===================== */

type signupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handlers) Signup(c *gin.Context) {
	var req signupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	ctx := c.Request.Context()

	u, err := h.Accounts.Signup(ctx, req.Email, req.Password)
	switch {
	case errors.Is(err, accounts.ErrEmailTaken):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "email already registered"})
		return
	case errors.Is(err, accounts.ErrInvalidEmail), errors.Is(err, accounts.ErrWeakPassword):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "signup failed"})
		return
	}

	if err := h.Directory.RegisterEmail(ctx, u.Email, u.ID); err != nil {
		logger.FromGin(c).Error("directory registration failed", "user", u.ID, "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "directory registration failed"})
		return
	}

	pair, err := h.Auth.IssuePair(time.Now(), u.ID, u.Email)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"user":          u,
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	ctx := c.Request.Context()

	u, err := h.Accounts.Authenticate(ctx, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, accounts.ErrBadCredentials) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bad credentials"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	// Presence comes online at login; the store's disconnect rule flips it
	// back to offline if this process dies without a clean logout.
	if err := h.Directory.SetPresence(ctx, u.ID, true); err != nil {
		logger.FromGin(c).Warn("presence update failed", "user", u.ID, "err", err)
	}

	pair, err := h.Auth.IssuePair(time.Now(), u.ID, u.Email)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":          u,
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
	})
}

func (h *Handlers) Me(c *gin.Context) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	email, _ := auth.Email(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"user_id": uid, "email": email})
}

/* ===================== CONTACTS ===================== */

type addContactRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

func (h *Handlers) AddContact(c *gin.Context) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	var req addContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	contact, err := h.Contacts.Add(c.Request.Context(), uid, req.Email, req.DisplayName)
	switch {
	case errors.Is(err, contacts.ErrInvalidEmail):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid email"})
		return
	case errors.Is(err, contacts.ErrDuplicate):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "contact already saved"})
		return
	case err != nil:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "contact save failed"})
		return
	}
	c.JSON(http.StatusCreated, contact)
}

func (h *Handlers) ListContacts(c *gin.Context) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	list, err := h.Contacts.List(c.Request.Context(), uid)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "contact list failed"})
		return
	}
	if list == nil {
		list = []contacts.Contact{}
	}
	c.JSON(http.StatusOK, gin.H{"contacts": list})
}

func (h *Handlers) RemoveContact(c *gin.Context) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	id := c.Param("contact_id")
	if err := h.Contacts.Remove(c.Request.Context(), uid, id); err != nil {
		if errors.Is(err, contacts.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "contact not found"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "contact removal failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

/* ===================== CALLS ===================== */

type startCallRequest struct {
	CalleeEmail string `json:"callee_email"`
	Type        string `json:"type"`
}

func (h *Handlers) StartCall(c *gin.Context) {
	ctx := c.Request.Context()
	uid, err := auth.UserID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	callerEmail, _ := auth.Email(ctx)

	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.CalleeEmail == "" {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "callee_email required"})
		return
	}

	calleeID, err := h.Directory.ResolveOnce(ctx, req.CalleeEmail)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "callee not registered"})
		return
	}

	release := func() {}
	if h.Redis != nil {
		ok, err := utils.AcquireConcurrencyCap(ctx, h.Redis, capKey(uid), h.MaxConcurrent, capTTL)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "call admission failed"})
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many active calls"})
			return
		}
		release = func() {
			relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := utils.ReleaseConcurrencyCap(relCtx, h.Redis, capKey(uid)); err != nil {
				h.logger().Warn("call cap release failed", "user", uid, "err", err)
			}
		}
	}

	sess, err := h.Hub.Engine(uid).StartCall(ctx, req.CalleeEmail, req.Type)
	if err != nil {
		release()
		h.abortWithCallError(c, err)
		return
	}
	roomID := sess.RoomID

	// Both sides get their own history row up front; the ring timer and the
	// hangup paths settle them to a terminal status.
	if _, err := h.Records.Begin(ctx, uid, roomID, req.CalleeEmail, callrecords.DirectionOutgoing, sess.CallType); err != nil {
		h.logger().Warn("history row failed", "room", roomID, "err", err)
	}
	if _, err := h.Records.Begin(ctx, calleeID, roomID, callerEmail, callrecords.DirectionIncoming, sess.CallType); err != nil {
		h.logger().Warn("history row failed", "room", roomID, "err", err)
	}

	ctl := &callCtl{callerID: uid, calleeID: calleeID, release: release}
	ctl.timer = time.AfterFunc(h.RingTimeout, func() { h.ringExpired(roomID) })
	h.mu.Lock()
	if h.active == nil {
		h.active = make(map[string]*callCtl)
	}
	h.active[roomID] = ctl
	h.mu.Unlock()

	sess.OnConnected(func() { h.callConnected(roomID, ctl) })

	c.JSON(http.StatusCreated, gin.H{
		"room_id": roomID,
		"type":    sess.CallType,
		"status":  "ringing",
	})
}

func (h *Handlers) Accept(c *gin.Context) {
	ctx := c.Request.Context()
	uid, err := auth.UserID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	roomID := c.Param("room_id")

	inv, ok := h.pendingInvitation(ctx, uid, roomID)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no such ringing call"})
		return
	}

	ctl := h.lookupCtl(roomID)
	if ctl != nil && ctl.timer != nil {
		ctl.timer.Stop()
	}

	if _, err := h.Hub.Engine(uid).Accept(ctx, ringer.IncomingCall{RoomID: inv.RoomID, From: inv.From, Type: inv.Type}); err != nil {
		h.abortWithCallError(c, err)
		return
	}
	// Answering counts as connected for history; media-level connectivity
	// follows on its own.
	if ctl != nil {
		h.callConnected(roomID, ctl)
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "status": "accepted"})
}

func (h *Handlers) Reject(c *gin.Context) {
	ctx := c.Request.Context()
	uid, err := auth.UserID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	roomID := c.Param("room_id")

	inv, ok := h.pendingInvitation(ctx, uid, roomID)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no such ringing call"})
		return
	}
	if err := h.Hub.Engine(uid).Reject(ctx, ringer.IncomingCall{RoomID: inv.RoomID, From: inv.From, Type: inv.Type}); err != nil {
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "reject failed"})
		return
	}

	// The caller is still negotiating against a room nobody will join; tear
	// that side down server-side so it does not wait out the full timeout.
	h.Hub.Engine(inv.From).Hangup(ctx, roomID)
	h.settle(ctx, roomID, callrecords.StatusRejected)
	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "status": "rejected"})
}

func (h *Handlers) Hangup(c *gin.Context) {
	ctx := c.Request.Context()
	uid, err := auth.UserID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	roomID := c.Param("room_id")

	rec, ok, err := h.Records.Get(ctx, uid, roomID)
	if err != nil || !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no such call"})
		return
	}

	h.Hub.Engine(uid).Hangup(ctx, roomID)
	ctl := h.lookupCtl(roomID)
	if ctl != nil {
		peer := ctl.callerID
		if peer == uid {
			peer = ctl.calleeID
		}
		h.Hub.Engine(peer).Hangup(ctx, roomID)
	}

	status := callrecords.StatusCanceled
	if rec.Status == callrecords.StatusInProgress {
		status = callrecords.StatusCompleted
	}
	h.settle(ctx, roomID, status)
	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "status": "ended"})
}

func (h *Handlers) History(c *gin.Context) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	records, err := h.Records.History(c.Request.Context(), uid, limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "history lookup failed"})
		return
	}
	if records == nil {
		records = []callrecords.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": records})
}

/* ===================== INTERNAL ===================== */

// pendingInvitation reads the user's own mailbox and checks the ringing
// invitation matches roomID.
func (h *Handlers) pendingInvitation(ctx context.Context, uid, roomID string) (signal.Invitation, bool) {
	raw, err := h.Store.Get(ctx, signal.InvitationPath(uid))
	if err != nil || raw == nil {
		return signal.Invitation{}, false
	}
	inv, err := signal.DecodeInvitation(raw)
	if err != nil || inv.RoomID != roomID {
		return signal.Invitation{}, false
	}
	return inv, true
}

// ringExpired fires when a call is still unanswered after the ring timeout:
// the attempt is withdrawn and both history rows settle as missed.
func (h *Handlers) ringExpired(roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ctl := h.lookupCtl(roomID)
	if ctl == nil {
		return
	}
	h.logger().Info("ring timeout expired", "room", roomID)
	h.Hub.Engine(ctl.callerID).Hangup(ctx, roomID)
	h.settle(ctx, roomID, callrecords.StatusMissed)
}

// callConnected moves both history rows to in_progress once media is up.
func (h *Handlers) callConnected(roomID string, ctl *callCtl) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ctl.timer != nil {
		ctl.timer.Stop()
	}
	for _, owner := range []string{ctl.callerID, ctl.calleeID} {
		if err := h.Records.MarkConnected(ctx, owner, roomID); err != nil {
			h.logger().Warn("history connect mark failed", "room", roomID, "owner", owner, "err", err)
		}
	}
}

// settle finalizes both history rows, stops the ring timer and releases the
// caller's concurrency slot. Safe to call more than once per room.
func (h *Handlers) settle(ctx context.Context, roomID string, status callrecords.Status) {
	h.mu.Lock()
	ctl, ok := h.active[roomID]
	delete(h.active, roomID)
	h.mu.Unlock()
	if !ok {
		return
	}
	if ctl.timer != nil {
		ctl.timer.Stop()
	}
	for _, owner := range []string{ctl.callerID, ctl.calleeID} {
		if err := h.Records.Finish(ctx, owner, roomID, status); err != nil && !errors.Is(err, callrecords.ErrNotFound) {
			h.logger().Warn("history finish failed", "room", roomID, "owner", owner, "err", err)
		}
	}
	ctl.release()
}

func (h *Handlers) lookupCtl(roomID string) *callCtl {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active[roomID]
}

func (h *Handlers) abortWithCallError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotAuthenticated):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
	case errors.Is(err, session.ErrResolution):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "callee not registered"})
	case errors.Is(err, session.ErrRoomAllocation):
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "room allocation failed"})
	case errors.Is(err, session.ErrPublish), errors.Is(err, session.ErrNegotiation):
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "call setup failed"})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call failed"})
	}
}

func capKey(uid string) string {
	return fmt.Sprintf("cap:calls:%s", uid)
}
