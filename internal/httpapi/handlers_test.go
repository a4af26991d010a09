package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"peercall/internal/accounts"
	"peercall/internal/auth"
	"peercall/internal/callrecords"
	"peercall/internal/config"
	"peercall/internal/contacts"
	"peercall/internal/directory"
	"peercall/internal/media"
	"peercall/internal/session"
	"peercall/internal/signal"
	"peercall/internal/store"
)

// stubTransport satisfies media.Transport with canned descriptions so call
// flows can run end to end without a real peer connection.
type stubTransport struct {
	onState func(media.ConnectionState)
}

func (s *stubTransport) CreateOffer(context.Context) (signal.Description, error) {
	return signal.Description{Type: signal.DescriptionOffer, SDP: "v=0 offer"}, nil
}

func (s *stubTransport) CreateAnswer(context.Context) (signal.Description, error) {
	return signal.Description{Type: signal.DescriptionAnswer, SDP: "v=0 answer"}, nil
}

func (s *stubTransport) SetRemoteDescription(context.Context, signal.Description) error { return nil }
func (s *stubTransport) AddCandidate(signal.Candidate) error                            { return nil }
func (s *stubTransport) OnCandidate(func(signal.Candidate))                             {}
func (s *stubTransport) OnConnectionState(fn func(media.ConnectionState))               { s.onState = fn }
func (s *stubTransport) OnRemoteTrack(func(media.RemoteTrack))                          {}
func (s *stubTransport) Close() error                                                   { return nil }

type apiRig struct {
	router *gin.Engine
	st     *store.MemoryStore
	h      *Handlers
	last   *stubTransport
}

func newAPIRig(t *testing.T, ringTimeout time.Duration) *apiRig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	mgr, err := auth.NewManager(config.AuthConfig{
		JWTSecret:       "test-secret",
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("auth manager: %v", err)
	}

	mb := signal.NewMailbox(st, nil)
	dir := directory.NewService(st, nil)

	rig := &apiRig{st: st}
	hub := session.NewHub(mb, dir, func(string) (media.Transport, error) {
		rig.last = &stubTransport{}
		return rig.last, nil
	}, nil)

	rig.h = &Handlers{
		Auth:        mgr,
		Accounts:    accounts.NewService(accounts.NewMemoryRepo()),
		Directory:   dir,
		Contacts:    contacts.NewService(contacts.NewMemoryRepo()),
		Records:     callrecords.NewService(callrecords.NewMemoryRepo()),
		Hub:         hub,
		Store:       st,
		RingTimeout: ringTimeout,
	}

	r := gin.New()
	r.POST("/v1/auth/signup", rig.h.Signup)
	r.POST("/v1/auth/login", rig.h.Login)
	api := r.Group("/v1")
	api.Use(auth.RequireAccessToken(mgr))
	{
		api.GET("/me", rig.h.Me)
		api.GET("/contacts", rig.h.ListContacts)
		api.POST("/contacts", rig.h.AddContact)
		api.DELETE("/contacts/:contact_id", rig.h.RemoveContact)
		api.POST("/calls/start", rig.h.StartCall)
		api.POST("/calls/:room_id/accept", rig.h.Accept)
		api.POST("/calls/:room_id/reject", rig.h.Reject)
		api.POST("/calls/:room_id/hangup", rig.h.Hangup)
		api.GET("/calls/history", rig.h.History)
	}
	rig.router = r
	return rig
}

func (r *apiRig) do(t *testing.T, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd *strings.Reader
	if body != "" {
		rd = strings.NewReader(body)
	} else {
		rd = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("bad json response %q: %v", w.Body.String(), err)
		}
	}
	return w, out
}

func (r *apiRig) signup(t *testing.T, email string) string {
	t.Helper()
	w, out := r.do(t, http.MethodPost, "/v1/auth/signup", "",
		fmt.Sprintf(`{"email":%q,"password":"correct horse"}`, email))
	if w.Code != http.StatusCreated {
		t.Fatalf("signup %s: status %d body %s", email, w.Code, w.Body.String())
	}
	tok, _ := out["access_token"].(string)
	if tok == "" {
		t.Fatalf("signup %s: no access token", email)
	}
	return tok
}

func TestSignupLoginAndMe(t *testing.T) {
	rig := newAPIRig(t, time.Second)

	tok := rig.signup(t, "alice@example.com")

	w, out := rig.do(t, http.MethodGet, "/v1/me", tok, "")
	if w.Code != http.StatusOK {
		t.Fatalf("me: status %d", w.Code)
	}
	if out["email"] != "alice@example.com" {
		t.Fatalf("me: %v", out)
	}

	w, _ = rig.do(t, http.MethodPost, "/v1/auth/login", "",
		`{"email":"alice@example.com","password":"correct horse"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("login: status %d body %s", w.Code, w.Body.String())
	}

	w, _ = rig.do(t, http.MethodPost, "/v1/auth/login", "",
		`{"email":"alice@example.com","password":"wrong"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad login: status %d", w.Code)
	}

	w, _ = rig.do(t, http.MethodGet, "/v1/me", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated me: status %d", w.Code)
	}
}

func TestSignupDuplicateEmail(t *testing.T) {
	rig := newAPIRig(t, time.Second)
	rig.signup(t, "alice@example.com")

	w, _ := rig.do(t, http.MethodPost, "/v1/auth/signup", "",
		`{"email":"alice@example.com","password":"correct horse"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate signup: status %d", w.Code)
	}
}

func TestContactLifecycle(t *testing.T) {
	rig := newAPIRig(t, time.Second)
	tok := rig.signup(t, "alice@example.com")

	w, out := rig.do(t, http.MethodPost, "/v1/contacts", tok,
		`{"email":"bob@example.com","display_name":"Bob"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("add contact: status %d body %s", w.Code, w.Body.String())
	}
	id, _ := out["id"].(string)

	w, out = rig.do(t, http.MethodGet, "/v1/contacts", tok, "")
	if w.Code != http.StatusOK {
		t.Fatalf("list contacts: status %d", w.Code)
	}
	if list, ok := out["contacts"].([]any); !ok || len(list) != 1 {
		t.Fatalf("list contacts: %v", out)
	}

	w, _ = rig.do(t, http.MethodDelete, "/v1/contacts/"+id, tok, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("remove contact: status %d", w.Code)
	}
}

func TestStartCallUnknownCallee(t *testing.T) {
	rig := newAPIRig(t, time.Second)
	tok := rig.signup(t, "alice@example.com")

	w, _ := rig.do(t, http.MethodPost, "/v1/calls/start", tok,
		`{"callee_email":"nobody@example.com","type":"audio"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("start to unknown callee: status %d", w.Code)
	}
}

func TestCallFlowAcceptAndHangup(t *testing.T) {
	rig := newAPIRig(t, 5*time.Second)
	caller := rig.signup(t, "alice@example.com")
	callee := rig.signup(t, "bob@example.com")

	w, out := rig.do(t, http.MethodPost, "/v1/calls/start", caller,
		`{"callee_email":"bob@example.com","type":"video"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("start: status %d body %s", w.Code, w.Body.String())
	}
	roomID, _ := out["room_id"].(string)
	if roomID == "" {
		t.Fatalf("start: no room id in %v", out)
	}

	w, _ = rig.do(t, http.MethodPost, "/v1/calls/"+roomID+"/accept", callee, "")
	if w.Code != http.StatusOK {
		t.Fatalf("accept: status %d body %s", w.Code, w.Body.String())
	}

	w, _ = rig.do(t, http.MethodPost, "/v1/calls/"+roomID+"/hangup", caller, "")
	if w.Code != http.StatusOK {
		t.Fatalf("hangup: status %d body %s", w.Code, w.Body.String())
	}

	// The shared room and the callee's invitation are both gone.
	if raw, _ := rig.st.Get(context.Background(), signal.DescriptionPath(roomID)); raw != nil {
		t.Fatalf("session state survived hangup: %s", raw)
	}

	w, out = rig.do(t, http.MethodGet, "/v1/calls/history", caller, "")
	if w.Code != http.StatusOK {
		t.Fatalf("history: status %d", w.Code)
	}
	calls, _ := out["calls"].([]any)
	if len(calls) != 1 {
		t.Fatalf("history: %v", out)
	}
	row, _ := calls[0].(map[string]any)
	if row["direction"] != "outgoing" {
		t.Fatalf("history row: %v", row)
	}
}

func TestRejectMarksRecordRejected(t *testing.T) {
	rig := newAPIRig(t, 5*time.Second)
	caller := rig.signup(t, "alice@example.com")
	callee := rig.signup(t, "bob@example.com")

	_, out := rig.do(t, http.MethodPost, "/v1/calls/start", caller,
		`{"callee_email":"bob@example.com","type":"audio"}`)
	roomID, _ := out["room_id"].(string)

	w, _ := rig.do(t, http.MethodPost, "/v1/calls/"+roomID+"/reject", callee, "")
	if w.Code != http.StatusOK {
		t.Fatalf("reject: status %d body %s", w.Code, w.Body.String())
	}

	_, out = rig.do(t, http.MethodGet, "/v1/calls/history", callee, "")
	calls, _ := out["calls"].([]any)
	if len(calls) != 1 {
		t.Fatalf("history: %v", out)
	}
	row, _ := calls[0].(map[string]any)
	if row["status"] != "rejected" || row["direction"] != "incoming" {
		t.Fatalf("history row: %v", row)
	}

	// Rejecting again is a 404: the invitation is gone.
	w, _ = rig.do(t, http.MethodPost, "/v1/calls/"+roomID+"/reject", callee, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("second reject: status %d", w.Code)
	}
}

func TestRingTimeoutSettlesMissed(t *testing.T) {
	rig := newAPIRig(t, 50*time.Millisecond)
	caller := rig.signup(t, "alice@example.com")
	rig.signup(t, "bob@example.com")

	_, out := rig.do(t, http.MethodPost, "/v1/calls/start", caller,
		`{"callee_email":"bob@example.com","type":"audio"}`)
	roomID, _ := out["room_id"].(string)
	if roomID == "" {
		t.Fatalf("start: %v", out)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, out = rig.do(t, http.MethodGet, "/v1/calls/history", caller, "")
		calls, _ := out["calls"].([]any)
		if len(calls) == 1 {
			row, _ := calls[0].(map[string]any)
			if row["status"] == "missed" {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("ring timeout never settled the record: %v", out)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
