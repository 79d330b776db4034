package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"attendly.org/internal/auth"
	"attendly.org/internal/checkin"
	"attendly.org/internal/config"
	"attendly.org/internal/event"
	"attendly.org/internal/store/memory"
	"attendly.org/internal/stream"
	"attendly.org/internal/token"
)

var testNow = time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)

type apiClient struct {
	baseURL string
	client  *http.Client
	store   *memory.Store
	auth    *auth.Service
	t       *testing.T
}

func newTestAPI(t *testing.T, ready readinessChecker) *apiClient {
	t.Helper()

	clock := func() time.Time { return testNow }
	store := memory.New()
	codec, err := token.New([]byte("httpapi-test-secret"), token.WithClock(clock))
	if err != nil {
		t.Fatalf("token.New: %v", err)
	}
	eval, err := event.NewEvaluator(store, event.WithClock(clock))
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	events, err := event.NewService(store, eval)
	if err != nil {
		t.Fatalf("event.NewService: %v", err)
	}
	authSvc, err := auth.NewService(store, codec, auth.WithClock(clock))
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}
	feed := stream.New()
	checkins, err := checkin.NewService(events, store, codec,
		checkin.WithClock(clock), checkin.WithObserver(feed.ObserveCheckin))
	if err != nil {
		t.Fatalf("checkin.NewService: %v", err)
	}
	if ready == nil {
		ready = ReadyProbe{Store: store}
	}

	api, err := New(Deps{
		Auth:    authSvc,
		Events:  events,
		Checkin: checkins,
		Ready:   ready,
		Version: "test",
		Feed:    feed,
	}, config.Config{CORSOrigins: []string{"http://localhost:5173"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	api.now = clock

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		store:   store,
		auth:    authSvc,
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, bearer string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

// login registers username (as admin when isAdmin) and returns an access token.
func (c *apiClient) login(username string, isAdmin bool) string {
	c.t.Helper()
	_, err := c.auth.Register(context.Background(), auth.Registration{
		Username: username,
		Email:    username + "@example.com",
		Password: "secret-pass",
		IsAdmin:  isAdmin,
	})
	if err != nil && !errors.Is(err, auth.ErrAlreadyExists) {
		c.t.Fatalf("Register: %v", err)
	}
	resp := c.do(http.MethodPost, "/v1/auth/login", map[string]any{
		"username": username,
		"password": "secret-pass",
	}, "")
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected login status: %d", resp.StatusCode)
	}
	payload := decode[loginResponse](c.t, resp)
	if payload.AccessToken == "" || payload.TokenType != "bearer" {
		c.t.Fatalf("unexpected login payload: %+v", payload)
	}
	return payload.AccessToken
}

func (c *apiClient) createEvent(admin string, body map[string]any) map[string]any {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/events", body, admin)
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("unexpected create event status: %d", resp.StatusCode)
	}
	return decode[map[string]any](c.t, resp)
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestAPICheckinFlow(t *testing.T) {
	api := newTestAPI(t, nil)
	admin := api.login("organizer", true)

	ev := api.createEvent(admin, map[string]any{
		"name":       "Launch party",
		"event_date": "2026-07-01",
		"start_time": "18:00",
		"end_time":   "22:30",
	})
	eventID := ev["id"].(string)
	if ev["is_active"] != true || ev["start_time"] != "18:00" {
		t.Fatalf("unexpected event: %v", ev)
	}

	resp := api.do(http.MethodPost, "/v1/events/"+eventID+"/participants", map[string]any{
		"name":  "Alice",
		"email": "alice@example.com",
	}, admin)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected participant status: %d", resp.StatusCode)
	}
	part := decode[checkin.Participant](t, resp)
	if part.Token == "" || part.ShareLink != "/participants/"+part.Token {
		t.Fatalf("unexpected participant: %+v", part)
	}

	link := decode[linkResponse](t, api.do(http.MethodGet, "/v1/participants/verify/"+part.Token, nil, ""))
	if !link.Valid || link.ParticipantName != "Alice" || link.EventID != eventID || link.EventTime != "18:00" {
		t.Fatalf("unexpected link: %+v", link)
	}

	scan := map[string]any{"qr_code": part.Token, "event_id": eventID}
	resp = api.do(http.MethodPost, "/v1/admin/checkin", scan, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected check-in status: %d", resp.StatusCode)
	}
	first := decode[checkinResponse](t, resp)
	if first.Outcome != checkin.Success || !first.Success || first.UserName != "Alice" || first.CheckedInAt == nil {
		t.Fatalf("unexpected first scan: %+v", first)
	}

	resp = api.do(http.MethodPost, "/v1/admin/checkin", scan, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected repeat status: %d", resp.StatusCode)
	}
	second := decode[checkinResponse](t, resp)
	if second.Outcome != checkin.AlreadyCheckedIn || !second.Success {
		t.Fatalf("unexpected repeat scan: %+v", second)
	}
	if second.CheckedInAt == nil || !second.CheckedInAt.Equal(*first.CheckedInAt) {
		t.Fatalf("repeat scan changed checked_in_at: %v vs %v", second.CheckedInAt, first.CheckedInAt)
	}

	resp = api.do(http.MethodPost, "/v1/admin/checkin", map[string]any{"qr_code": "forged", "event_id": eventID}, admin)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown token, got %d", resp.StatusCode)
	}
	if got := decode[checkinResponse](t, resp); got.Outcome != checkin.InvalidToken || got.Success || got.UserID != "" {
		t.Fatalf("unexpected invalid scan: %+v", got)
	}

	sum := decode[map[string]any](t, api.do(http.MethodGet, "/v1/events/"+eventID, nil, ""))
	if sum["attendee_count"] != float64(1) || sum["checked_in_count"] != float64(1) {
		t.Fatalf("unexpected counts: %v", sum)
	}
}

func TestAPIBadgeCheckin(t *testing.T) {
	api := newTestAPI(t, nil)
	admin := api.login("organizer", true)
	guest := api.login("bob_guest", false)

	ev := api.createEvent(admin, map[string]any{"name": "Meetup", "event_date": "2026-07-01"})
	eventID := ev["id"].(string)

	status := decode[statusResponse](t, api.do(http.MethodGet, "/v1/events/"+eventID+"/status", nil, guest))
	if status.CheckedIn || status.EventID != eventID {
		t.Fatalf("unexpected status: %+v", status)
	}

	resp := api.do(http.MethodGet, "/v1/events/"+eventID+"/badge", nil, guest)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected badge status: %d", resp.StatusCode)
	}
	if resp.Header.Get("Cache-Control") != "no-store" {
		t.Fatalf("badge response is cacheable")
	}
	badge := decode[checkin.Badge](t, resp)
	if badge.Token == "" || badge.ExpiresIn != 60 {
		t.Fatalf("unexpected badge: %+v", badge)
	}

	got := decode[checkinResponse](t, api.do(http.MethodPost, "/v1/admin/checkin",
		map[string]any{"qr_code": badge.Token, "event_id": eventID}, admin))
	if got.Outcome != checkin.Success || got.UserName != "bob_guest" || got.UserEmail != "bob_guest@example.com" {
		t.Fatalf("unexpected badge scan: %+v", got)
	}

	status = decode[statusResponse](t, api.do(http.MethodGet, "/v1/events/"+eventID+"/status", nil, guest))
	if !status.CheckedIn || status.CheckedInAt == nil {
		t.Fatalf("status not updated: %+v", status)
	}
}

func TestAPIRosterListsParticipants(t *testing.T) {
	api := newTestAPI(t, nil)
	admin := api.login("organizer", true)
	guest := api.login("bob_guest", false)
	ev := api.createEvent(admin, map[string]any{"name": "Meetup", "event_date": "2026-07-01"})
	eventID := ev["id"].(string)

	api.do(http.MethodGet, "/v1/events/"+eventID+"/status", nil, guest).Body.Close()
	alice := decode[checkin.Participant](t, api.do(http.MethodPost, "/v1/events/"+eventID+"/participants",
		map[string]any{"name": "Alice"}, admin))

	resp := api.do(http.MethodGet, "/v1/events/"+eventID+"/participants", nil, guest)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", resp.StatusCode)
	}
	resp = api.do(http.MethodGet, "/v1/events/missing/participants", nil, admin)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown event, got %d", resp.StatusCode)
	}

	resp = api.do(http.MethodGet, "/v1/events/"+eventID+"/participants", nil, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected roster status: %d", resp.StatusCode)
	}
	roster := decode[rosterResponse](t, resp)
	if roster.Total != 2 || len(roster.Participants) != 2 {
		t.Fatalf("unexpected roster: %+v", roster)
	}
	byName := make(map[string]checkin.Participant)
	for _, p := range roster.Participants {
		byName[p.Name] = p
	}
	if p := byName["Alice"]; p.ID != alice.ID || p.Token != alice.Token || p.ShareLink != alice.ShareLink || !strings.HasSuffix(p.Email, "@local") {
		t.Fatalf("unexpected Alice entry: %+v", p)
	}
	if p := byName["bob_guest"]; p.Email != "bob_guest@example.com" || p.EventID != eventID || p.Token == "" {
		t.Fatalf("unexpected guest entry: %+v", p)
	}
}

func TestAPIDisabledEventRejectsCheckin(t *testing.T) {
	api := newTestAPI(t, nil)
	admin := api.login("organizer", true)
	ev := api.createEvent(admin, map[string]any{"name": "Meetup", "event_date": "2026-07-01"})
	eventID := ev["id"].(string)

	part := decode[checkin.Participant](t, api.do(http.MethodPost, "/v1/events/"+eventID+"/participants",
		map[string]any{"name": "Alice"}, admin))

	resp := api.do(http.MethodPatch, "/v1/events/"+eventID, map[string]any{"is_active": false}, admin)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected patch status: %d", resp.StatusCode)
	}
	if got := decode[map[string]any](t, resp); got["is_active"] != false {
		t.Fatalf("event still active: %v", got)
	}

	resp = api.do(http.MethodPost, "/v1/admin/checkin", map[string]any{"qr_code": part.Token, "event_id": eventID}, admin)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	got := decode[checkinResponse](t, resp)
	if got.Outcome != checkin.EventInactive || got.Message != "event is disabled, check-in is closed" {
		t.Fatalf("unexpected scan: %+v", got)
	}

	link := decode[linkResponse](t, api.do(http.MethodGet, "/v1/participants/verify/"+part.Token, nil, ""))
	if link.Valid || link.Message != "event is disabled" {
		t.Fatalf("unexpected link: %+v", link)
	}

	resp = api.do(http.MethodGet, "/v1/events/"+eventID+"/badge", nil, admin)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for badge on disabled event, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t, nil)
	user := api.login("plain_user", false)

	body := map[string]any{"name": "Meetup", "event_date": "2026-07-01"}
	resp := api.do(http.MethodPost, "/v1/events", body, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	errBody := decode[map[string]any](t, resp)
	if errBody["error"] == "" || errBody["request_id"] == nil {
		t.Fatalf("expected error message and request id: %v", errBody)
	}

	resp = api.do(http.MethodPost, "/v1/events", body, user)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/v1/auth/me", nil, "not-a-token")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header")
	}
	resp.Body.Close()

	me := decode[auth.User](t, api.do(http.MethodGet, "/v1/auth/me", nil, user))
	if me.Username != "plain_user" || me.IsAdmin {
		t.Fatalf("unexpected me: %+v", me)
	}
}

func TestRegisterAdminRequiresAdmin(t *testing.T) {
	api := newTestAPI(t, nil)

	reg := map[string]any{
		"username": "mallory",
		"email":    "mallory@example.com",
		"password": "secret-pass",
		"is_admin": true,
	}
	resp := api.do(http.MethodPost, "/v1/auth/register", reg, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	admin := api.login("organizer", true)
	resp = api.do(http.MethodPost, "/v1/auth/register", reg, admin)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	created := decode[map[string]any](t, resp)
	if created["is_admin"] != true {
		t.Fatalf("unexpected user: %v", created)
	}
	if _, leaked := created["password_hash"]; leaked {
		t.Fatal("password hash serialized")
	}

	resp = api.do(http.MethodPost, "/v1/auth/register", reg, admin)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/auth/login", map[string]any{"username": "mallory", "password": "wrong"}, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 on bad password, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIEventValidationAndNotFound(t *testing.T) {
	api := newTestAPI(t, nil)
	admin := api.login("organizer", true)

	resp := api.do(http.MethodPost, "/v1/events", map[string]any{"name": "", "event_date": "2026-07-01"}, admin)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.do(http.MethodPost, "/v1/events", map[string]any{"name": "X", "event_date": "2026-07-01", "colour": "red"}, admin)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.do(http.MethodGet, "/v1/events/missing", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	ev := api.createEvent(admin, map[string]any{"name": "Meetup", "event_date": "2026-07-01"})
	resp = api.do(http.MethodDelete, "/v1/events/"+ev["id"].(string), nil, admin)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	list := decode[[]map[string]any](t, api.do(http.MethodGet, "/v1/events", nil, admin))
	if len(list) != 0 {
		t.Fatalf("expected empty list, got %v", list)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	api := newTestAPI(t, nil)

	health := decode[map[string]any](t, api.do(http.MethodGet, "/healthz", nil, ""))
	if health["status"] != "ok" || health["version"] != "test" {
		t.Fatalf("unexpected health: %v", health)
	}
	resp := api.do(http.MethodGet, "/readyz", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	info := decode[map[string]any](t, api.do(http.MethodGet, "/v1/info", nil, ""))
	if info["time"] != testNow.Format(time.RFC3339) {
		t.Fatalf("unexpected info: %v", info)
	}

	down := newTestAPI(t, failingReadiness{})
	resp = down.do(http.MethodGet, "/readyz", nil, "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCheckinStreamDeliversScans(t *testing.T) {
	api := newTestAPI(t, nil)
	admin := api.login("organizer", true)
	ev := api.createEvent(admin, map[string]any{"name": "Meetup", "event_date": "2026-07-01"})
	eventID := ev["id"].(string)
	part := decode[checkin.Participant](t, api.do(http.MethodPost, "/v1/events/"+eventID+"/participants",
		map[string]any{"name": "Alice"}, admin))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, api.baseURL+"/v1/events/"+eventID+"/checkins/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+admin)
	resp, err := api.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type: %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || !strings.HasPrefix(line, ": stream started") {
		t.Fatalf("unexpected preamble %q: %v", line, err)
	}

	scan := api.do(http.MethodPost, "/v1/admin/checkin", map[string]any{"qr_code": part.Token, "event_id": eventID}, admin)
	scan.Body.Close()

	for {
		line, err = reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt stream.CheckinEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if evt.EventID != eventID || evt.Outcome != string(checkin.Success) || evt.ParticipantName != "Alice" {
			t.Fatalf("unexpected event: %+v", evt)
		}
		return
	}
}

func TestCheckinStreamUnknownEvent(t *testing.T) {
	api := newTestAPI(t, nil)
	admin := api.login("organizer", true)
	resp := api.do(http.MethodGet, "/v1/events/missing/checkins/stream", nil, admin)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}
