package telegram

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Fatalf("encode response: %v", err)
	}
}

func writeAPIError(t *testing.T, w http.ResponseWriter, code int, description string) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(APIResponse[json.RawMessage]{ErrorCode: code, Description: description})
}

// apiCall records one send-type request made against fakeBotAPI.
type apiCall struct {
	Token      string
	Method     string
	ChatID     int64
	FromChatID int64
	MessageID  int
	Text       string
}

// fakeBotAPI serves the subset of the Bot API used by this package. Bots
// are keyed by token; updates queued with Queue are served by getUpdates
// for that token.
type fakeBotAPI struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	bots    map[string]User
	updates map[string][]Update
	nextID  map[string]int
	members map[int64]ChatMember
	calls   []apiCall
}

func newFakeBotAPI(t *testing.T) *fakeBotAPI {
	t.Helper()
	f := &fakeBotAPI{
		t:       t,
		bots:    make(map[string]User),
		updates: make(map[string][]Update),
		nextID:  make(map[string]int),
		members: make(map[int64]ChatMember),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBotAPI) URL() string { return f.srv.URL }

// AddBot makes token valid for a bot with the given id.
func (f *fakeBotAPI) AddBot(token string, id int64, username string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bots[token] = User{ID: id, IsBot: true, FirstName: username, Username: username}
}

// SetMember sets the status reported by getChatMember for chat.
func (f *fakeBotAPI) SetMember(chat int64, m ChatMember) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[chat] = m
}

// Queue adds an update for the bot behind token.
func (f *fakeBotAPI) Queue(token string, u Update) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID[token]++
	u.UpdateID = f.nextID[token]
	f.updates[token] = append(f.updates[token], u)
}

// Calls returns the recorded calls of method made with token.
func (f *fakeBotAPI) Calls(token, method string) []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []apiCall
	for _, c := range f.calls {
		if c.Token == token && c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Replies returns the texts sent with token, in order.
func (f *fakeBotAPI) Replies(token string) []string {
	var out []string
	for _, c := range f.Calls(token, "sendMessage") {
		out = append(out, c.Text)
	}
	return out
}

func (f *fakeBotAPI) serve(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/bot")
	i := strings.LastIndexByte(rest, '/')
	if i < 0 {
		writeAPIError(f.t, w, http.StatusNotFound, "Not Found")
		return
	}
	token, method := rest[:i], rest[i+1:]

	f.mu.Lock()
	bot, ok := f.bots[token]
	f.mu.Unlock()
	if !ok {
		writeAPIError(f.t, w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	body, _ := io.ReadAll(r.Body)
	switch method {
	case "getMe":
		writeJSON(f.t, w, APIResponse[User]{OK: true, Result: bot})

	case "setWebhook", "deleteWebhook":
		writeJSON(f.t, w, APIResponse[bool]{OK: true, Result: true})

	case "getUpdates":
		var req GetUpdatesRequest
		_ = json.Unmarshal(body, &req)
		f.mu.Lock()
		var pending []Update
		for _, u := range f.updates[token] {
			if u.UpdateID >= req.Offset {
				pending = append(pending, u)
			}
		}
		f.updates[token] = pending
		f.mu.Unlock()
		if len(pending) == 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(20 * time.Millisecond):
			}
		}
		writeJSON(f.t, w, APIResponse[[]Update]{OK: true, Result: pending})

	case "sendMessage":
		var req SendMessageRequest
		_ = json.Unmarshal(body, &req)
		f.record(apiCall{Token: token, Method: method, ChatID: req.ChatID, Text: req.Text})
		writeJSON(f.t, w, APIResponse[Message]{OK: true, Result: Message{MessageID: 1, Chat: Chat{ID: req.ChatID}, Text: req.Text}})

	case "forwardMessage":
		var req ForwardMessageRequest
		_ = json.Unmarshal(body, &req)
		f.record(apiCall{Token: token, Method: method, ChatID: req.ChatID, FromChatID: req.FromChatID, MessageID: req.MessageID})
		writeJSON(f.t, w, APIResponse[Message]{OK: true, Result: Message{MessageID: 1, Chat: Chat{ID: req.ChatID}}})

	case "getChatMember":
		var req chatMemberRequest
		_ = json.Unmarshal(body, &req)
		f.mu.Lock()
		m, ok := f.members[req.ChatID]
		f.mu.Unlock()
		if !ok {
			writeAPIError(f.t, w, http.StatusBadRequest, "Bad Request: chat not found")
			return
		}
		writeJSON(f.t, w, APIResponse[ChatMember]{OK: true, Result: m})

	default:
		writeAPIError(f.t, w, http.StatusNotFound, "Not Found: method "+method)
	}
}

func (f *fakeBotAPI) record(c apiCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
