package chat_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	mid "RandChat/middleware"
	"RandChat/module/chat/model"
	"RandChat/service/bus"
	"RandChat/service/chat"
	"RandChat/service/game"
	"RandChat/service/matcher"
	"RandChat/service/presence"
	"RandChat/service/ratelimit"
	"RandChat/service/session"
	"RandChat/service/storage/storagetest"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	gotUser  string
	gotLimit int
}

func (f *fakeLedger) CreateChatSession(context.Context, model.ChatSession) error { return nil }

func (f *fakeLedger) EndChatSession(context.Context, string, string, time.Time) error { return nil }

func (f *fakeLedger) GetRecentChatSessions(_ context.Context, uid string, limit int) ([]model.ChatSession, error) {
	f.gotUser, f.gotLimit = uid, limit
	return []model.ChatSession{{ID: "s1", User1ID: uid, User2ID: "9", Status: "ended"}}, nil
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func newAPI(t *testing.T, led chat.SessionLedger) *gin.Engine {
	_, rdb := storagetest.NewRedis(t)
	conns := chat.NewConnManager(chat.ManagerConf{})
	reg := presence.NewRegistry(rdb, presence.Config{})
	b := bus.New("server_api", conns, reg, bus.NewMailbox(rdb, bus.MailboxConfig{}))
	router := session.NewRouter(rdb, b, session.Config{DisableSync: true})
	m := matcher.NewMatcher(rdb, router, matcher.Config{ProcessID: "server_api"})

	_, err := m.RequestMatch(context.Background(), "5", matcher.Female)
	require.NoError(t, err)
	require.NoError(t, reg.Register(context.Background(), "5", "server_api"))

	srv := chat.NewServer(chat.Config{ProcessID: "server_api"}, chat.Deps{
		Conns:    conns,
		Presence: reg,
		Matcher:  m,
		Sessions: router,
		Games:    game.NewMachine(rdb, router, game.Config{}),
		Limiter:  ratelimit.NewLimiter(rdb, nil),
		Bus:      b,
		Ledger:   led,
	})

	gin.SetMode(gin.TestMode)
	r := gin.New()
	mid.GET(r, "/api/stats", srv.HandleStats, mid.RouteOpt{})
	mid.GET(r, "/api/sessions/recent", srv.HandleRecentSessions, mid.RouteOpt{IsAuth: true})
	return r
}

func get(t *testing.T, r http.Handler, path string, hdr map[string]string) (int, envelope) {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return w.Code, env
}

func TestStatsEndpoint(t *testing.T) {
	r := newAPI(t, nil)
	code, env := get(t, r, "/api/stats", nil)
	require.Equal(t, http.StatusOK, code)

	var stats struct {
		ProcessID      string        `json:"processId"`
		Transport      string        `json:"transport"`
		Queue          matcher.Stats `json:"queue"`
		OnlineUsers    int64         `json:"onlineUsers"`
		StoreAvailable bool          `json:"storeAvailable"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, "server_api", stats.ProcessID)
	assert.Equal(t, "mailbox", stats.Transport)
	assert.EqualValues(t, 1, stats.Queue.Female)
	assert.EqualValues(t, 1, stats.OnlineUsers)
	assert.True(t, stats.StoreAvailable)
}

func TestRecentSessionsEndpoint(t *testing.T) {
	led := &fakeLedger{}
	r := newAPI(t, led)

	code, _ := get(t, r, "/api/sessions/recent", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, env := get(t, r, "/api/sessions/recent?limit=5", map[string]string{"X-User-Id": "7"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "7", led.gotUser)
	assert.Equal(t, 5, led.gotLimit)

	var body struct {
		Sessions []model.ChatSession `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "s1", body.Sessions[0].ID)
}

func TestRecentSessionsWithoutLedger(t *testing.T) {
	r := newAPI(t, nil)
	code, env := get(t, r, "/api/sessions/recent", map[string]string{"X-User-Id": "7"})
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.NotZero(t, env.Code)
}
