package wsconsumer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azzam1122112-dot/school-display/internal/binding"
	"github.com/azzam1122112-dot/school-display/internal/kvstore"
	"github.com/azzam1122112-dot/school-display/internal/metrics"
	"github.com/azzam1122112-dot/school-display/internal/types"
)

type testStore struct {
	mu      sync.Mutex
	screens map[string]types.DisplayScreen
}

func newTestStore() *testStore {
	return &testStore{screens: map[string]types.DisplayScreen{}}
}

func (s *testStore) seed(token string, schoolID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screens[token] = types.DisplayScreen{Token: token, SchoolID: schoolID, IsActive: true}
}

func (s *testStore) GetActiveScreen(ctx context.Context, token string) (types.DisplayScreen, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	screen, ok := s.screens[token]
	if !ok {
		return types.DisplayScreen{}, binding.ErrScreenUnknown
	}
	return screen, nil
}

func (s *testStore) ConditionalBind(ctx context.Context, token, deviceID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	screen, ok := s.screens[token]
	if !ok || screen.BoundDeviceID != "" {
		return false, nil
	}
	screen.BoundDeviceID = deviceID
	s.screens[token] = screen
	return true, nil
}

func (s *testStore) Rebind(ctx context.Context, token, deviceID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	screen := s.screens[token]
	screen.BoundDeviceID = deviceID
	s.screens[token] = screen
	return nil
}

func dialURL(server *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/display/?" + query
}

func TestConsumer_ClosesBadParamsWhenTokenOrDeviceMissing(t *testing.T) {
	store := kvstore.NewMemoryStore()
	binder := binding.NewService(newTestStore(), nil, nil)
	consumer := NewConsumer(binder, store, metrics.New(), nil)

	server := httptest.NewServer(http.HandlerFunc(consumer.ServeHTTP))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(dialURL(server, "token=TK1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, CloseBadParams, closeErr.Code)
}

func TestConsumer_ClosesUnknownTokenWhenScreenNotFound(t *testing.T) {
	store := kvstore.NewMemoryStore()
	binder := binding.NewService(newTestStore(), nil, nil)
	consumer := NewConsumer(binder, store, metrics.New(), nil)

	server := httptest.NewServer(http.HandlerFunc(consumer.ServeHTTP))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(dialURL(server, "token=missing&dk=device-1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, CloseUnknownToken, closeErr.Code)
}

func TestConsumer_AcceptsAndForwardsInvalidation(t *testing.T) {
	store := kvstore.NewMemoryStore()
	fakeStore := newTestStore()
	fakeStore.seed("TK1", 5)
	binder := binding.NewService(fakeStore, nil, nil)
	consumer := NewConsumer(binder, store, metrics.New(), nil)

	server := httptest.NewServer(http.HandlerFunc(consumer.ServeHTTP))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(dialURL(server, "token=TK1&dk=device-1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the server a moment to finish joining the group before we
	// publish, since the subscription is established inside run().
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, store.Publish(context.Background(), "school:5", []byte(`{"type":"invalidate","school_id":5,"revision":9}`)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got serverMessage
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "invalidate", got.Type)
	assert.Equal(t, int64(9), got.Revision)
}

func TestConsumer_RepliesPongToClientPing(t *testing.T) {
	store := kvstore.NewMemoryStore()
	fakeStore := newTestStore()
	fakeStore.seed("TK2", 1)
	binder := binding.NewService(fakeStore, nil, nil)
	consumer := NewConsumer(binder, store, metrics.New(), nil)

	server := httptest.NewServer(http.HandlerFunc(consumer.ServeHTTP))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(dialURL(server, "token=TK2&dk=device-1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(clientMessage{Type: "ping"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got serverMessage
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "pong", got.Type)
}
