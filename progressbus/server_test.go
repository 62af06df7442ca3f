package progressbus

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/haytham10/frenchnoveltool/orchestrator"
	"github.com/haytham10/frenchnoveltool/store"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*httptest.Server, *store.Store, *Hub) {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hub := NewHub()
	srv := NewServer(hub, NewAuthenticator(testSecret), st)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts, st, hub
}

func dialWS(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil {
		defer resp.Body.Close()
	}
	require.NoError(t, err)
	return conn
}

func TestServer_SubscribeEmitsImmediateSnapshot(t *testing.T) {
	ts, st, _ := newTestServer(t)

	job := &store.Job{ID: "job-1", OwnerID: "user-1", OriginalFilename: "novel.pdf"}
	require.NoError(t, st.CreateJob(context.Background(), job))

	token := signToken(t, testSecret, "user-1", time.Hour)
	conn := dialWS(t, ts, token)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(subscribeRequest{JobID: "job-1", Token: token}))

	var event orchestrator.ProgressEvent
	require.NoError(t, conn.ReadJSON(&event))
	require.Equal(t, "job-1", event.JobID)
	require.Equal(t, store.JobPending, event.State)
	require.NotNil(t, event.Job)
}

func TestServer_SubscribeRejectsNonOwner(t *testing.T) {
	ts, st, _ := newTestServer(t)

	job := &store.Job{ID: "job-1", OwnerID: "owner", OriginalFilename: "novel.pdf"}
	require.NoError(t, st.CreateJob(context.Background(), job))

	token := signToken(t, testSecret, "someone-else", time.Hour)
	conn := dialWS(t, ts, token)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(subscribeRequest{JobID: "job-1", Token: token}))

	var msg errorMessage
	require.NoError(t, conn.ReadJSON(&msg))
	require.NotEmpty(t, msg.Error)
}

func TestServer_ConnectRejectsInvalidToken(t *testing.T) {
	ts, _, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		require.Equal(t, 401, resp.StatusCode)
	}
}

func TestServer_DisconnectRemovesRoomMembership(t *testing.T) {
	ts, st, hub := newTestServer(t)

	job := &store.Job{ID: "job-1", OwnerID: "user-1", OriginalFilename: "novel.pdf"}
	require.NoError(t, st.CreateJob(context.Background(), job))

	token := signToken(t, testSecret, "user-1", time.Hour)
	conn := dialWS(t, ts, token)

	require.NoError(t, conn.WriteJSON(subscribeRequest{JobID: "job-1", Token: token}))
	var event orchestrator.ProgressEvent
	require.NoError(t, conn.ReadJSON(&event))

	require.Eventually(t, func() bool { return hub.RoomSize("job-1") == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool { return hub.RoomSize("job-1") == 0 }, time.Second, 10*time.Millisecond,
		fmt.Sprintf("room still had %d members after disconnect", hub.RoomSize("job-1")))
}
