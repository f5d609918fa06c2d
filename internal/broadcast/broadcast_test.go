// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broadcast_test

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crawlplane/ctlmaster/internal/broadcast"
	"github.com/crawlplane/ctlmaster/internal/domain"
)

func TestBroadcaster_RateLimitsNonTransitionUpdates(t *testing.T) {
	b := broadcast.New(time.Hour, nil, nil)
	updates, unsubscribe := b.Hub().Subscribe()
	defer unsubscribe()

	run := &domain.Run{ID: "run-1", State: domain.RunRunning, ItemsCount: 1}
	b.NotifyProgress(run, false)
	run.ItemsCount = 2
	b.NotifyProgress(run, false) // should be dropped, interval not elapsed

	select {
	case u := <-updates:
		assert.Equal(t, int64(1), u.ItemsCount)
	case <-time.After(time.Second):
		t.Fatal("expected first update to arrive")
	}

	select {
	case u := <-updates:
		t.Fatalf("unexpected second update within rate-limit window: %+v", u)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcaster_TransitionAlwaysPublishesImmediately(t *testing.T) {
	b := broadcast.New(time.Hour, nil, nil)
	updates, unsubscribe := b.Hub().Subscribe()
	defer unsubscribe()

	run := &domain.Run{ID: "run-1", State: domain.RunRunning}
	b.NotifyProgress(run, false)
	<-updates

	run.State = domain.RunFinished
	b.NotifyProgress(run, true)

	select {
	case u := <-updates:
		assert.True(t, u.Transition)
		assert.Equal(t, domain.RunFinished, u.State)
	case <-time.After(time.Second):
		t.Fatal("expected transition update to bypass the rate limit")
	}
}

func TestHub_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := broadcast.New(time.Millisecond, nil, nil)
	_, unsubscribe := b.Hub().Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 64; i++ {
			b.NotifyProgress(&domain.Run{ID: "run-1"}, true)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber buffer")
	}
}

func TestSubscriber_StreamsUpdatesOverWebSocket(t *testing.T) {
	b := broadcast.New(time.Hour, nil, nil)
	sub := broadcast.NewSubscriber(b.Hub(), nil)

	srv := httptest.NewServer(sub)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// give the server goroutine time to register the subscription
	time.Sleep(50 * time.Millisecond)
	b.NotifyProgress(&domain.Run{ID: "run-1", ItemsCount: 5}, true)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got broadcast.Update
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, int64(5), got.ItemsCount)
}
