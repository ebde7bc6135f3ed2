package viewer

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/huddle/internal/feed"
)

type fixedSource struct{}

func (fixedSource) Messages() []feed.View {
	return []feed.View{
		{Key: "k1", Name: "Ann", Lines: []string{"first line", "second <b>line</b>"}},
		{Key: "k2", Name: "Bob", IsImage: true, ImageURL: "https://example.com/cat.png"},
	}
}

func (fixedSource) People() []Person {
	return []Person{
		{UID: "u1", Name: "Ann", Self: true},
		{UID: "u2", Name: "Bob", PeerID: "p2", Action: "call"},
	}
}

func (fixedSource) Status() string { return "online" }

func newServer(t *testing.T, events *EventBuffer) *httptest.Server {
	t.Helper()
	h, err := Viewer{Source: fixedSource{}, Events: events}.Handler()
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestPageRendersFeed(t *testing.T) {
	srv := newServer(t, nil)
	resp, body := get(t, srv.URL+"/")

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Cache-Control"), "no-store")
	assert.Contains(t, body, "first line<br>")
	assert.NotContains(t, body, "<b>line</b>")
	assert.Contains(t, body, "https://example.com/cat.png")
	assert.Contains(t, body, "(you)")
	assert.False(t, strings.Contains(body, "\n  <main>"), "page should be minified")
}

func TestRosterJSON(t *testing.T) {
	srv := newServer(t, nil)
	_, body := get(t, srv.URL+"/roster.json")

	var people []Person
	require.NoError(t, json.Unmarshal([]byte(body), &people))
	require.Len(t, people, 2)
	assert.Equal(t, "call", people[1].Action)
}

func TestUnknownPathIsNotFound(t *testing.T) {
	srv := newServer(t, nil)
	resp, _ := get(t, srv.URL+"/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsSnapshot(t *testing.T) {
	events := NewEventBuffer(2)
	events.Add("one")
	events.Add("two")
	events.Add("three")

	srv := newServer(t, events)
	_, body := get(t, srv.URL+"/api/events")

	var got []Event
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[0].Msg)
	assert.Equal(t, "three", got[1].Msg)
}

func TestEventsSubscribe(t *testing.T) {
	events := NewEventBuffer(10)
	ch, cancel := events.Subscribe()
	events.Add("ring")
	e := <-ch
	assert.Equal(t, "ring", e.Msg)
	cancel()
	_, open := <-ch
	assert.False(t, open)
}
