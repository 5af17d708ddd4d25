package notification

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscord(t *testing.T) {
	var got []DiscordMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg DiscordMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		got = append(got, msg)
		if r.URL.Path == "/broken" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := &Discord{ErrorURL: srv.URL + "/error", SuccessURL: srv.URL + "/ok", WarnURL: srv.URL + "/broken"}
	require.NoError(t, d.Error("tile r0c0 failed"))
	require.NoError(t, d.Success("run finished"))
	assert.ErrorContains(t, d.Warn("2 tiles failed"), "400")

	require.Len(t, got, 3)
	assert.Contains(t, got[0].Embeds[0].Description, "tile r0c0 failed")
	assert.Equal(t, colorRed, got[0].Embeds[0].Color)
	assert.Equal(t, "run finished", got[1].Embeds[0].Description)
	assert.Equal(t, colorYellow, got[2].Embeds[0].Color)
}

func TestDiscord_Disabled(t *testing.T) {
	d := &Discord{}
	assert.NoError(t, d.Error("nobody listens"))
	assert.NoError(t, d.Warn("nobody listens"))
}

func TestDiscord_SplitsLongDescription(t *testing.T) {
	var got []DiscordEmbed
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg DiscordMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		got = append(got, msg.Embeds...)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	var failures strings.Builder
	for range 400 {
		failures.WriteString("tile r12c34: process api unavailable: 503 Service Unavailable\n")
	}
	d := &Discord{ErrorURL: srv.URL}
	require.NoError(t, d.Error(failures.String()))

	require.Greater(t, len(got), 1)
	var joined []string
	for i, e := range got {
		assert.LessOrEqual(t, len(e.Description), MaxDescriptionLen)
		assert.True(t, strings.HasSuffix(e.Title, fmt.Sprintf("(%d/%d)", i+1, len(got))), e.Title)
		joined = append(joined, e.Description)
	}
	assert.Equal(t, "An error occurred: "+failures.String(), strings.Join(joined, "\n"))
}

func TestSplitMessage(t *testing.T) {
	assert.Nil(t, SplitMessage("", 10))
	assert.Equal(t, []string{"short"}, SplitMessage("short", 10))
	assert.Equal(t, []string{"line one", "line two", "x"}, SplitMessage("line one\nline two\nx", 9))
	// no line break to cut on
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, SplitMessage("abcdefghij", 4))
	assert.Equal(t, []string{"aé", "éé"}, SplitMessage("aééé", 4))

	long := strings.Repeat("é", 3000)
	for _, part := range SplitMessage(long, MaxDescriptionLen) {
		assert.LessOrEqual(t, len(part), MaxDescriptionLen)
		assert.True(t, utf8.ValidString(part))
	}
}
