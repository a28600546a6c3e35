package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"onboarding-agent/internal/domain"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func completedProfile() domain.ConversationProfile {
	at := testNow.Add(-time.Minute)
	return domain.ConversationProfile{
		ConversationID: "conv-1",
		Step:           domain.StepCompleted,
		Name:           "Ana",
		Email:          "ana@example.com",
		IsConfirmed:    true,
		CompletedAt:    &at,
	}
}

func TestNewWebhook_Validation(t *testing.T) {
	for _, u := range []string{"", "not a url", "ftp://x/y", "http://"} {
		_, err := NewWebhook(u, EventProfileCompleted)
		require.Error(t, err, u)
	}
	_, err := NewWebhook("https://hooks.example.com/x", " ")
	require.ErrorContains(t, err, "event")

	w, err := NewWebhook(" https://hooks.example.com/x ", EventMatchRequested)
	require.NoError(t, err)
	require.Equal(t, EventMatchRequested, w.Event())
}

func TestWebhook_Send(t *testing.T) {
	origUUID := newUUID
	newUUID = func() string { return "delivery-1" }
	t.Cleanup(func() { newUUID = origUUID })

	var got payload
	var sig, delivery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		sig = r.Header.Get(SignatureHeader)
		delivery = r.Header.Get(DeliveryHeader)
		require.Equal(t, Sign([]byte("shh"), body), sig)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	w, err := NewWebhook(srv.URL, EventProfileCompleted, WithSecret("shh"), WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	require.NoError(t, w.Send(context.Background(), completedProfile()))

	require.Equal(t, EventProfileCompleted, got.Event)
	require.Equal(t, "conv-1", got.ConversationID)
	require.Equal(t, "conv-1", got.PrimaryID)
	require.Equal(t, "ana@example.com", got.Profile.Email)
	require.True(t, got.SentAt.Equal(testNow))
	require.Equal(t, "delivery-1", delivery)
	require.Contains(t, sig, "sha256=")
}

func TestWebhook_Send_LinkedPrimaryNoSecret(t *testing.T) {
	var got payload
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		sig = r.Header.Get(SignatureHeader)
	}))
	defer srv.Close()

	w, err := NewWebhook(srv.URL, EventMatchRequested)
	require.NoError(t, err)
	p := completedProfile()
	p.LinkedPrimaryUserID = "conv-0"
	require.NoError(t, w.Send(context.Background(), p))
	require.Equal(t, "conv-0", got.PrimaryID)
	require.Empty(t, sig)
}

func TestWebhook_Send_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	}))
	defer srv.Close()

	w, err := NewWebhook(srv.URL, EventProfileCompleted)
	require.NoError(t, err)
	err = w.Send(context.Background(), completedProfile())
	require.ErrorContains(t, err, "unexpected status 503: down")

	err = w.Send(context.Background(), domain.ConversationProfile{ConversationID: "c", Step: domain.StepAskName})
	require.ErrorContains(t, err, "not completed")

	w, err = NewWebhook("http://127.0.0.1:1/hook", EventProfileCompleted, WithHTTPClient(&http.Client{Timeout: 100 * time.Millisecond}))
	require.NoError(t, err)
	err = w.Send(context.Background(), completedProfile())
	require.ErrorContains(t, err, "request failed")
}

func TestSign(t *testing.T) {
	require.Equal(t,
		"sha256=f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8",
		Sign([]byte("key"), []byte("The quick brown fox jumps over the lazy dog")))
}
