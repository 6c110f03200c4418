package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/taskhub/taskhub/internal/store"
)

func succeededRun() *store.Run {
	start := time.Now().Add(-2 * time.Second)
	finish := time.Now()
	exit := 0
	return &store.Run{
		RunID:      "r-test",
		TaskID:     "build",
		Status:     store.RunSucceeded,
		StartedAt:  &start,
		FinishedAt: &finish,
		ExitCode:   &exit,
	}
}

func TestNotifyFinishedPostsToBothConfiguredChannels(t *testing.T) {
	t.Parallel()

	var gotDiscord, gotSlack map[string]any
	discordSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotDiscord)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer discordSrv.Close()
	slackSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotSlack)
		w.WriteHeader(http.StatusOK)
	}))
	defer slackSrv.Close()

	n := &Notifier{
		DiscordURL: discordSrv.URL,
		SlackURL:   slackSrv.URL,
		TaskName:   func(taskID string) string { return "Build: " + taskID },
	}

	if errs := n.NotifyFinished(succeededRun()); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}

	if gotDiscord == nil {
		t.Fatalf("expected the Discord server to receive a payload")
	}
	if gotSlack == nil {
		t.Fatalf("expected the Slack server to receive a payload")
	}
}

func TestNotifyFinishedSkipsUnconfiguredChannels(t *testing.T) {
	t.Parallel()

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := &Notifier{DiscordURL: srv.URL}
	if errs := n.NotifyFinished(succeededRun()); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	if !called {
		t.Fatalf("expected the configured Discord endpoint to be called")
	}

	n2 := &Notifier{}
	if errs := n2.NotifyFinished(succeededRun()); len(errs) != 0 {
		t.Fatalf("expected no errors with no channels configured, got %v", errs)
	}
}

func TestNotifyFinishedReportsNonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := &Notifier{DiscordURL: srv.URL}
	errs := n.NotifyFinished(succeededRun())
	if len(errs) != 1 {
		t.Fatalf("expected exactly one error for a failing webhook, got %v", errs)
	}
}
