package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBuildMessage_IncludesHeaderFieldsDividerAndItems(t *testing.T) {
	msg := BuildMessage("New activity in o/r", map[string]string{"repo": "o/r"}, []Activity{
		{Title: "fix bug", URL: "https://example.com/1", Author: "alice", Kind: "issue"},
	})

	if msg.Blocks[0].Type != "header" || msg.Blocks[0].Text != "New activity in o/r" {
		t.Errorf("expected header block first, got %+v", msg.Blocks[0])
	}
	var sawFields, sawDivider, sawItem bool
	for _, b := range msg.Blocks {
		switch b.Type {
		case "fields":
			sawFields = true
		case "divider":
			sawDivider = true
		case "item":
			sawItem = true
		}
	}
	if !sawFields || !sawDivider || !sawItem {
		t.Errorf("expected fields, divider, and item blocks, got %+v", msg.Blocks)
	}
}

func TestSend_PostsJSONAndSucceedsOn200(t *testing.T) {
	var gotBody Message
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s := New()
	msg := BuildMessage("title", nil, nil)
	if err := s.Send(context.Background(), server.URL, msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotBody.Text != "title" {
		t.Errorf("gotBody.Text = %q, want title", gotBody.Text)
	}
}

func TestSend_FailsOnNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	s := New()
	if err := s.Send(context.Background(), server.URL, BuildMessage("t", nil, nil)); err == nil {
		t.Error("expected error on 500 response")
	}
}

func TestSend_RejectsEmptyURL(t *testing.T) {
	s := New()
	if err := s.Send(context.Background(), "", BuildMessage("t", nil, nil)); err == nil {
		t.Error("expected error for empty webhook URL")
	}
}
