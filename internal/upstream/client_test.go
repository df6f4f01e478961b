package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPostStreaming_IdleTimeoutSeversHungStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\n")
		flusher.Flush()
		// Go silent until the client severs the connection.
		<-r.Context().Done()
	}))
	defer server.Close()

	client := New(server.URL, time.Second, 300*time.Millisecond)
	defer client.Close()

	stream, err := client.PostStreaming(context.Background(), "/chat/completions", []byte(`{}`), nil)
	if err != nil {
		t.Fatalf("PostStreaming: %v", err)
	}
	defer func() { _ = stream.Body.Close() }()
	if stream.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", stream.StatusCode)
	}

	buf := make([]byte, 1024)
	n, err := stream.Body.Read(buf)
	if err != nil || n == 0 {
		t.Fatalf("first read: n=%d err=%v", n, err)
	}

	start := time.Now()
	for err == nil {
		_, err = stream.Body.Read(buf)
	}
	if errors.Is(err, io.EOF) {
		t.Fatal("hung stream ended with EOF, want an idle-timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("read blocked %s before the idle timeout fired", elapsed)
	}
}

func TestPostStreaming_ActiveStreamOutlivesIdleWindow(t *testing.T) {
	frames := 5
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < frames; i++ {
			_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
			flusher.Flush()
			time.Sleep(80 * time.Millisecond)
		}
	}))
	defer server.Close()

	// Total stream duration exceeds the idle window; per-frame gaps do not.
	client := New(server.URL, time.Second, 200*time.Millisecond)
	defer client.Close()

	stream, err := client.PostStreaming(context.Background(), "/chat/completions", []byte(`{}`), nil)
	if err != nil {
		t.Fatalf("PostStreaming: %v", err)
	}
	defer func() { _ = stream.Body.Close() }()

	data, err := io.ReadAll(stream.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if got := len(data); got == 0 {
		t.Fatal("no bytes read from active stream")
	}
}

func TestDo_NegotiatesEncodingExplicitly(t *testing.T) {
	var gotAcceptEncoding string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAcceptEncoding = r.Header.Get("Accept-Encoding")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := New(server.URL, time.Second, time.Second)
	defer client.Close()

	if _, err := client.PostBuffered(context.Background(), "/chat/completions", []byte(`{}`), nil); err != nil {
		t.Fatalf("PostBuffered: %v", err)
	}
	if gotAcceptEncoding != "gzip, br" {
		t.Fatalf("Accept-Encoding=%q", gotAcceptEncoding)
	}
}
