package capture

import "testing"

func TestStreamAccumulation(t *testing.T) {
	s := NewStreamState()

	if !s.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"He\"}}]}\n")) {
		t.Fatal("first frame should yield content")
	}
	if got := s.Content(); got != "He" {
		t.Fatalf("Content() = %q after first frame, want %q", got, "He")
	}
	if !s.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"llo\"}}]}\n")) {
		t.Fatal("second frame should yield content")
	}
	if s.Feed([]byte("data: [DONE]\n")) {
		t.Fatal("[DONE] sentinel must not yield content")
	}
	s.Finish()

	if got := s.Content(); got != "Hello" {
		t.Fatalf("Content() = %q, want %q", got, "Hello")
	}
	if got := s.DisplayBody(); got != "Hello" {
		t.Fatalf("DisplayBody() = %q, want %q", got, "Hello")
	}
}

func TestStreamFrameSplitAcrossChunks(t *testing.T) {
	s := NewStreamState()

	// One frame arriving in two arbitrary pieces.
	s.Feed([]byte("data: {\"choices\":[{\"del"))
	if s.Content() != "" {
		t.Fatal("partial frame must not yield content yet")
	}
	if !s.Feed([]byte("ta\":{\"content\":\"Hi\"}}]}\n")) {
		t.Fatal("completed frame should yield content")
	}
	if got := s.Content(); got != "Hi" {
		t.Fatalf("Content() = %q, want %q", got, "Hi")
	}
}

func TestStreamMalformedFramesSkipped(t *testing.T) {
	s := NewStreamState()

	s.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n"))
	s.Feed([]byte("data: {not json at all\n"))
	s.Feed([]byte(": sse comment line\n"))
	s.Feed([]byte("data: {\"choices\":[]}\n"))
	s.Feed([]byte("data: {\"choices\":[{\"delta\":{}}]}\n"))
	s.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n"))
	s.Finish()

	if got := s.Content(); got != "ab" {
		t.Fatalf("Content() = %q, want %q", got, "ab")
	}
}

func TestStreamNoContentFallsBackToRaw(t *testing.T) {
	s := NewStreamState()
	s.Feed([]byte("data: {\"object\":\"ping\"}\n"))
	s.Finish()

	if got := s.Content(); got != "" {
		t.Fatalf("Content() = %q, want empty", got)
	}
	want := "data: {\"object\":\"ping\"}\n"
	if got := s.DisplayBody(); got != want {
		t.Fatalf("DisplayBody() = %q, want raw body %q", got, want)
	}
	if got := s.RawBody(); got != want {
		t.Fatalf("RawBody() = %q, want %q", got, want)
	}
}

func TestStreamTrailingFrameWithoutNewline(t *testing.T) {
	s := NewStreamState()
	s.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"tail\"}}]}"))
	if s.Content() != "" {
		t.Fatal("unterminated frame must wait for Finish")
	}
	s.Finish()
	if got := s.Content(); got != "tail" {
		t.Fatalf("Content() = %q, want %q", got, "tail")
	}
}

func TestStreamCRLFFrames(t *testing.T) {
	s := NewStreamState()
	s.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\r\n\r\n"))
	if got := s.Content(); got != "x" {
		t.Fatalf("Content() = %q, want %q", got, "x")
	}
}
