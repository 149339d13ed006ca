package channels

import (
	"strings"
	"testing"
)

func TestSplitMessage_ShortText(t *testing.T) {
	chunks := SplitMessage("Hello, world!", 100)

	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0] != "Hello, world!" {
		t.Errorf("expected %q, got %q", "Hello, world!", chunks[0])
	}
}

func TestSplitMessage_EmptyText(t *testing.T) {
	chunks := SplitMessage("", 100)

	if chunks != nil {
		t.Errorf("expected nil for empty text, got %v", chunks)
	}
}

func TestSplitMessage_ParagraphBreak(t *testing.T) {
	text := "First paragraph here.\n\nSecond paragraph here."

	chunks := SplitMessage(text, 30)

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %v", len(chunks), chunks)
	}
	if chunks[0] != "First paragraph here." {
		t.Errorf("first chunk = %q", chunks[0])
	}
	if chunks[1] != "Second paragraph here." {
		t.Errorf("second chunk = %q", chunks[1])
	}
}

func TestSplitMessage_SentenceBreak(t *testing.T) {
	text := "First sentence here. Second sentence here."

	chunks := SplitMessage(text, 40)

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %v", len(chunks), chunks)
	}
	if chunks[0] != "First sentence here." {
		t.Errorf("first chunk = %q", chunks[0])
	}
}

func TestSplitMessage_NewlineBreak(t *testing.T) {
	text := "Line one here\nLine two here\nLine three"

	chunks := SplitMessage(text, 30)

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %v", len(chunks), chunks)
	}
	if chunks[0] != "Line one here\nLine two here" {
		t.Errorf("first chunk = %q", chunks[0])
	}
}

func TestSplitMessage_WordBreak(t *testing.T) {
	chunks := SplitMessage("Hello world test", 15)

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %v", len(chunks), chunks)
	}
	if chunks[0] != "Hello world" {
		t.Errorf("first chunk = %q", chunks[0])
	}
}

func TestSplitMessage_HardBreak(t *testing.T) {
	chunks := SplitMessage("abcdefghijklmnop", 10)

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %v", len(chunks), chunks)
	}
	if len(chunks[0]) != 10 {
		t.Errorf("first chunk length = %d, expected 10", len(chunks[0]))
	}
}

func TestSplitMessage_RespectsLimit(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog. ", 20)

	chunks := SplitMessage(text, 100)

	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if len(chunk) > 100 {
			t.Errorf("chunk %d exceeds limit: %d bytes", i, len(chunk))
		}
		if chunk == "" {
			t.Errorf("chunk %d is empty", i)
		}
	}
}
