package pty

import "testing"

func TestTitleScanOSCZeroWithBEL(t *testing.T) {
	var sc titleScanner
	title, ok := sc.Scan([]byte("before\x1b]0;my shell\x07after"))
	if !ok || title != "my shell" {
		t.Fatalf("expected title %q, got %q (ok=%v)", "my shell", title, ok)
	}
}

func TestTitleScanOSCTwoWithST(t *testing.T) {
	var sc titleScanner
	title, ok := sc.Scan([]byte("\x1b]2;vim notes.md\x1b\\"))
	if !ok || title != "vim notes.md" {
		t.Fatalf("expected title %q, got %q (ok=%v)", "vim notes.md", title, ok)
	}
}

func TestTitleScanIgnoresOtherCodes(t *testing.T) {
	var sc titleScanner
	// OSC 8 is a hyperlink; it must not become the session name.
	title, ok := sc.Scan([]byte("\x1b]8;;http://example.com\x07link\x1b]8;;\x07"))
	if ok {
		t.Fatalf("expected no title, got %q", title)
	}
}

func TestTitleScanLastOfManyWins(t *testing.T) {
	var sc titleScanner
	title, ok := sc.Scan([]byte("\x1b]0;first\x07\x1b]2;second\x07"))
	if !ok || title != "second" {
		t.Fatalf("expected %q, got %q (ok=%v)", "second", title, ok)
	}
}

func TestTitleScanSplitAcrossReads(t *testing.T) {
	var sc titleScanner

	if title, ok := sc.Scan([]byte("output\x1b]0;half")); ok {
		t.Fatalf("incomplete sequence should not yield a title, got %q", title)
	}
	title, ok := sc.Scan([]byte("-done\x07more output"))
	if !ok || title != "half-done" {
		t.Fatalf("expected %q, got %q (ok=%v)", "half-done", title, ok)
	}
}

func TestTitleScanSplitHeader(t *testing.T) {
	var sc titleScanner

	if _, ok := sc.Scan([]byte("\x1b]")); ok {
		t.Fatal("bare OSC introducer should not yield a title")
	}
	title, ok := sc.Scan([]byte("0;late\x07"))
	if !ok || title != "late" {
		t.Fatalf("expected %q, got %q (ok=%v)", "late", title, ok)
	}
}

func TestTitleScanDropsControlBytes(t *testing.T) {
	var sc titleScanner
	title, ok := sc.Scan([]byte("\x1b]0;evil\x01\x02name\x07"))
	if !ok || title != "evilname" {
		t.Fatalf("expected sanitized %q, got %q (ok=%v)", "evilname", title, ok)
	}
}

func TestTitleScanGivesUpOnHugeUnterminatedSequence(t *testing.T) {
	var sc titleScanner

	chunk := make([]byte, maxPendingOSC+64)
	for i := range chunk {
		chunk[i] = 'a'
	}
	copy(chunk, "\x1b]0;")
	if _, ok := sc.Scan(chunk); ok {
		t.Fatal("unterminated sequence should not yield a title")
	}
	if len(sc.pending) != 0 {
		t.Fatalf("oversized pending tail should be discarded, kept %d bytes", len(sc.pending))
	}

	// A later terminator must not resurrect the discarded sequence.
	if title, ok := sc.Scan([]byte("bb\x07")); ok {
		t.Fatalf("expected no title after discard, got %q", title)
	}
}
