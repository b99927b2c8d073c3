package stream

import (
	"log/slog"
	"os"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// collect builds a parser that appends events and parse errors to slices.
func collect(t *testing.T, streamDeltas bool) (*Parser, *[]Event, *[]*ParseError) {
	t.Helper()
	var events []Event
	var errs []*ParseError
	p := NewParser(Config{
		StreamDeltas: streamDeltas,
		OnEvent:      func(ev Event) { events = append(events, ev) },
		OnParseError: func(pe *ParseError) { errs = append(errs, pe) },
		Logger:       testLogger(),
	})
	return p, &events, &errs
}

func TestFeed_CompleteLines(t *testing.T) {
	p, events, _ := collect(t, true)

	p.Feed([]byte(`{"type":"system","subtype":"init","session_id":"abc","model":"opus","tools":["Bash","Edit"]}` + "\n"))
	p.Feed([]byte(`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"hello"}}}` + "\n"))

	if len(*events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(*events))
	}
	init := (*events)[0]
	if init.Type != EventInit {
		t.Errorf("expected init event, got %s", init.Type)
	}
	if init.SessionID != "abc" || init.Model != "opus" {
		t.Errorf("init fields = %q/%q, want abc/opus", init.SessionID, init.Model)
	}
	if len(init.Tools) != 2 {
		t.Errorf("expected 2 tools, got %d", len(init.Tools))
	}
	delta := (*events)[1]
	if delta.Type != EventDelta || delta.Text != "hello" {
		t.Errorf("delta = %+v, want text_delta 'hello'", delta)
	}
}

func TestFeed_SplitAcrossChunks(t *testing.T) {
	line := `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"split"}}}` + "\n"

	// Feed the same line one byte at a time and all at once; the decoded
	// event sequences must be identical.
	pWhole, wholeEvents, _ := collect(t, true)
	pWhole.Feed([]byte(line))

	pSplit, splitEvents, _ := collect(t, true)
	for i := 0; i < len(line); i++ {
		pSplit.Feed([]byte{line[i]})
	}

	if len(*wholeEvents) != 1 || len(*splitEvents) != 1 {
		t.Fatalf("expected 1 event each, got %d and %d", len(*wholeEvents), len(*splitEvents))
	}
	if (*wholeEvents)[0].Text != (*splitEvents)[0].Text {
		t.Errorf("split feed produced %q, whole feed produced %q", (*splitEvents)[0].Text, (*wholeEvents)[0].Text)
	}
}

func TestFeed_MultipleLinesOneChunk(t *testing.T) {
	p, events, _ := collect(t, true)

	chunk := `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"a"}}}` + "\n" +
		`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"b"}}}` + "\n" +
		`{"type":"result","subtype":"success","result":"done","num_turns":1,"duration_ms":1200}` + "\n"
	p.Feed([]byte(chunk))

	if len(*events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(*events))
	}
	if (*events)[0].Text != "a" || (*events)[1].Text != "b" {
		t.Errorf("delta order wrong: %q, %q", (*events)[0].Text, (*events)[1].Text)
	}
	res := (*events)[2]
	if res.Type != EventTurnResult || res.Result != "done" || res.DurationMs != 1200 {
		t.Errorf("result = %+v", res)
	}
}

func TestFeed_PartialNotEmittedUntilNewline(t *testing.T) {
	p, events, _ := collect(t, true)

	p.Feed([]byte(`{"type":"result","result":"pend`))
	if len(*events) != 0 {
		t.Fatalf("partial line should not emit events, got %d", len(*events))
	}

	p.Feed([]byte(`ing"}` + "\n"))
	if len(*events) != 1 {
		t.Fatalf("expected 1 event after completion, got %d", len(*events))
	}
	if (*events)[0].Result != "pending" {
		t.Errorf("result = %q, want 'pending'", (*events)[0].Result)
	}
}

func TestFlush_DrainsPartialBuffer(t *testing.T) {
	p, events, _ := collect(t, true)

	p.Feed([]byte(`{"type":"result","result":"no trailing newline"}`))
	if len(*events) != 0 {
		t.Fatalf("expected no events before flush, got %d", len(*events))
	}

	p.Flush()
	if len(*events) != 1 {
		t.Fatalf("expected 1 event after flush, got %d", len(*events))
	}
	if (*events)[0].Result != "no trailing newline" {
		t.Errorf("result = %q", (*events)[0].Result)
	}

	// Flushing an empty buffer is a no-op.
	p.Flush()
	if len(*events) != 1 {
		t.Errorf("second flush should be a no-op, got %d events", len(*events))
	}
}

func TestReset_DiscardsPartial(t *testing.T) {
	p, events, errs := collect(t, true)

	p.Feed([]byte(`{"type":"result","resu`))
	p.Reset()
	p.Feed([]byte(`{"type":"result","result":"fresh"}` + "\n"))

	if len(*errs) != 0 {
		t.Fatalf("expected no parse errors after reset, got %d", len(*errs))
	}
	if len(*events) != 1 || (*events)[0].Result != "fresh" {
		t.Fatalf("expected single 'fresh' result, got %+v", *events)
	}
}

func TestFeed_MalformedLineContinues(t *testing.T) {
	p, events, errs := collect(t, true)

	p.Feed([]byte("{not valid json\n"))
	p.Feed([]byte(`{"type":"result","result":"ok"}` + "\n"))

	if len(*errs) != 1 {
		t.Fatalf("expected 1 parse error, got %d", len(*errs))
	}
	if !strings.Contains((*errs)[0].Line, "{not valid json") {
		t.Errorf("parse error should carry the line, got %q", (*errs)[0].Line)
	}
	if len(*events) != 1 || (*events)[0].Result != "ok" {
		t.Fatalf("parsing should continue after a bad line, got %+v", *events)
	}
}

func TestFeed_NonJSONLinesReported(t *testing.T) {
	p, events, errs := collect(t, true)

	p.Feed([]byte("Some informational output\n"))
	p.Feed([]byte(`{"type":"result","result":"ok"}` + "\n"))

	if len(*errs) != 1 {
		t.Fatalf("expected plain-text line reported as a parse error, got %d", len(*errs))
	}
	if !strings.Contains((*errs)[0].Line, "Some informational output") {
		t.Errorf("parse error should carry the line, got %q", (*errs)[0].Line)
	}
	if len(*events) != 1 || (*events)[0].Result != "ok" {
		t.Fatalf("parsing should continue after a plain-text line, got %+v", *events)
	}
}

func TestFeed_BlankLinesSkippedQuietly(t *testing.T) {
	p, events, errs := collect(t, true)

	p.Feed([]byte("\n"))
	p.Feed([]byte("   \n"))

	if len(*events) != 0 {
		t.Errorf("expected no events, got %d", len(*events))
	}
	if len(*errs) != 0 {
		t.Errorf("blank lines are not parse errors, got %d", len(*errs))
	}
}

func TestParseError_Unwrap(t *testing.T) {
	p, _, errs := collect(t, true)
	p.Feed([]byte("{bad\n"))

	if len(*errs) != 1 {
		t.Fatalf("expected 1 parse error, got %d", len(*errs))
	}
	pe := (*errs)[0]
	if pe.Unwrap() == nil {
		t.Error("ParseError should wrap the underlying decode error")
	}
	if !strings.Contains(pe.Error(), "parse stream line") {
		t.Errorf("unexpected error string: %q", pe.Error())
	}
}
