package translate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// lineBuffer splits an incoming byte stream into complete lines, carrying any
// trailing partial line forward to the next call. This is the core of every
// stream decoder: a network chunk may end anywhere, including mid-delimiter.
type lineBuffer struct {
	rem []byte
}

// feed appends p and returns all complete lines (without trailing \r\n).
// Returned slices are copies and remain valid after subsequent calls.
func (b *lineBuffer) feed(p []byte) [][]byte {
	b.rem = append(b.rem, p...)

	var lines [][]byte
	for {
		i := bytes.IndexByte(b.rem, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimRight(b.rem[:i], "\r")
		lines = append(lines, append([]byte(nil), line...))
		b.rem = b.rem[i+1:]
	}
	return lines
}

// rest returns the buffered partial line, if any.
func (b *lineBuffer) rest() []byte {
	if len(b.rem) == 0 {
		return nil
	}
	return bytes.TrimRight(b.rem, "\r")
}

// sseEvent is one assembled server-sent event.
type sseEvent struct {
	Event string
	Data  []byte
}

// sseAssembler groups SSE lines into events. An event is dispatched on the
// first blank line following at least one data line. Multi-line data is
// joined with \n per the SSE spec.
type sseAssembler struct {
	event string
	data  [][]byte
}

// feedLine consumes one line and returns a complete event when the line
// terminates one.
func (a *sseAssembler) feedLine(line []byte) (*sseEvent, bool) {
	if len(line) == 0 {
		if len(a.data) == 0 {
			a.event = ""
			return nil, false
		}
		ev := &sseEvent{Event: a.event, Data: bytes.Join(a.data, []byte("\n"))}
		a.event = ""
		a.data = nil
		return ev, true
	}

	switch {
	case bytes.HasPrefix(line, []byte("data:")):
		a.data = append(a.data, bytes.TrimSpace(line[len("data:"):]))
	case bytes.HasPrefix(line, []byte("event:")):
		a.event = string(bytes.TrimSpace(line[len("event:"):]))
	case bytes.HasPrefix(line, []byte(":")):
		// comment line, ignored
	}
	return nil, false
}

// flush returns the event buffered at end of stream, if the vendor omitted
// the final blank line.
func (a *sseAssembler) flush() (*sseEvent, bool) {
	if len(a.data) == 0 {
		return nil, false
	}
	ev := &sseEvent{Event: a.event, Data: bytes.Join(a.data, []byte("\n"))}
	a.event = ""
	a.data = nil
	return ev, true
}

// doneSentinel is the canonical SSE stream terminator payload.
var doneSentinel = []byte("[DONE]")

// streamChunk is the canonical SSE chunk shape written to clients
// (OpenAI chat.completion.chunk compatible).
type streamChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model,omitempty"`
	Choices []chunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// FrameWriter renders canonical frames as client-facing SSE
// (`data: {...}\n\n`, terminated by `data: [DONE]\n\n`). It guarantees
// exactly one terminator per stream.
type FrameWriter struct {
	w        io.Writer
	chatID   string
	model    string
	created  int64
	doneSent bool
}

// NewFrameWriter returns a FrameWriter that stamps every chunk with the
// given chat completion ID and model.
func NewFrameWriter(w io.Writer, chatID, model string) *FrameWriter {
	return &FrameWriter{w: w, chatID: chatID, model: model, created: time.Now().Unix()}
}

// Write renders one frame. Done frames emit the [DONE] terminator.
func (fw *FrameWriter) Write(f Frame) error {
	if f.Done {
		return fw.WriteDone()
	}

	chunk := streamChunk{
		ID:      fw.chatID,
		Object:  "chat.completion.chunk",
		Created: fw.created,
		Model:   fw.model,
		Choices: []chunkChoice{{
			Delta: chunkDelta{Role: f.Role, Content: f.Content},
		}},
		Usage: f.Usage,
	}
	if f.FinishReason != "" {
		fr := f.FinishReason
		chunk.Choices[0].FinishReason = &fr
	}

	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("translate: marshal chunk: %w", err)
	}
	_, err = fmt.Fprintf(fw.w, "data: %s\n\n", data)
	return err
}

// WriteDone emits the stream terminator once; repeat calls are no-ops.
func (fw *FrameWriter) WriteDone() error {
	if fw.doneSent {
		return nil
	}
	fw.doneSent = true
	_, err := io.WriteString(fw.w, "data: [DONE]\n\n")
	return err
}
