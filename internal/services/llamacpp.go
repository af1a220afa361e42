package services

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/llama-relay/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
	"github.com/tmaxmax/go-sse"
)

const (
	llamaCPPChatPath = "/v1/chat/completions"
	doneRecord       = "[DONE]"

	maxEventSize     = 1 << 20
	maxErrorBodySize = 4 << 10
)

// ErrIncompleteStream is yielded when the backend closes the stream without signalling its end.
var ErrIncompleteStream = errors.New("stream ended before the backend finished the reply")

// LlamaCPP streams chat completions from the OpenAI-compatible endpoint of a llama.cpp server.
type LlamaCPP struct {
	endpoint string

	client *http.Client

	logger *slog.Logger
}

type llamaCPPChatRequest struct {
	Messages []goopenai.ChatCompletionMessage `json:"messages"`
	Stream   bool                             `json:"stream"`
}

// NewLlamaCPP creates a LlamaCPP client for the server at baseURL, e.g. "http://127.0.0.1:8080".
// Requests carry no timeout: a reply streams for as long as the backend keeps generating.
func NewLlamaCPP(baseURL string, logger *slog.Logger) LlamaCPP {
	return LlamaCPP{
		endpoint: strings.TrimRight(baseURL, "/") + llamaCPPChatPath,
		client:   &http.Client{},
		logger:   logger.With(slog.String("module", "llamacpp")),
	}
}

// Endpoint returns the chat completions URL this client posts to.
func (l LlamaCPP) Endpoint() string {
	return l.endpoint
}

// Chat sends the whole conversation to the backend and returns an iterator over the reply fragments,
// in the order the backend produced them. The iterator can be ranged over once.
//
// A request that cannot be established yields a *ConnectError. Records the adapter cannot understand
// are dropped and the stream continues. A transport failure in the middle of the stream is yielded as
// an error after the fragments received so far. Cancelling ctx ends the iteration without an error.
func (l LlamaCPP) Chat(ctx context.Context, messages []models.ChatMessage) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		resp, err := l.doRequest(ctx, messages)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", err)
			return
		}
		defer resp.Body.Close()

		body := newRecordReader(resp.Body, maxEventSize, l.logger)

		finished := false
		for ev, err := range sse.Read(body, &sse.ReadConfig{MaxEventSize: 2 * maxEventSize}) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}

			// Consecutive data lines without a blank line between them arrive as a single event; every
			// line is a record of its own.
			for _, record := range strings.Split(ev.Data, "\n") {
				if strings.TrimSpace(record) == doneRecord {
					return
				}

				fragment, last, ok := l.parseRecord(record)
				if !ok {
					continue
				}
				finished = finished || last
				if fragment == "" {
					continue
				}
				if !yield(fragment, nil) {
					return
				}
			}
		}

		if ctx.Err() != nil {
			return
		}
		if !finished {
			yield("", ErrIncompleteStream)
		}
	}
}

// recordReader sits between the response body and the SSE parser. It drops any line that would grow an
// event past maxSize, so a single oversized record cannot end the stream, and terminates a last line the
// backend left without a newline. Blank lines outside an event are dropped.
type recordReader struct {
	r       *bufio.Reader
	maxSize int
	logger  *slog.Logger

	out       []byte
	line      []byte
	eventSize int
	skipping  bool
	err       error
}

func newRecordReader(r io.Reader, maxSize int, logger *slog.Logger) *recordReader {
	return &recordReader{
		r:       bufio.NewReader(r),
		maxSize: maxSize,
		logger:  logger,
	}
}

func (rr *recordReader) Read(p []byte) (int, error) {
	for len(rr.out) == 0 && rr.err == nil {
		rr.fill()
	}
	if len(rr.out) > 0 {
		n := copy(p, rr.out)
		rr.out = rr.out[n:]
		return n, nil
	}
	return 0, rr.err
}

func (rr *recordReader) fill() {
	chunk, err := rr.r.ReadSlice('\n')
	if !rr.skipping {
		if rr.eventSize+len(rr.line)+len(chunk) > rr.maxSize {
			rr.logger.Debug("Dropping oversized record", slog.Int("limit", rr.maxSize))
			rr.skipping = true
			rr.line = rr.line[:0]
		} else {
			rr.line = append(rr.line, chunk...)
		}
	}

	switch {
	case err == nil:
		if rr.skipping {
			rr.skipping = false
			return
		}
		rr.emitLine()
	case errors.Is(err, bufio.ErrBufferFull):
	case errors.Is(err, io.EOF):
		if !rr.skipping && len(rr.line) > 0 {
			rr.line = append(rr.line, '\n')
			rr.emitLine()
		}
		if rr.eventSize > 0 {
			rr.out = append(rr.out, '\n')
			rr.eventSize = 0
		}
		rr.err = io.EOF
	default:
		rr.err = err
	}
}

func (rr *recordReader) emitLine() {
	blank := len(bytes.TrimRight(rr.line, "\r\n")) == 0
	switch {
	case blank && rr.eventSize == 0:
	case blank:
		rr.out = append(rr.out, rr.line...)
		rr.eventSize = 0
	default:
		rr.out = append(rr.out, rr.line...)
		rr.eventSize += len(rr.line)
	}
	rr.line = rr.line[:0]
}

// parseRecord extracts the content delta of a single record. ok is false for records that are not
// valid chunks; last is true when the chunk carries a finish reason.
func (l LlamaCPP) parseRecord(record string) (fragment string, last bool, ok bool) {
	var res goopenai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(record), &res); err != nil {
		l.logger.Debug("Dropping malformed record",
			slog.String("record", record),
			slog.String(errLoggerKey, err.Error()))
		return "", false, false
	}

	if len(res.Choices) == 0 {
		return "", false, true
	}
	choice := res.Choices[0]
	last = choice.FinishReason != "" && choice.FinishReason != goopenai.FinishReasonNull

	return choice.Delta.Content, last, true
}

func (l LlamaCPP) doRequest(ctx context.Context, messages []models.ChatMessage) (*http.Response, error) {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    msg.Role.UpstreamRole(),
			Content: msg.Content,
		})
	}

	jsonBody, err := json.Marshal(llamaCPPChatRequest{
		Messages: msgs,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	l.logger.Debug("Request Body", slog.String("body", string(jsonBody)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := l.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ConnectError{URL: l.endpoint, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, &ConnectError{
			URL:        l.endpoint,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(body))),
		}
	}

	return resp, nil
}
