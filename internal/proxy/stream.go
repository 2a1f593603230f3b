package proxy

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/driftwatch/driftwatch/internal/adapter"
	"github.com/driftwatch/driftwatch/internal/logger"
)

// streamOutcome is the result of relaying (or swallowing) one SSE response.
type streamOutcome struct {
	// intercepted means the stream opened with the internal tool and was
	// not delivered to the client.
	intercepted bool
	// events holds every parsed SSE event, for response reassembly.
	events []adapter.StreamEvent
	// clientGone means the client disconnected mid-relay.
	clientGone bool
}

// sseParser incrementally splits raw SSE bytes into events. Lines that do
// not parse are ignored for event purposes but still relayed raw.
type sseParser struct {
	eventName string
	dataLines []string
	events    []adapter.StreamEvent
}

// feedLine consumes one line without its trailing newline.
func (p *sseParser) feedLine(line string) {
	switch {
	case line == "":
		p.flush()
	case strings.HasPrefix(line, "event:"):
		p.eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
	case strings.HasPrefix(line, "data:"):
		p.dataLines = append(p.dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
	}
	// Comments and unknown fields fall through.
}

func (p *sseParser) flush() {
	if p.eventName == "" && len(p.dataLines) == 0 {
		return
	}
	data := strings.Join(p.dataLines, "\n")
	if data != "[DONE]" {
		p.events = append(p.events, adapter.StreamEvent{
			Name: p.eventName,
			Data: []byte(data),
		})
	}
	p.eventName = ""
	p.dataLines = nil
}

// relayStream relays an SSE response to the client byte-identically, except
// when the stream opens with the configured internal tool: then the whole
// stream is swallowed for interception and nothing reaches the client.
//
// Events are held back until the adapter can classify the response shape.
// Once a non-internal shape is decided, the held bytes are flushed and
// relay continues as bytes arrive. The full event list is collected either
// way so the capture pipeline can reassemble the response.
func relayStream(w http.ResponseWriter, resp *http.Response, ad adapter.Adapter, internalTool string) streamOutcome {
	outcome := streamOutcome{}
	parser := &sseParser{}

	flusher, _ := w.(http.Flusher)
	reader := bufio.NewReader(resp.Body)

	var held bytes.Buffer
	decided := false
	writeFailed := false

	startRelay := func() {
		copyResponseHeaders(w.Header(), resp.Header)
		ad.FilterResponseHeaders(w.Header())
		w.WriteHeader(resp.StatusCode)
		if held.Len() > 0 {
			if _, err := w.Write(held.Bytes()); err != nil {
				writeFailed = true
				return
			}
		}
		if flusher != nil {
			flusher.Flush()
		}
		held.Reset()
	}

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := strings.TrimRight(string(line), "\r\n")
			parser.feedLine(trimmed)

			if !decided {
				held.Write(line)
				for _, ev := range parser.events[len(outcome.events):] {
					sig := ad.ClassifyStreamEvent(ev, internalTool)
					if sig.Decisive {
						decided = true
						outcome.intercepted = sig.InternalTool
						break
					}
				}
				outcome.events = parser.events
				if decided && !outcome.intercepted {
					startRelay()
				}
			} else if !outcome.intercepted && !writeFailed {
				if _, werr := w.Write(line); werr != nil {
					writeFailed = true
				} else if flusher != nil {
					flusher.Flush()
				}
			}
		}

		if err != nil {
			if err != io.EOF {
				logger.Debug().Err(err).Msg("Upstream stream read error")
			}
			break
		}
	}

	parser.flush()
	outcome.events = parser.events

	// Upstream ended before the adapter could decide: flush what we held
	// so the client still gets the raw bytes.
	if !decided && !outcome.intercepted {
		startRelay()
	}

	outcome.clientGone = writeFailed
	return outcome
}
