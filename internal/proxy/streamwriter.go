package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-bridge/internal/metrics"
	"github.com/nulpointcorp/llm-bridge/internal/providers"
)

// Streaming defaults. Heartbeats keep idle proxies from dropping the client
// connection; the inactivity timeout bounds how long a silent upstream can
// hold a connection open.
const (
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultInactivityTimeout = 60 * time.Second
)

// streamWriter forwards normalized chunks to the client as SSE frames.
type streamWriter struct {
	provider  string
	heartbeat time.Duration
	idle      time.Duration
	metrics   *metrics.Registry
	log       *slog.Logger
}

type streamFrame struct {
	ID           string          `json:"id,omitempty"`
	Model        string          `json:"model,omitempty"`
	Provider     string          `json:"provider,omitempty"`
	ContentDelta string          `json:"content_delta,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Usage        *providers.Usage `json:"usage,omitempty"`
}

type streamErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// serve writes the stream to ctx. Every write failure is treated as a client
// disconnect; the stream is then closed so the upstream request is cancelled.
// Closing is idempotent, so racing timers and disconnects are harmless.
func (sw *streamWriter) serve(ctx *fasthttp.RequestCtx, stream *providers.Stream) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetStatusCode(fasthttp.StatusOK)

	hb := sw.heartbeat
	if hb <= 0 {
		hb = DefaultHeartbeatInterval
	}
	idle := sw.idle
	if idle <= 0 {
		idle = DefaultInactivityTimeout
	}

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer stream.Close()

		start := time.Now()
		outcome := "complete"
		chunks := 0
		defer func() {
			if sw.metrics != nil {
				sw.metrics.ObserveStream(sw.provider, outcome, time.Since(start))
				sw.metrics.AddStreamChunks(sw.provider, chunks)
			}
		}()

		heartbeats := time.NewTicker(hb)
		defer heartbeats.Stop()
		inactivity := time.NewTimer(idle)
		defer inactivity.Stop()

		flush := func() bool {
			if err := w.Flush(); err != nil {
				outcome = "disconnect"
				if sw.metrics != nil {
					sw.metrics.RecordStreamDisconnect(sw.provider)
				}
				sw.log.Debug("stream_client_disconnect",
					slog.String("provider", sw.provider),
					slog.Int("chunks", chunks),
				)
				return false
			}
			return true
		}

		for {
			select {
			case chunk, ok := <-stream.Chunks():
				if !ok {
					fmt.Fprint(w, "data: [DONE]\n\n")
					w.Flush() //nolint:errcheck
					return
				}

				if !inactivity.Stop() {
					select {
					case <-inactivity.C:
					default:
					}
				}
				inactivity.Reset(idle)

				if chunk.Err != nil {
					outcome = "error"
					sw.writeErrorFrame(w, chunk.Err)
					w.Flush() //nolint:errcheck
					return
				}

				frame := streamFrame{
					ID:           chunk.ID,
					Model:        chunk.Model,
					Provider:     chunk.Provider,
					ContentDelta: chunk.ContentDelta,
					FinishReason: chunk.FinishReason,
				}
				if chunk.Terminal() {
					frame.Usage = &chunk.Usage
				}
				data, _ := json.Marshal(frame)
				fmt.Fprintf(w, "data: %s\n\n", data)
				chunks++
				if !flush() {
					return
				}
				if chunk.Terminal() {
					fmt.Fprint(w, "data: [DONE]\n\n")
					w.Flush() //nolint:errcheck
					return
				}

			case <-heartbeats.C:
				fmt.Fprint(w, ":heartbeat\n\n")
				if sw.metrics != nil {
					sw.metrics.RecordHeartbeat()
				}
				if !flush() {
					return
				}

			case <-inactivity.C:
				outcome = "timeout"
				if sw.metrics != nil {
					sw.metrics.RecordStreamTimeout(sw.provider)
				}
				sw.log.Warn("stream_inactivity_timeout",
					slog.String("provider", sw.provider),
					slog.Duration("idle", idle),
				)
				sw.writeErrorFrame(w, providers.NewStreamTimeoutError(sw.provider, idle))
				w.Flush() //nolint:errcheck
				return

			case <-stream.Done():
				return
			}
		}
	})
}

func (sw *streamWriter) writeErrorFrame(w *bufio.Writer, err error) {
	ae := providers.AsAPIError(sw.provider, err)
	data, _ := json.Marshal(streamErrorFrame{Code: ae.Code, Message: ae.Message})
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
}
