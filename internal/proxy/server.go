package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/driftwatch/driftwatch/internal/adapter"
	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/logger"
)

const (
	// maxInternalHops bounds the interception loop so a model that keeps
	// calling the internal tool cannot hold the connection forever.
	maxInternalHops = 5

	captureTimeout = 30 * time.Second
)

// Server is the local forwarding proxy agents are pointed at.
type Server struct {
	httpServer *http.Server
	registry   *adapter.Registry
	forwarder  *Forwarder
	pipeline   *Pipeline
	memory     MemorySource
	settings   config.Settings
	port       int
}

// NewServer creates the proxy server
func NewServer(cfg *config.Config, registry *adapter.Registry, pipeline *Pipeline, memory MemorySource) *Server {
	port := cfg.Settings.Proxy.Port
	if port == 0 {
		port = 8976
	}

	s := &Server{
		registry:  registry,
		forwarder: NewForwarder(cfg.Settings.Proxy.StripHeaders),
		pipeline:  pipeline,
		memory:    memory,
		settings:  cfg.Settings,
		port:      port,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("/", s.handleProxy)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start starts the server
func (s *Server) Start(ctx context.Context) error {
	logger.Info().
		Int("port", s.port).
		Str("url", fmt.Sprintf("http://127.0.0.1:%d", s.port)).
		Msg("Starting driftwatch proxy")

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Server error")
		}
	}()

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	logger.Info().Msg("Stopping driftwatch proxy")
	return s.httpServer.Shutdown(ctx)
}

// Port returns the server port
func (s *Server) Port() int {
	return s.port
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to read request body")
		http.Error(w, "failed to read request body", http.StatusBadGateway)
		return
	}
	_ = r.Body.Close()

	ad := s.registry.Match(r)
	if ad == nil {
		s.passThrough(w, r, body)
		return
	}

	ctx := r.Context()
	outbound := body

	if s.settings.Proxy.InjectMemory && s.memory != nil {
		projectPath := ad.ProjectPath(body)
		memory, merr := s.memory.ProjectMemory(ctx, projectPath)
		if merr != nil {
			logger.Warn().Err(merr).Str("project", projectPath).Msg("Memory lookup failed, forwarding without injection")
		} else if memory != "" {
			outbound = ad.InjectMemory(outbound, memory)
		}
	}

	internalTool := ""
	if s.settings.Proxy.InternalTool && s.memory != nil {
		internalTool = adapter.MemoryToolName
		outbound = ad.InjectTool(outbound, adapter.MemoryToolDefinition())
	}

	resp, err := s.forwarder.Forward(ctx, ad.Upstream(), r, outbound)
	if err != nil {
		logger.Error().Err(err).Str("adapter", ad.Name()).Msg("Upstream request failed")
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}

	for hop := 0; ; hop++ {
		if isEventStream(resp) {
			outcome := relayStream(w, resp, ad, internalTool)
			_ = resp.Body.Close()

			if outcome.clientGone {
				return
			}
			respBody := ad.AssembleStream(outcome.events)
			if !outcome.intercepted {
				s.capture(ad, body, respBody)
				return
			}
			if hop >= maxInternalHops {
				logger.Error().Str("adapter", ad.Name()).Msg("Internal tool loop exceeded hop limit")
				http.Error(w, "internal tool loop exceeded", http.StatusBadGateway)
				return
			}

			outbound, err = s.continuation(ctx, ad, outbound, respBody, internalTool)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to build tool-result continuation")
				http.Error(w, "upstream request failed", http.StatusBadGateway)
				return
			}
		} else {
			respBody, rerr := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if rerr != nil {
				logger.Error().Err(rerr).Msg("Failed to read upstream response")
				http.Error(w, "failed to read upstream response", http.StatusBadGateway)
				return
			}

			if internalTool == "" || hop >= maxInternalHops || !s.isInternalToolUse(ad, respBody, internalTool) {
				ad.FilterResponseHeaders(resp.Header)
				copyResponseHeaders(w.Header(), resp.Header)
				w.WriteHeader(resp.StatusCode)
				_, _ = w.Write(respBody)
				if resp.StatusCode == http.StatusOK {
					s.capture(ad, body, respBody)
				}
				return
			}

			outbound, err = s.continuation(ctx, ad, outbound, respBody, internalTool)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to build tool-result continuation")
				http.Error(w, "upstream request failed", http.StatusBadGateway)
				return
			}
		}

		resp, err = s.forwarder.Forward(ctx, ad.Upstream(), r, outbound)
		if err != nil {
			logger.Error().Err(err).Str("adapter", ad.Name()).Msg("Upstream continuation failed")
			http.Error(w, "upstream request failed", http.StatusBadGateway)
			return
		}
	}
}

// passThrough relays an unrecognized request to the default upstream without
// touching the body.
func (s *Server) passThrough(w http.ResponseWriter, r *http.Request, body []byte) {
	upstream := s.settings.Proxy.DefaultUpstream
	if upstream == "" {
		logger.Warn().Str("path", r.URL.Path).Msg("No adapter matched and no default upstream configured")
		http.Error(w, "no upstream configured for this request", http.StatusBadGateway)
		return
	}

	resp, err := s.forwarder.Forward(r.Context(), upstream, r, body)
	if err != nil {
		logger.Error().Err(err).Str("upstream", upstream).Msg("Pass-through request failed")
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			return
		}
	}
}

// continuation synthesizes results for the intercepted internal tool calls
// and builds the follow-up request that feeds them back upstream.
func (s *Server) continuation(ctx context.Context, ad adapter.Adapter, reqBody, respBody []byte, internalTool string) ([]byte, error) {
	calls := ad.ToolCalls(respBody)
	results := make([]adapter.ToolResult, 0, len(calls))
	for _, call := range calls {
		if call.Name != internalTool {
			continue
		}
		query, _ := call.Input["query"].(string)
		content, err := s.memory.Recall(ctx, query)
		if err != nil {
			logger.Warn().Err(err).Str("query", query).Msg("Memory recall failed")
			content = "Memory lookup failed."
		}
		results = append(results, adapter.ToolResult{CallID: call.ID, Content: content})
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("intercepted response carried no %s calls", internalTool)
	}
	return ad.ToolResultRequest(reqBody, respBody, results)
}

// isInternalToolUse reports whether a buffered response consists solely of
// calls to the internal tool. Mixed responses are delivered to the client so
// the agent can run its real tools.
func (s *Server) isInternalToolUse(ad adapter.Adapter, respBody []byte, internalTool string) bool {
	if ad.Classify(respBody) != adapter.KindToolUse {
		return false
	}
	calls := ad.ToolCalls(respBody)
	if len(calls) == 0 {
		return false
	}
	for _, call := range calls {
		if call.Name != internalTool {
			return false
		}
	}
	return true
}

func (s *Server) capture(ad adapter.Adapter, reqBody, respBody []byte) {
	if s.pipeline == nil || len(respBody) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), captureTimeout)
		defer cancel()
		s.pipeline.Capture(ctx, ad, reqBody, respBody)
	}()
}

func isEventStream(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	return strings.HasPrefix(strings.ToLower(ct), "text/event-stream")
}
