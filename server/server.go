// Package server exposes the handshake and the optimizer over HTTP. The
// streaming endpoints use server-sent events, one JSON payload per frame.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/kvashee/protopt/llm"
	"github.com/kvashee/protopt/optimize"
	"github.com/kvashee/protopt/protocol"
	"github.com/kvashee/protopt/tokenizer"
)

// Server wires HTTP handlers to the protocol core.
type Server struct {
	client          llm.Client
	variationClient llm.Client
	counter         tokenizer.Counter
	selection       optimize.Selection
	logger          *slog.Logger
}

// New creates a Server. variationClient may equal client.
func New(client, variationClient llm.Client, counter tokenizer.Counter, selection optimize.Selection, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		client:          client,
		variationClient: variationClient,
		counter:         counter,
		selection:       selection,
		logger:          logger,
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/api/run", s.handleRun)
	r.Post("/api/run/stream", s.handleRunStream)
	r.Post("/api/optimize", s.handleOptimize)
	r.Post("/api/optimize/stream", s.handleOptimizeStream)
	return r
}

type runRequest struct {
	Agent1Prompt string `json:"agent1_prompt"`
	Agent2Prompt string `json:"agent2_prompt"`
	UserInput    string `json:"user_input"`
	Protocol     string `json:"protocol"`
	Agent1Name   string `json:"agent1_name"`
	Agent2Name   string `json:"agent2_name"`
}

type runResponse struct {
	Final               string           `json:"final"`
	CommunicationTokens int              `json:"communication_tokens"`
	Events              []protocol.Event `json:"events"`
}

type optimizeRequest struct {
	Agent1Prompt   string   `json:"agent1_prompt"`
	Agent2Prompt   string   `json:"agent2_prompt"`
	Protocol       string   `json:"protocol"`
	InputPrompts   []string `json:"input_prompts"`
	Rounds         int      `json:"rounds"`
	VariationCount int      `json:"variation_count"`
	EntryAgent     string   `json:"entry_agent"`
}

type optimizeResponse struct {
	BestNode *optimize.Node   `json:"best_node"`
	BestPath []string         `json:"best_path"`
	Tree     []*optimize.Node `json:"tree"`
	BestRule string           `json:"best_rule"`
}

func (s *Server) buildProtocol(rules, name1, role1, name2, role2 string) (*protocol.Protocol, error) {
	if name1 == "" {
		name1 = "Agent 1"
	}
	if name2 == "" {
		name2 = "Agent 2"
	}
	agents := []*protocol.Agent{
		protocol.NewAgent(name1, role1),
		protocol.NewAgent(name2, role2),
	}
	return protocol.New(rules, agents, s.client, s.counter)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := s.buildProtocol(req.Protocol, req.Agent1Name, req.Agent1Prompt, req.Agent2Name, req.Agent2Prompt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var events []protocol.Event
	final, tokens, err := p.Agents[0].Run(r.Context(), req.UserInput, func(ev protocol.Event) {
		events = append(events, ev)
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, runResponse{Final: final, CommunicationTokens: tokens, Events: events})
}

func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := s.buildProtocol(req.Protocol, req.Agent1Name, req.Agent1Prompt, req.Agent2Name, req.Agent2Prompt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	_, _, err = p.Agents[0].Run(r.Context(), req.UserInput, func(ev protocol.Event) {
		sse.sendMessage(ev)
	})
	if err != nil {
		s.logger.Error("handshake failed", "error", err)
		sse.sendMessage(map[string]string{"type": "error", "message": err.Error()})
	}
}

func (s *Server) newOptimizer(req optimizeRequest) (*optimize.Optimizer, error) {
	p, err := s.buildProtocol(req.Protocol, "", req.Agent1Prompt, "", req.Agent2Prompt)
	if err != nil {
		return nil, err
	}
	opts := []optimize.Option{
		optimize.WithVariationClient(s.variationClient),
		optimize.WithSelection(s.selection),
		optimize.WithLogger(s.logger),
	}
	if req.Rounds > 0 {
		opts = append(opts, optimize.WithRounds(req.Rounds))
	}
	if req.VariationCount > 0 {
		opts = append(opts, optimize.WithVariationCount(req.VariationCount))
	}
	if req.EntryAgent != "" {
		opts = append(opts, optimize.WithEntryAgent(req.EntryAgent))
	}
	return optimize.New(p, opts...), nil
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.InputPrompts) == 0 {
		writeErrorMessage(w, http.StatusBadRequest, "input_prompts is required")
		return
	}
	optimizer, err := s.newOptimizer(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	best, err := optimizer.Optimize(r.Context(), req.InputPrompts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, optimizeResponse{
		BestNode: best,
		BestPath: optimizer.BestPath(),
		Tree:     optimizer.Tree(),
		BestRule: best.Rule,
	})
}

func (s *Server) handleOptimizeStream(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.InputPrompts) == 0 {
		writeErrorMessage(w, http.StatusBadRequest, "input_prompts is required")
		return
	}
	optimizer, err := s.newOptimizer(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	for ev := range optimizer.OptimizeEvents(r.Context(), req.InputPrompts) {
		sse.sendMessage(ev)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeErrorMessage(w, status, err.Error())
}

func writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": msg})
}
