package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/kernelmcp/toolkernel/internal/kernel"
)

// Server implements the MCP protocol over stdio, dispatching tools/call
// through a kernel.Kernel instead of an ad-hoc per-tool registry.
type Server struct {
	kernel    *kernel.Kernel
	prompts   *kernel.PromptRegistry
	resources *ResourceRegistry
	info      ServerInfo
	logger    *slog.Logger

	writeMu sync.Mutex
	out     *json.Encoder
}

// NewServer creates an MCP server bound to k. prompts and resources may
// be nil if the host registers none.
func NewServer(k *kernel.Kernel, prompts *kernel.PromptRegistry, resources *ResourceRegistry, info ServerInfo, logger *slog.Logger) *Server {
	return &Server{kernel: k, prompts: prompts, resources: resources, info: info, logger: logger}
}

// Run reads JSON-RPC requests from stdin and writes responses to stdout.
// It blocks until stdin is closed; a cancelled context is noticed only
// when the next line arrives.
func (s *Server) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	s.writeMu.Lock()
	s.out = json.NewEncoder(os.Stdout)
	s.writeMu.Unlock()

	s.logger.Info("kernel server started", "name", s.info.Name, "version", s.info.Version)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp := s.HandleMessage(ctx, line)
		if resp != nil {
			if err := s.encode(resp); err != nil {
				s.logger.Error("failed to write response", "error", err)
				return fmt.Errorf("writing response: %w", err)
			}
		}
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("reading stdin: %w", err)
	}

	s.logger.Info("kernel server stopped (stdin closed)")
	return nil
}

func (s *Server) encode(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.out == nil {
		return nil
	}
	return s.out.Encode(v)
}

// progressSink emits notifications/progress messages for a given
// request ID as a generative handler streams intermediate events. They
// are written to the stdio stream opened by Run; without it (HTTP
// transport) the events are dropped.
type progressSink struct {
	server *Server
	reqID  json.RawMessage
}

func (p progressSink) Emit(ev kernel.ProgressEvent) {
	_ = p.server.encode(map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/progress",
		"params": map[string]any{
			"progressToken": json.RawMessage(p.reqID),
			"stage":         ev.Stage,
			"percent":       ev.Percent,
			"message":       ev.Message,
			"data":          ev.Data,
		},
	})
}

// HandleMessage parses a JSON-RPC request and dispatches to the
// appropriate handler. Exported so the HTTP transport can reuse it.
func (s *Server) HandleMessage(ctx context.Context, data []byte) *Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Error("failed to parse request", "error", err)
		return &Response{JSONRPC: "2.0", Error: &RPCError{Code: ErrCodeParse, Message: "Parse error", Data: err.Error()}}
	}

	if req.ID == nil && req.Method == "notifications/initialized" {
		s.logger.Info("client initialized")
		return nil
	}
	if req.ID == nil {
		s.logger.Debug("received notification", "method", req.Method)
		return nil
	}

	s.logger.Debug("handling request", "method", req.Method, "id", string(req.ID))

	result, rpcErr := s.dispatch(ctx, &req)
	resp := &Response{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	return resp
}

func (s *Server) dispatch(ctx context.Context, req *Request) (any, *RPCError) {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req.Params)
	case "tools/list":
		return s.handleToolsList()
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "prompts/list":
		return s.handlePromptsList()
	case "prompts/get":
		return s.handlePromptsGet(req.Params)
	case "resources/list":
		return s.handleResourcesList()
	case "resources/read":
		return s.handleResourcesRead(req.Params)
	default:
		return nil, &RPCError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}
}

func (s *Server) handleInitialize(params json.RawMessage) (any, *RPCError) {
	var initParams InitializeParams
	if params != nil {
		if err := json.Unmarshal(params, &initParams); err != nil {
			return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "Invalid initialize params", Data: err.Error()}
		}
	}

	s.logger.Info("client connecting",
		"client", initParams.ClientInfo.Name,
		"client_version", initParams.ClientInfo.Version,
		"protocol_version", initParams.ProtocolVersion,
	)

	caps := ServerCapability{Tools: &ToolsCapability{}}
	if s.prompts != nil && len(s.prompts.List()) > 0 {
		caps.Prompts = &PromptsCapability{}
	}
	if s.resources != nil && s.resources.Len() > 0 {
		caps.Resources = &ResourcesCapability{}
	}

	return &InitializeResult{
		ProtocolVersion: "2024-11-05",
		Capabilities:    caps,
		ServerInfo:      s.info,
	}, nil
}

func (s *Server) handleToolsList() (any, *RPCError) {
	descs := s.kernel.Descriptors()
	defs := make([]ToolDefinition, 0, len(descs))
	for _, d := range descs {
		defs = append(defs, ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema.JSONSchema(),
		})
	}
	return &ToolsListResult{Tools: defs}, nil
}

// handleToolsCall dispatches a tool call to the kernel. The raw bearer
// token or other host-supplied principal, if any, travels in via
// ctx using WithPrincipal/PrincipalFrom and becomes ExecContext.Base.
func (s *Server) handleToolsCall(ctx context.Context, req *Request) (any, *RPCError) {
	var callParams ToolsCallParams
	if err := json.Unmarshal(req.Params, &callParams); err != nil {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "Invalid tools/call params", Data: err.Error()}
	}

	var args map[string]any
	if len(callParams.Arguments) > 0 {
		if err := json.Unmarshal(callParams.Arguments, &args); err != nil {
			return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "Invalid tool arguments", Data: err.Error()}
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	s.logger.Info("calling tool", "tool", callParams.Name)

	sink := kernel.ProgressSink(progressSink{server: s, reqID: req.ID})
	resp := s.kernel.Dispatch(ctx, callParams.Name, args, PrincipalFrom(ctx), sink)

	blocks := make([]ContentBlock, 0, len(resp.Content))
	for _, b := range resp.Content {
		blocks = append(blocks, ContentBlock{Type: b.Type, Text: b.Text})
	}
	return &ToolsCallResult{Content: blocks, IsError: resp.IsError}, nil
}

func (s *Server) handlePromptsList() (any, *RPCError) {
	if s.prompts == nil {
		return &PromptsListResult{}, nil
	}
	out := make([]PromptDefinition, 0)
	for _, p := range s.prompts.List() {
		args := make([]PromptArgument, 0, len(p.Arguments))
		for _, a := range p.Arguments {
			args = append(args, PromptArgument{Name: a.Name, Description: a.Description, Required: a.Required})
		}
		out = append(out, PromptDefinition{Name: p.Name, Description: p.Description, Arguments: args})
	}
	return &PromptsListResult{Prompts: out}, nil
}

func (s *Server) handlePromptsGet(params json.RawMessage) (any, *RPCError) {
	var getParams PromptsGetParams
	if err := json.Unmarshal(params, &getParams); err != nil {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "Invalid prompts/get params", Data: err.Error()}
	}
	if s.prompts == nil {
		return nil, &RPCError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("prompt not found: %s", getParams.Name)}
	}

	s.logger.Debug("getting prompt", "prompt", getParams.Name)

	messages, err := s.prompts.Get(getParams.Name, getParams.Arguments)
	if err != nil {
		return nil, &RPCError{Code: ErrCodeInternal, Message: fmt.Sprintf("prompt error: %v", err)}
	}

	out := make([]PromptMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, PromptMessage{Role: m.Role, Content: TextContent(m.Text)})
	}
	return &PromptsGetResult{Messages: out}, nil
}

func (s *Server) handleResourcesList() (any, *RPCError) {
	if s.resources == nil {
		return &ResourcesListResult{}, nil
	}
	return &ResourcesListResult{Resources: s.resources.List()}, nil
}

func (s *Server) handleResourcesRead(params json.RawMessage) (any, *RPCError) {
	var readParams ResourcesReadParams
	if err := json.Unmarshal(params, &readParams); err != nil {
		return nil, &RPCError{Code: ErrCodeInvalidParams, Message: "Invalid resources/read params", Data: err.Error()}
	}
	if s.resources == nil {
		return nil, &RPCError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("resource not found: %s", readParams.URI)}
	}

	s.logger.Debug("reading resource", "uri", readParams.URI)

	result, err := s.resources.Read(readParams.URI)
	if err != nil {
		return nil, &RPCError{Code: ErrCodeInternal, Message: fmt.Sprintf("resource read error: %v", err)}
	}
	return result, nil
}
