package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aretw0/tandem"
	"github.com/aretw0/tandem/internal/logging"
	"github.com/aretw0/tandem/pkg/crdt"
	"github.com/aretw0/tandem/pkg/domain"
	"github.com/aretw0/tandem/pkg/syncerror"
	"github.com/aretw0/tandem/pkg/syncmanager"
	"github.com/aretw0/tandem/pkg/undo"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// DocumentResponse is the structured result of every document tool.
type DocumentResponse struct {
	Key     string         `json:"key" jsonschema_description:"Document key (objectType:objectId)"`
	Record  map[string]any `json:"record" jsonschema_description:"Current record fields"`
	Content string         `json:"content,omitempty" jsonschema_description:"Rich text body, if any"`
	Changed bool           `json:"changed" jsonschema_description:"Whether the call modified the document"`
}

// HistoryResponse is the structured result of undo and redo.
type HistoryResponse struct {
	Performed bool     `json:"performed" jsonschema_description:"False when the stack was empty"`
	Documents []string `json:"documents" jsonschema_description:"Keys of the documents the step touched"`
	CanUndo   bool     `json:"can_undo"`
	CanRedo   bool     `json:"can_redo"`
}

// Server exposes a SyncManager as an MCP server, so agents can edit documents
// with the same undo history as human editors.
type Server struct {
	manager   *syncmanager.Manager
	mcpServer *server.MCPServer
	logger    *slog.Logger
}

// NewServer creates a new MCP Server instance.
func NewServer(manager *syncmanager.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Server{
		manager:   manager,
		mcpServer: server.NewMCPServer("tandem-mcp", strings.TrimSpace(tandem.Version)),
		logger:    logger,
	}
	s.registerTools()
	s.registerResources()
	return s
}

// ServeStdio starts the server on Stdin/Stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

// ServeSSE serves the MCP SSE transport on addr until ctx is cancelled.
func (s *Server) ServeSSE(ctx context.Context, addr, baseURL string) error {
	sseServer := server.NewSSEServer(s.mcpServer, server.WithBaseURL(baseURL))

	mux := http.NewServeMux()
	mux.Handle("/sse", corsMiddleware(sseServer.SSEHandler()))
	mux.Handle("/message", corsMiddleware(sseServer.MessageHandler()))

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("MCP Server listening (SSE)", "address", addr)
		serverErrors <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
		return nil
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) registerTools() {
	keyArgs := []mcp.ToolOption{
		mcp.WithString("object_type", mcp.Required(), mcp.Description("Entity type, e.g. post")),
		mcp.WithString("object_id", mcp.Required(), mcp.Description("Entity identifier")),
	}
	tool := func(name, description string, opts ...mcp.ToolOption) mcp.Tool {
		all := append([]mcp.ToolOption{mcp.WithDescription(description)}, keyArgs...)
		return mcp.NewTool(name, append(all, opts...)...)
	}

	s.mcpServer.AddTool(tool("open_document",
		"Open a document for editing. The record seeds a document that was never persisted.",
		mcp.WithString("record", mcp.Description("JSON object with the entity record (optional)")),
		mcp.WithOutputSchema[DocumentResponse](),
	), mcp.NewStructuredToolHandler(s.handleOpen))

	s.mcpServer.AddTool(tool("get_document",
		"Read the current state of an open document.",
		mcp.WithOutputSchema[DocumentResponse](),
	), mcp.NewStructuredToolHandler(s.handleGet))

	s.mcpServer.AddTool(tool("update_document",
		"Set record fields of an open document. A null value removes the field.",
		mcp.WithString("changes", mcp.Required(), mcp.Description("JSON object of field changes")),
		mcp.WithOutputSchema[DocumentResponse](),
	), mcp.NewStructuredToolHandler(s.handleUpdate))

	s.mcpServer.AddTool(tool("set_content",
		"Replace the rich text body of an open document.",
		mcp.WithString("content", mcp.Required(), mcp.Description("New body text")),
		mcp.WithOutputSchema[DocumentResponse](),
	), mcp.NewStructuredToolHandler(s.handleSetContent))

	s.mcpServer.AddTool(tool("close_document",
		"Persist and close an open document. Its changes leave the undo history.",
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		key, err := keyFrom(request.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if err := s.manager.Unload(ctx, key.ObjectType, key.ObjectID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("close failed: %v", err)), nil
		}
		return mcp.NewToolResultText("closed " + key.String()), nil
	})

	s.mcpServer.AddTool(mcp.NewTool("undo",
		mcp.WithDescription("Undo the most recent edit group across all open documents."),
		mcp.WithOutputSchema[HistoryResponse](),
	), mcp.NewStructuredToolHandler(s.handleUndo))

	s.mcpServer.AddTool(mcp.NewTool("redo",
		mcp.WithDescription("Redo the most recently undone edit group."),
		mcp.WithOutputSchema[HistoryResponse](),
	), mcp.NewStructuredToolHandler(s.handleRedo))

	s.mcpServer.AddTool(mcp.NewTool("list_documents",
		mcp.WithDescription("List the keys of the open documents."),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText(s.documentsJSON()), nil
	})

	s.mcpServer.AddTool(mcp.NewTool("explain_connection_error",
		mcp.WithDescription("Return the user-facing message for a connection error code."),
		mcp.WithString("code", mcp.Required(), mcp.Description("Error code, e.g. connection-expired")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		code, _ := request.GetArguments()["code"].(string)
		msg := syncerror.ForCode(code)
		return mcp.NewToolResultText(msg.Title + ": " + msg.Description), nil
	})
}

func (s *Server) handleOpen(ctx context.Context, request mcp.CallToolRequest, args map[string]any) (DocumentResponse, error) {
	key, err := keyFrom(args)
	if err != nil {
		return DocumentResponse{}, err
	}
	record, err := objectArg(args, "record")
	if err != nil {
		return DocumentResponse{}, err
	}
	entity, err := s.manager.Load(ctx, key.ObjectType, key.ObjectID, record)
	if err != nil {
		return DocumentResponse{}, fmt.Errorf("open failed: %w", err)
	}
	return respond(entity, false), nil
}

func (s *Server) handleGet(ctx context.Context, request mcp.CallToolRequest, args map[string]any) (DocumentResponse, error) {
	key, err := keyFrom(args)
	if err != nil {
		return DocumentResponse{}, err
	}
	entity, err := s.manager.Entity(key.ObjectType, key.ObjectID)
	if err != nil {
		return DocumentResponse{}, err
	}
	return respond(entity, false), nil
}

func (s *Server) handleUpdate(ctx context.Context, request mcp.CallToolRequest, args map[string]any) (DocumentResponse, error) {
	key, err := keyFrom(args)
	if err != nil {
		return DocumentResponse{}, err
	}
	changes, err := objectArg(args, "changes")
	if err != nil {
		return DocumentResponse{}, err
	}
	if changes == nil {
		return DocumentResponse{}, errors.New("changes is required")
	}
	delta, err := s.manager.Update(ctx, key.ObjectType, key.ObjectID, changes, domain.OriginLocalEditor)
	if err != nil {
		return DocumentResponse{}, fmt.Errorf("update failed: %w", err)
	}
	return s.current(key, delta != nil)
}

func (s *Server) handleSetContent(ctx context.Context, request mcp.CallToolRequest, args map[string]any) (DocumentResponse, error) {
	key, err := keyFrom(args)
	if err != nil {
		return DocumentResponse{}, err
	}
	content, _ := args["content"].(string)
	delta, err := s.manager.Edit(ctx, key.ObjectType, key.ObjectID, domain.OriginLocalEditor, func(doc *crdt.Doc, tx *crdt.Transaction) {
		text := doc.Text(domain.ContentTextName)
		if text.String() == content {
			return
		}
		text.Delete(tx, 0, text.Len())
		text.Insert(tx, 0, content)
	})
	if err != nil {
		return DocumentResponse{}, fmt.Errorf("set content failed: %w", err)
	}
	return s.current(key, delta != nil)
}

func (s *Server) handleUndo(ctx context.Context, request mcp.CallToolRequest, args map[string]any) (HistoryResponse, error) {
	item, err := s.manager.Undo(ctx)
	if err != nil {
		return HistoryResponse{}, fmt.Errorf("undo failed: %w", err)
	}
	return s.history(item), nil
}

func (s *Server) handleRedo(ctx context.Context, request mcp.CallToolRequest, args map[string]any) (HistoryResponse, error) {
	item, err := s.manager.Redo(ctx)
	if err != nil {
		return HistoryResponse{}, fmt.Errorf("redo failed: %w", err)
	}
	return s.history(item), nil
}

func (s *Server) current(key domain.DocumentKey, changed bool) (DocumentResponse, error) {
	entity, err := s.manager.Entity(key.ObjectType, key.ObjectID)
	if err != nil {
		return DocumentResponse{}, err
	}
	return respond(entity, changed), nil
}

func (s *Server) history(item *undo.StackItem) HistoryResponse {
	res := HistoryResponse{
		Documents: []string{},
		CanUndo:   s.manager.UndoManager().CanUndo(),
		CanRedo:   s.manager.UndoManager().CanRedo(),
	}
	if item != nil {
		res.Performed = true
		res.Documents = item.Documents()
	}
	return res
}

func (s *Server) documentsJSON() string {
	keys := s.manager.Documents()
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}
	data, _ := json.Marshal(out)
	return string(data)
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource("tandem://documents", "Open Documents",
		mcp.WithMIMEType("application/json"),
	), func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "tandem://documents",
				MIMEType: "application/json",
				Text:     s.documentsJSON(),
			},
		}, nil
	})
}

func respond(entity *syncmanager.Entity, changed bool) DocumentResponse {
	return DocumentResponse{
		Key:     entity.Key.String(),
		Record:  entity.Record(),
		Content: entity.Doc.Text(domain.ContentTextName).String(),
		Changed: changed,
	}
}

func keyFrom(args map[string]any) (domain.DocumentKey, error) {
	objectType, _ := args["object_type"].(string)
	objectID, _ := args["object_id"].(string)
	key := domain.NewDocumentKey(objectType, objectID)
	if key.IsZero() {
		return key, fmt.Errorf("object_type and object_id are required: %w", domain.ErrInvalidDocumentKey)
	}
	return key, nil
}

// objectArg reads an object argument sent either as a JSON object or as a JSON string.
func objectArg(args map[string]any, name string) (map[string]any, error) {
	switch v := args[name].(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return v, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			return nil, fmt.Errorf("%s must be a JSON object: %w", name, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a JSON object", name)
	}
}
