package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/chatcore/internal/chat"
	"github.com/kalambet/chatcore/internal/retrieval"
	"github.com/kalambet/chatcore/internal/syncqueue"
)

const (
	mcpDefaultLimit = 5
	mcpMaxLimit     = 50
	previewRunes    = 200
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Index Index
	Queue Queue
}

// NewMCPServer creates an MCP server exposing conversation history search and
// the outbound message queue.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"chatcore",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("chatcore keeps a searchable local history of chat conversations and queues outgoing messages while offline."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_history",
			mcp.WithDescription("Semantically search indexed conversation messages."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchHistory(deps),
	)

	s.AddTool(
		mcp.NewTool("find_similar",
			mcp.WithDescription("Find messages from other conversations that are close in meaning to the given text."),
			mcp.WithString("text", mcp.Description("Text to compare against"), mcp.Required()),
			mcp.WithString("exclude_conversation_id", mcp.Description("Conversation whose messages are left out")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpFindSimilar(deps),
	)

	s.AddTool(
		mcp.NewTool("queue_message",
			mcp.WithDescription("Queue a user message for delivery. It is sent as soon as the network is available."),
			mcp.WithString("conversation_id", mcp.Description("Target conversation"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Message text"), mcp.Required()),
		),
		mcpQueueMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_status",
			mcp.WithDescription("Report the outbound queue state: pending and failed counts, connectivity and last sync time."),
		),
		mcpSyncStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"chatcore://stats",
			"Index Stats",
			mcp.WithResourceDescription("Document count, cache size and approximate storage of the local index"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"chatcore://queue",
			"Queued Messages",
			mcp.WithResourceDescription("Messages waiting for delivery, with content previews"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceQueue(deps),
	)

	return s
}

func mcpLimit(req mcp.CallToolRequest) int {
	limit := req.GetInt("limit", mcpDefaultLimit)
	if limit <= 0 {
		limit = mcpDefaultLimit
	}
	if limit > mcpMaxLimit {
		limit = mcpMaxLimit
	}
	return limit
}

func mcpSearchHistory(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		results, err := deps.Index.Search(ctx, query, mcpLimit(req))
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcpResults(results)
	}
}

func mcpFindSimilar(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		results, err := deps.Index.FindSimilar(ctx, text, retrieval.SimilarOptions{
			ExcludeConversationID: req.GetString("exclude_conversation_id", ""),
			Limit:                 mcpLimit(req),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("find similar failed: %v", err)), nil
		}
		return mcpResults(results)
	}
}

func mcpResults(results []retrieval.SearchResult) (*mcp.CallToolResult, error) {
	if len(results) == 0 {
		return mcpText("[]"), nil
	}
	b, err := json.Marshal(results)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpQueueMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		convID, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil || content == "" {
			return mcpError("content is required"), nil
		}

		item, err := deps.Queue.Enqueue(convID, chat.Message{Role: chat.RoleUser, Content: content})
		if errors.Is(err, syncqueue.ErrMissingConversation) {
			return mcpError("conversation_id is required"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to queue message: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Queued message %s", item.ID)), nil
	}
}

func mcpSyncStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(deps.Queue.Status())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Index.Stats())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceQueue(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		type itemSummary struct {
			ID             string `json:"id"`
			ConversationID string `json:"conversation_id"`
			Status         string `json:"status"`
			RetryCount     uint   `json:"retry_count"`
			EnqueuedAt     string `json:"enqueued_at"`
			Preview        string `json:"preview"`
		}

		items := deps.Queue.Items()
		summaries := make([]itemSummary, len(items))
		for i, it := range items {
			preview := it.Payload.Content
			if utf8.RuneCountInString(preview) > previewRunes {
				runes := []rune(preview)
				preview = string(runes[:previewRunes]) + "..."
			}
			summaries[i] = itemSummary{
				ID:             it.ID,
				ConversationID: it.ConversationID,
				Status:         string(it.Status),
				RetryCount:     it.RetryCount,
				EnqueuedAt:     it.EnqueuedAt.Format(time.RFC3339),
				Preview:        preview,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal queue: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
