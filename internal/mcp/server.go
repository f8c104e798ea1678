// Package mcp exposes the chat export to MCP clients over stdio.
package mcp

import (
	"context"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/wesm/wxvault/internal/contacts"
	"github.com/wesm/wxvault/internal/service"
)

// Tool name constants.
const (
	ToolListContacts = "list_contacts"
	ToolGetMessages  = "get_messages"
	ToolGetStatus    = "get_status"
	ToolLocateTable  = "locate_table"
)

// Backend is the subset of the service the tools call.
type Backend interface {
	Contacts(ctx context.Context) (*contacts.Snapshot, error)
	Conversation(ctx context.Context, contactID string, limit, offset int) (*service.Conversation, error)
	Locate(ctx context.Context, contactID string) (*service.Location, error)
	Status() service.Status
}

// Common argument helpers for recurring tool option definitions.

func withLimit(defaultDesc string) mcp.ToolOption {
	return mcp.WithNumber("limit",
		mcp.Description("Maximum results to return (default "+defaultDesc+")"),
	)
}

func withOffset() mcp.ToolOption {
	return mcp.WithNumber("offset",
		mcp.Description("Number of results to skip for pagination (default 0)"),
	)
}

func withContactID() mcp.ToolOption {
	return mcp.WithString("contact_id",
		mcp.Required(),
		mcp.Description("Contact identifier (wxid, or a group id ending in @chatroom)"),
	)
}

// Serve creates an MCP server with chat export tools and serves over stdio.
// It blocks until stdin is closed or the context is cancelled.
func Serve(ctx context.Context, backend Backend) error {
	stdio := server.NewStdioServer(newServer(backend))
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

func newServer(backend Backend) *server.MCPServer {
	s := server.NewMCPServer(
		"wxvault",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	h := &handlers{backend: backend}

	s.AddTool(listContactsTool(), h.listContacts)
	s.AddTool(getMessagesTool(), h.getMessages)
	s.AddTool(getStatusTool(), h.getStatus)
	s.AddTool(locateTableTool(), h.locateTable)
	return s
}

func listContactsTool() mcp.Tool {
	return mcp.NewTool(ToolListContacts,
		mcp.WithDescription("List contacts sorted by display name. Group chats, official accounts and deleted contacts are excluded."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithString("filter",
			mcp.Description("Case-insensitive substring matched against display name and wxid"),
		),
		withLimit("100"),
		withOffset(),
	)
}

func getMessagesTool() mcp.Tool {
	return mcp.NewTool(ToolGetMessages,
		mcp.WithDescription("Get a contact's messages, newest first, merged across all message databases."),
		mcp.WithReadOnlyHintAnnotation(true),
		withContactID(),
		withLimit("50"),
		withOffset(),
	)
}

func getStatusTool() mcp.Tool {
	return mcp.NewTool(ToolGetStatus,
		mcp.WithDescription("Get export overview: contact count, message database count and size, cache state."),
		mcp.WithReadOnlyHintAnnotation(true),
	)
}

func locateTableTool() mcp.Tool {
	return mcp.NewTool(ToolLocateTable,
		mcp.WithDescription("Show the message table name for a contact and which message databases hold it."),
		mcp.WithReadOnlyHintAnnotation(true),
		withContactID(),
	)
}
