package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/text/cases"

	"github.com/wesm/wxvault/internal/config"
	"github.com/wesm/wxvault/internal/model"
)

const maxLimit = config.MaxLimit

type handlers struct {
	backend Backend
}

type contactResult struct {
	Wxid        string `json:"wxid"`
	DisplayName string `json:"display_name"`
	NickName    string `json:"nick_name,omitempty"`
	Remark      string `json:"remark,omitempty"`
	Alias       string `json:"alias,omitempty"`
}

type contactsResult struct {
	Total     int             `json:"total"`
	Contacts  []contactResult `json:"contacts"`
	CacheTime time.Time       `json:"cache_time"`
}

type messageResult struct {
	LocalID    int64     `json:"local_id"`
	SentAt     time.Time `json:"sent_at"`
	Type       string    `json:"type"`
	Content    string    `json:"content"`
	IsSend     bool      `json:"is_send"`
	Sender     string    `json:"sender,omitempty"`
	SenderName string    `json:"sender_name"`
}

type messagesResult struct {
	ContactID   string          `json:"contact_id"`
	DisplayName string          `json:"display_name"`
	Total       int64           `json:"total"`
	Offset      int             `json:"offset"`
	HasMore     bool            `json:"has_more"`
	Messages    []messageResult `json:"messages"`
}

type statusResult struct {
	Root          string     `json:"root"`
	ContactFile   string     `json:"contact_file"`
	Contacts      int        `json:"contacts"`
	Shards        int        `json:"shards"`
	ShardSize     string     `json:"shard_size"`
	CacheLoadedAt *time.Time `json:"cache_loaded_at,omitempty"`
	NextRefresh   *time.Time `json:"next_refresh,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

type shardResult struct {
	Path  string `json:"path"`
	Count int64  `json:"count"`
}

type locateResult struct {
	ContactID string        `json:"contact_id"`
	Table     string        `json:"table"`
	Shards    []shardResult `json:"shards"`
}

func (h *handlers) listContacts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	filter, _ := args["filter"].(string)
	limit := limitArg(args, "limit", 100)
	offset := offsetArg(args)

	snap, err := h.backend.Contacts(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("load contacts: %v", err)), nil
	}

	fold := cases.Fold()
	needle := fold.String(strings.TrimSpace(filter))
	var matched []contactResult
	for _, c := range snap.Contacts {
		if needle != "" &&
			!strings.Contains(fold.String(c.DisplayName()), needle) &&
			!strings.Contains(fold.String(c.Username), needle) {
			continue
		}
		matched = append(matched, contactResult{
			Wxid:        c.Username,
			DisplayName: c.DisplayName(),
			NickName:    c.NickName,
			Remark:      c.Remark,
			Alias:       c.Alias,
		})
	}

	out := contactsResult{Total: len(matched), Contacts: page(matched, offset, limit), CacheTime: snap.LoadedAt}
	return jsonResult(out)
}

func (h *handlers) getMessages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	contactID, _ := args["contact_id"].(string)
	if contactID == "" {
		return mcp.NewToolResultError("contact_id parameter is required"), nil
	}
	limit := limitArg(args, "limit", 50)
	offset := offsetArg(args)
	if limit == 0 {
		return mcp.NewToolResultError("limit must be at least 1"), nil
	}

	conv, err := h.backend.Conversation(ctx, contactID, limit, offset)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get messages failed: %v", err)), nil
	}

	out := messagesResult{
		ContactID:   conv.ContactID,
		DisplayName: conv.DisplayName,
		Total:       conv.Total,
		Offset:      offset,
		HasMore:     int64(offset+len(conv.Messages)) < conv.Total,
		Messages:    make([]messageResult, len(conv.Messages)),
	}
	for i, m := range conv.Messages {
		out.Messages[i] = messageResult{
			LocalID:    m.LocalID,
			SentAt:     time.Unix(m.CreateTime, 0).UTC(),
			Type:       model.TypeLabel(m.LocalType),
			Content:    m.Content,
			IsSend:     m.IsSend,
			Sender:     m.SenderUsername,
			SenderName: m.SenderDisplayName,
		}
	}
	return jsonResult(out)
}

func (h *handlers) getStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st := h.backend.Status()
	out := statusResult{
		Root:        st.Root,
		ContactFile: st.ContactPath,
		Contacts:    st.Cache.Count,
		Shards:      st.Shards.ShardFiles,
		ShardSize:   humanize.IBytes(uint64(st.Shards.ShardBytes)),
		LastError:   st.Cache.LastError,
	}
	if st.Cache.Loaded {
		loaded := st.Cache.LoadedAt
		out.CacheLoadedAt = &loaded
	}
	if next := st.Cache.NextRefresh; !next.IsZero() {
		out.NextRefresh = &next
	}
	return jsonResult(out)
}

func (h *handlers) locateTable(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	contactID, _ := req.GetArguments()["contact_id"].(string)
	if contactID == "" {
		return mcp.NewToolResultError("contact_id parameter is required"), nil
	}
	loc, err := h.backend.Locate(ctx, contactID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("locate failed: %v", err)), nil
	}
	out := locateResult{ContactID: loc.ContactID, Table: loc.Table, Shards: []shardResult{}}
	for _, s := range loc.Shards {
		out.Shards = append(out.Shards, shardResult{Path: s.Path, Count: s.Count})
	}
	return jsonResult(out)
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func limitArg(args map[string]any, key string, def int) int {
	v, ok := args[key].(float64)
	if !ok {
		return def
	}
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if math.IsInf(v, 1) || v > float64(maxLimit) {
		return maxLimit
	}
	return int(v)
}

// offsetArg is limitArg capped at config.MaxOffset instead of maxLimit.
func offsetArg(args map[string]any) int {
	v, ok := args["offset"].(float64)
	if !ok || math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > config.MaxOffset {
		return config.MaxOffset
	}
	return int(v)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal error: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
