package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/wesm/wxvault/internal/config"
	"github.com/wesm/wxvault/internal/contacts"
	"github.com/wesm/wxvault/internal/model"
)

// Error kinds. Each maps to one HTTP status and is returned in the
// envelope's code field.
var (
	ErrValidation  = errors.New("invalid request")
	ErrAuth        = errors.New(unauthorizedMessage)
	ErrNotFound    = errors.New("not found")
	ErrRateLimited = errors.New("too many requests")
	ErrInternal    = errors.New("internal server error")
)

const internalMessage = "Internal server error"

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Envelope wraps every API response. Code is 0 on success and the HTTP
// status otherwise.
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a code 0 envelope.
func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Envelope{Code: 0, Message: "success", Data: data})
}

// writeError writes an error envelope with a null data field.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Envelope{Code: status, Message: message})
}

// fail reports err to the client. Internal errors are logged and their
// detail withheld.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, status, internalMessage)
		return
	}
	writeError(w, status, err.Error())
}

// ContactItem is one entry of the contacts list.
type ContactItem struct {
	Index    int    `json:"index"`
	NickName string `json:"nickName"`
	Wxid     string `json:"wxid"`
	Remark   string `json:"remark"`
	Alias    string `json:"alias"`
}

// ContactsData is the payload of GET /api/contacts.
type ContactsData struct {
	Contacts  []ContactItem `json:"contacts"`
	Total     int           `json:"total"`
	CacheTime string        `json:"cacheTime"`
}

// RefreshData is the payload of POST /api/contacts/refresh.
type RefreshData struct {
	Count     int    `json:"count"`
	CacheTime string `json:"cacheTime"`
}

// SessionInfo describes the conversation partner.
type SessionInfo struct {
	Wxid         string `json:"wxid"`
	DisplayName  string `json:"displayName"`
	MessageCount int64  `json:"messageCount"`
}

// MessageItem is one message in a conversation page.
type MessageItem struct {
	LocalID           int64  `json:"localId"`
	CreateTime        int64  `json:"createTime"`
	FormattedTime     string `json:"formattedTime"`
	Type              string `json:"type"`
	LocalType         int64  `json:"localType"`
	Content           string `json:"content"`
	IsSend            bool   `json:"isSend"`
	SenderUsername    string `json:"senderUsername"`
	SenderDisplayName string `json:"senderDisplayName"`
}

// Pagination describes the returned window.
type Pagination struct {
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	Total   int64 `json:"total"`
	HasMore bool  `json:"hasMore"`
}

// MessagesData is the payload of GET /api/messages/{id}.
type MessagesData struct {
	Session    SessionInfo   `json:"session"`
	Messages   []MessageItem `json:"messages"`
	Pagination Pagination    `json:"pagination"`
}

// CacheStatus describes the contact directory cache.
type CacheStatus struct {
	Loaded          bool    `json:"loaded"`
	LastRefresh     *string `json:"lastRefresh"`
	LastRefreshAgo  string  `json:"lastRefreshAgo,omitempty"`
	AgeSeconds      int64   `json:"ageSeconds"`
	Refreshing      bool    `json:"refreshing"`
	LastError       string  `json:"lastError,omitempty"`
	RefreshCount    int64   `json:"refreshCount"`
	RefreshInterval int64   `json:"refreshInterval"`
	NextRefresh     *string `json:"nextRefresh"`
}

// Counts holds entity totals.
type Counts struct {
	Contacts int `json:"contacts"`
	Shards   int `json:"shards"`
}

// StatusData is the payload of GET /api/status.
type StatusData struct {
	Connected     bool        `json:"connected"`
	DBPath        string      `json:"dbPath"`
	Cache         CacheStatus `json:"cache"`
	Counts        Counts      `json:"counts"`
	ShardBytes    int64       `json:"shardBytes"`
	ShardSize     string      `json:"shardSize"`
	Uptime        string      `json:"uptime"`
	UptimeSeconds int64       `json:"uptimeSeconds"`
	Port          int         `json:"port"`
	StartedAt     string      `json:"startedAt"`
}

func cacheTime(snap *contacts.Snapshot) string {
	return snap.LoadedAt.Format(time.RFC3339)
}

// handleContacts returns the cached contact list.
func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	snap, err := s.backend.Contacts(r.Context())
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", ErrInternal, err))
		return
	}

	items := make([]ContactItem, len(snap.Contacts))
	for i, c := range snap.Contacts {
		items[i] = ContactItem{
			Index:    i,
			NickName: c.NickName,
			Wxid:     c.Username,
			Remark:   c.Remark,
			Alias:    c.Alias,
		}
	}
	writeSuccess(w, ContactsData{
		Contacts:  items,
		Total:     len(items),
		CacheTime: cacheTime(snap),
	})
}

// handleRefreshContacts reloads the contact directory immediately.
func (s *Server) handleRefreshContacts(w http.ResponseWriter, r *http.Request) {
	snap, err := s.backend.RefreshContacts(r.Context())
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", ErrInternal, err))
		return
	}
	writeSuccess(w, RefreshData{Count: snap.Len(), CacheTime: cacheTime(snap)})
}

// handleMessages returns one page of a contact's merged history.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	rawID := chi.URLParam(r, "id")
	if rawID == "" {
		s.handleNotFound(w, r)
		return
	}
	// chi matches on RawPath when it is set, leaving the segment escaped.
	contactID := rawID
	if r.URL.RawPath != "" {
		var err error
		if contactID, err = url.PathUnescape(rawID); err != nil {
			s.fail(w, r, fmt.Errorf("%w: malformed contact id", ErrValidation))
			return
		}
	}
	limit, offset, err := s.parsePage(r.URL.Query())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	conv, err := s.backend.Conversation(r.Context(), contactID, limit, offset)
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", ErrInternal, err))
		return
	}

	items := make([]MessageItem, len(conv.Messages))
	for i, m := range conv.Messages {
		items[i] = s.toMessageItem(m)
	}
	writeSuccess(w, MessagesData{
		Session: SessionInfo{
			Wxid:         conv.ContactID,
			DisplayName:  conv.DisplayName,
			MessageCount: conv.Total,
		},
		Messages: items,
		Pagination: Pagination{
			Limit:   limit,
			Offset:  offset,
			Total:   conv.Total,
			HasMore: int64(offset+len(items)) < conv.Total,
		},
	})
}

func (s *Server) toMessageItem(m model.Message) MessageItem {
	return MessageItem{
		LocalID:           m.LocalID,
		CreateTime:        m.CreateTime,
		FormattedTime:     m.FormattedTime(s.loc),
		Type:              model.TypeLabel(m.LocalType),
		LocalType:         m.LocalType,
		Content:           m.Content,
		IsSend:            m.IsSend,
		SenderUsername:    m.SenderUsername,
		SenderDisplayName: m.SenderDisplayName,
	}
}

// parsePage reads limit and offset. Missing values take their defaults;
// anything present must be an integer in range.
func (s *Server) parsePage(q url.Values) (limit, offset int, err error) {
	limit = s.cfg.Messages.DefaultLimit
	maxLimit := s.cfg.Messages.MaxLimit
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: limit must be an integer", ErrValidation)
		}
		if limit < 1 || limit > maxLimit {
			return 0, 0, fmt.Errorf("%w: limit must be between 1 and %d", ErrValidation, maxLimit)
		}
	}
	if v := q.Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: offset must be an integer", ErrValidation)
		}
		if offset < 0 || offset > config.MaxOffset {
			return 0, 0, fmt.Errorf("%w: offset must be between 0 and %d", ErrValidation, config.MaxOffset)
		}
	}
	return limit, offset, nil
}

// handleStatus reports cache state, shard statistics and uptime.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.backend.Status()
	now := time.Now()

	cache := CacheStatus{
		Loaded:          st.Cache.Loaded,
		Refreshing:      st.Cache.Refreshing,
		LastError:       st.Cache.LastError,
		RefreshCount:    st.Cache.RefreshCount,
		RefreshInterval: int64(st.Cache.Interval / time.Second),
	}
	if st.Cache.Loaded {
		ts := st.Cache.LoadedAt.Format(time.RFC3339)
		cache.LastRefresh = &ts
		cache.LastRefreshAgo = humanize.Time(st.Cache.LoadedAt)
		cache.AgeSeconds = int64(now.Sub(st.Cache.LoadedAt) / time.Second)
	}
	if !st.Cache.NextRefresh.IsZero() {
		ts := st.Cache.NextRefresh.Format(time.RFC3339)
		cache.NextRefresh = &ts
	}

	writeSuccess(w, StatusData{
		Connected: st.Connected,
		DBPath:    st.Root,
		Cache:     cache,
		Counts: Counts{
			Contacts: st.Cache.Count,
			Shards:   st.Shards.ShardFiles,
		},
		ShardBytes:    st.Shards.ShardBytes,
		ShardSize:     humanize.IBytes(uint64(st.Shards.ShardBytes)),
		Uptime:        st.Uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(st.Uptime / time.Second),
		Port:          s.cfg.Server.Port,
		StartedAt:     st.StartedAt.Format(time.RFC3339),
	})
}
