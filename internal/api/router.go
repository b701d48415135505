package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/vdavid/mailsync/internal/auth"
)

// idPattern limits path ids to UUID-shaped strings so malformed ids are a 404
// instead of a database cast error.
const idPattern = "[0-9a-fA-F-]{36}"

// Handlers groups everything the router mounts.
type Handlers struct {
	Auth        *auth.Authenticator
	Accounts    *AccountsHandler
	Sync        *SyncHandler
	Emails      *EmailsHandler
	Folders     *FoldersHandler
	ThreadList  *ThreadsHandler
	Threads     *ThreadHandler
	Attachments *AttachmentsHandler
	Messages    *MessagesHandler
	WebSocket   *WebSocketHandler
}

// NewRouter mounts the /api/v1 surface. Everything except the websocket and
// signed downloads sits behind bearer auth.
func NewRouter(h Handlers) *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/api/v1").Subrouter()

	// These authenticate themselves: the websocket by token, downloads by signature.
	v1.HandleFunc("/ws", h.WebSocket.Handle).Methods(http.MethodGet)
	v1.HandleFunc("/attachments/{attachmentID:"+idPattern+"}/download", h.Attachments.Download).Methods(http.MethodGet)

	api := v1.NewRoute().Subrouter()
	api.Use(h.Auth.RequireAuth)

	api.HandleFunc("/accounts", h.Accounts.List).Methods(http.MethodGet)
	api.HandleFunc("/accounts", h.Accounts.Create).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{accountID:"+idPattern+"}", h.Accounts.Get).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{accountID:"+idPattern+"}", h.Accounts.Update).Methods(http.MethodPut)

	api.HandleFunc("/accounts/{accountID:"+idPattern+"}/sync", h.Sync.Trigger).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{accountID:"+idPattern+"}/sync/status", h.Sync.Status).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{accountID:"+idPattern+"}/jobs", h.Sync.Jobs).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{accountID:"+idPattern+"}/emails", h.Emails.List).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{accountID:"+idPattern+"}/threads", h.ThreadList.GetThreads).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{accountID:"+idPattern+"}/folders", h.Folders.GetFolders).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{accountID:"+idPattern+"}/messages", h.Messages.Send).Methods(http.MethodPost)

	api.HandleFunc("/emails/{emailID:"+idPattern+"}", h.Emails.Patch).Methods(http.MethodPatch)
	api.HandleFunc("/threads/{threadID:"+idPattern+"}", h.Threads.GetThread).Methods(http.MethodGet)
	api.HandleFunc("/attachments/{attachmentID:"+idPattern+"}/link", h.Attachments.Link).Methods(http.MethodGet)

	return r
}
