package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

func TestEmailsHandler(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()
	srv := newTestServer(t, pool)

	acc := newAccount(t, pool)
	emailID, _ := emailInThread(t, pool, acc.AccountID)
	testutil.CreateTestEmail(t, pool, acc.AccountID, "second@test", 2)
	listPath := "/api/v1/accounts/" + acc.AccountID + "/emails"

	t.Run("lists with pagination", func(t *testing.T) {
		rr := srv.do(t, http.MethodGet, listPath+"?page=1&limit=1", acc.Email, nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		page := decode[models.EmailPage](t, rr)
		assert.Len(t, page.Emails, 1)
		assert.Equal(t, models.Pagination{TotalCount: 2, Page: 1, PerPage: 1}, page.Pagination)
	})

	t.Run("filters by flags", func(t *testing.T) {
		rr := srv.do(t, http.MethodGet, listPath+"?starred=true", acc.Email, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, 0, decode[models.EmailPage](t, rr).Pagination.TotalCount)

		rr = srv.do(t, http.MethodGet, listPath+"?unread=true&folder=INBOX", acc.Email, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, 2, decode[models.EmailPage](t, rr).Pagination.TotalCount)
	})

	t.Run("patch updates flags locally", func(t *testing.T) {
		rr := srv.do(t, http.MethodPatch, "/api/v1/emails/"+emailID, acc.Email, map[string]any{"is_read": true, "is_starred": true})
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		email := decode[models.Email](t, rr)
		assert.True(t, email.IsRead)
		assert.True(t, email.IsStarred)

		rr = srv.do(t, http.MethodGet, listPath+"?starred=true", acc.Email, nil)
		assert.Equal(t, 1, decode[models.EmailPage](t, rr).Pagination.TotalCount)
	})

	t.Run("patch moves folders", func(t *testing.T) {
		rr := srv.do(t, http.MethodPatch, "/api/v1/emails/"+emailID, acc.Email, map[string]any{"folder": "Archive"})
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "Archive", decode[models.Email](t, rr).Folder)
	})

	t.Run("patch validation", func(t *testing.T) {
		rr := srv.do(t, http.MethodPatch, "/api/v1/emails/"+emailID, acc.Email, map[string]any{})
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		rr = srv.do(t, http.MethodPatch, "/api/v1/emails/"+emailID, acc.Email, map[string]any{"is_red": true})
		assert.Equal(t, http.StatusBadRequest, rr.Code, "unknown fields are rejected")

		rr = srv.do(t, http.MethodPatch, "/api/v1/emails/"+emailID, acc.Email, map[string]any{"folder": ""})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("other owner cannot read or patch", func(t *testing.T) {
		other := newAccount(t, pool)
		rr := srv.do(t, http.MethodGet, listPath, other.Email, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)

		rr = srv.do(t, http.MethodPatch, "/api/v1/emails/"+emailID, other.Email, map[string]any{"is_read": false})
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		rr := srv.do(t, http.MethodDelete, "/api/v1/emails/"+emailID, acc.Email, nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})
}
