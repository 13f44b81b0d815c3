package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Luismorlan/communitymux/core"
	"github.com/Luismorlan/communitymux/model"
	"github.com/Luismorlan/communitymux/tracking"
	"github.com/Luismorlan/communitymux/utils"
)

func newTestRouter(t *testing.T, token string) (*gin.Engine, *gorm.DB) {
	gin.SetMode(gin.TestMode)
	db := utils.CreateTempDB(t)
	bus := gochannel.NewGoChannel(gochannel.Config{}, watermill.NewStdLogger(false, false))
	t.Cleanup(func() { bus.Close() })
	service := core.NewService(db, bus, tracking.NewRegistry(db))
	return NewRouter(service, RouterOptions{APIToken: token}), db
}

func doRequest(router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	out := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestPing(t *testing.T) {
	router, _ := newTestRouter(t, "secret")
	rec := doRequest(router, http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", decode(t, rec)["message"])
}

func TestQueryRoutes(t *testing.T) {
	router, _ := newTestRouter(t, "")

	rec := doRequest(router, http.MethodPost, "/queries", gin.H{"text": "camping and RV lifestyle"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	created := decode(t, rec)
	assert.Equal(t, string(model.QueryStatusPending), created["status"])
	id := created["id"].(string)

	rec = doRequest(router, http.MethodGet, "/queries/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "camping and RV lifestyle", decode(t, rec)["raw_text"])

	rec = doRequest(router, http.MethodGet, "/queries/"+id+"/communities", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["communities"])

	rec = doRequest(router, http.MethodPost, "/queries", gin.H{"text": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, float64(ErrorBadRequest), decode(t, rec)["code"])

	rec = doRequest(router, http.MethodGet, "/queries/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCommunityRoutes(t *testing.T) {
	router, db := newTestRouter(t, "")
	require.NoError(t, db.Create(&model.Community{Id: "c1", PlatformId: "r/camping"}).Error)
	finished := time.Now()
	require.NoError(t, db.Create(&model.ScrapeRun{Id: "run-1", CommunityId: "c1", StartedAt: finished.Add(-time.Second), FinishedAt: &finished, Outcome: model.ScrapeOutcomeSuccess, ItemsIngested: 10}).Error)

	rec := doRequest(router, http.MethodPut, "/communities/c1/tracking", gin.H{"enabled": true})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["Enabled"])

	rec = doRequest(router, http.MethodPut, "/communities/c1/tracking", gin.H{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["Enabled"])

	rec = doRequest(router, http.MethodPut, "/communities/c1/tracking", gin.H{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(router, http.MethodGet, "/communities/c1/scrape_runs?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	runs := decode(t, rec)["scrape_runs"].([]interface{})
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].(map[string]interface{})["Id"])

	rec = doRequest(router, http.MethodGet, "/communities/c1/scrape_runs?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(router, http.MethodGet, "/communities/missing/scrape_runs", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterSubscriberRoute(t *testing.T) {
	router, _ := newTestRouter(t, "")

	rec := doRequest(router, http.MethodPost, "/subscribers", gin.H{"kind": "slack", "url": "https://hooks.slack.com/services/x"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "slack", decode(t, rec)["Kind"])

	rec = doRequest(router, http.MethodPost, "/subscribers", gin.H{"kind": "pager"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIToken(t *testing.T) {
	router, _ := newTestRouter(t, "secret")

	rec := doRequest(router, http.MethodGet, "/queries/any", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(router, http.MethodGet, "/queries/any?token=wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(router, http.MethodGet, "/queries/any?token=secret", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
