package rapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ganeti-go/ganeti/pkg/config"
	"github.com/ganeti-go/ganeti/pkg/masterd"
	"github.com/ganeti-go/ganeti/pkg/rapi"
	"github.com/ganeti-go/ganeti/pkg/types"
)

func testServer(t *testing.T) (*masterd.Daemon, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()

	store, err := config.New(dir)
	require.NoError(t, err)
	require.NoError(t, store.Update(func(data *types.ConfigData) error {
		data.Cluster = &types.Cluster{ClusterName: "cluster1", MasterNode: "master1"}
		data.NodeGroups["default"] = &types.NodeGroup{Name: "default", UUID: "uuid-default"}
		data.Nodes["master1"] = &types.Node{Name: "master1", Role: types.NodeRoleMaster, Group: "default", PrimaryIP: "192.0.2.10"}
		return nil
	}))

	daemon, err := masterd.NewWithStore(store, masterd.Options{DataDir: dir, Workers: 2})
	require.NoError(t, err)
	t.Cleanup(func() { daemon.Close() })

	users := rapi.NewUsers()
	require.NoError(t, users.Add("admin", "adminpw", rapi.RoleWrite))
	require.NoError(t, users.Add("viewer", "viewerpw", rapi.RoleRead))

	srv := httptest.NewServer(rapi.NewServer(daemon, users).Handler())
	t.Cleanup(srv.Close)
	return daemon, srv
}

func doReq(t *testing.T, srv *httptest.Server, method, path, user, password string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	if user != "" {
		req.SetBasicAuth(user, password)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func waitJob(t *testing.T, daemon *masterd.Daemon, id int64) *types.Job {
	t.Helper()
	job, err := daemon.WaitForJobCompletion(id, 10*time.Second)
	require.NoError(t, err)
	return job
}

func TestAuthRequired(t *testing.T) {
	_, srv := testServer(t)

	resp := doReq(t, srv, http.MethodGet, "/2/info", "", "", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doReq(t, srv, http.MethodGet, "/2/info", "admin", "wrong", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestReadRoleCannotWrite(t *testing.T) {
	_, srv := testServer(t)

	resp := doReq(t, srv, http.MethodPost, "/2/groups", "viewer", "viewerpw", map[string]interface{}{"group_name": "g1"})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doReq(t, srv, http.MethodGet, "/2/groups", "viewer", "viewerpw", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGroupAddReturnsJobID(t *testing.T) {
	daemon, srv := testServer(t)

	resp := doReq(t, srv, http.MethodPost, "/2/groups", "admin", "adminpw", map[string]interface{}{"group_name": "g1", "alloc_policy": "preferred"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var reply struct {
		JobID int64 `json:"job_id"`
	}
	decodeJSON(t, resp, &reply)
	require.Greater(t, reply.JobID, int64(0))

	job := waitJob(t, daemon, reply.JobID)
	require.Equal(t, types.JobStatusSuccess, job.Status)

	resp = doReq(t, srv, http.MethodGet, "/2/groups/g1", "admin", "adminpw", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view struct {
		Name    string   `json:"name"`
		Members []string `json:"members"`
	}
	decodeJSON(t, resp, &view)
	assert.Equal(t, "g1", view.Name)
	assert.Empty(t, view.Members)
}

func TestGroupListBulk(t *testing.T) {
	_, srv := testServer(t)

	resp := doReq(t, srv, http.MethodGet, "/2/groups", "admin", "adminpw", nil)
	var names []string
	decodeJSON(t, resp, &names)
	assert.Equal(t, []string{"default"}, names)

	resp = doReq(t, srv, http.MethodGet, "/2/groups?bulk=1", "admin", "adminpw", nil)
	var views []map[string]interface{}
	decodeJSON(t, resp, &views)
	require.Len(t, views, 1)
	assert.Equal(t, "default", views[0]["name"])
	assert.Equal(t, []interface{}{"master1"}, views[0]["members"])
}

func TestDryRunQueryParam(t *testing.T) {
	daemon, srv := testServer(t)
	before := daemon.Config.SerialNo()

	resp := doReq(t, srv, http.MethodPut, "/2/groups/default/modify?dry-run=1", "admin", "adminpw",
		map[string]interface{}{"alloc_policy": "last_resort"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var reply struct {
		JobID int64 `json:"job_id"`
	}
	decodeJSON(t, resp, &reply)

	job := waitJob(t, daemon, reply.JobID)
	require.Equal(t, types.JobStatusSuccess, job.Status)
	assert.Equal(t, before, daemon.Config.SerialNo(), "dry-run must not write the config")
}

func TestGetJob(t *testing.T) {
	daemon, srv := testServer(t)

	resp := doReq(t, srv, http.MethodPost, "/2/groups", "admin", "adminpw", map[string]interface{}{"group_name": "g1"})
	var reply struct {
		JobID int64 `json:"job_id"`
	}
	decodeJSON(t, resp, &reply)
	waitJob(t, daemon, reply.JobID)

	resp = doReq(t, srv, http.MethodGet, "/2/jobs/"+strconv.FormatInt(reply.JobID, 10), "admin", "adminpw", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view struct {
		ID     int64  `json:"id"`
		Status string `json:"status"`
	}
	decodeJSON(t, resp, &view)
	assert.Equal(t, reply.JobID, view.ID)
	assert.Equal(t, "success", view.Status)
}

func TestFeatures(t *testing.T) {
	_, srv := testServer(t)
	resp := doReq(t, srv, http.MethodGet, "/2/features", "viewer", "viewerpw", nil)
	var features []string
	decodeJSON(t, resp, &features)
	assert.Contains(t, features, "dry-run-support")
}
