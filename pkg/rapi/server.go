// Package rapi implements the REST API: an HTTP surface that maps
// verbs and paths onto opcode
// submissions through the same path LUXI uses, plus read-only queries
// against config snapshots. Every mutating call returns a job ID.
package rapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	gerrors "github.com/ganeti-go/ganeti/pkg/errors"
	"github.com/ganeti-go/ganeti/pkg/types"
)

// Backend is the slice of the master daemon RAPI needs; it matches the
// LUXI server's view on purpose — both translators feed the same
// submission path.
type Backend interface {
	SubmitJob(opNames []string, ops []json.RawMessage) (*types.Job, error)
	GetJob(id int64) (*types.Job, error)
	QueryJobs() ([]*types.Job, error)
	CancelJob(id int64) error
	ConfigSnapshot() *types.ConfigData
}

// Features lists the optional capabilities this RAPI build advertises on
// /2/features.
var Features = []string{"dry-run-support"}

// Server is the RAPI HTTP server.
type Server struct {
	backend Backend
	users   *Users
	engine  *gin.Engine
}

// NewServer builds the router. users may be nil, which disables
// authentication entirely (unit tests only; production always passes a
// users file).
func NewServer(backend Backend, users *Users) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{backend: backend, users: users, engine: gin.New()}
	s.engine.Use(gin.Recovery())

	v2 := s.engine.Group("/2")
	v2.Use(s.authenticate)

	v2.GET("/info", s.getInfo)
	v2.GET("/features", s.getFeatures)

	v2.GET("/groups", s.listGroups)
	v2.POST("/groups", s.requireWrite, s.addGroup)
	v2.GET("/groups/:name", s.getGroup)
	v2.DELETE("/groups/:name", s.requireWrite, s.removeGroup)
	v2.PUT("/groups/:name/modify", s.requireWrite, s.modifyGroup)
	v2.PUT("/groups/:name/assign-nodes", s.requireWrite, s.assignNodes)

	v2.GET("/nodes", s.listNodes)
	v2.POST("/nodes", s.requireWrite, s.addNode)
	v2.GET("/nodes/:name", s.getNode)
	v2.DELETE("/nodes/:name", s.requireWrite, s.removeNode)
	v2.PUT("/nodes/:name/role", s.requireWrite, s.setNodeRole)

	v2.GET("/jobs", s.listJobs)
	v2.GET("/jobs/:id", s.getJob)
	v2.DELETE("/jobs/:id", s.requireWrite, s.cancelJob)

	return s
}

// Handler exposes the router for http.Server composition and tests.
func (s *Server) Handler() http.Handler { return s.engine }

const (
	ctxRole = "rapi-role"
)

func (s *Server) authenticate(c *gin.Context) {
	if s.users == nil {
		c.Set(ctxRole, RoleWrite)
		c.Next()
		return
	}
	name, password, ok := c.Request.BasicAuth()
	if !ok {
		c.Header("WWW-Authenticate", `Basic realm="Ganeti Remote API"`)
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	role, ok := s.users.Authenticate(name, password)
	if !ok {
		c.Header("WWW-Authenticate", `Basic realm="Ganeti Remote API"`)
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	c.Set(ctxRole, role)
	c.Next()
}

func (s *Server) requireWrite(c *gin.Context) {
	if role, _ := c.Get(ctxRole); role != RoleWrite {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": "write access required"})
		return
	}
	c.Next()
}

// submit marshals body as the single opcode of a new job and answers
// with its ID, the contract every mutating RAPI verb follows.
func (s *Server) submit(c *gin.Context, opName string, body map[string]interface{}) {
	if c.Query("dry-run") == "1" {
		body["dry_run"] = true
	}
	raw, err := json.Marshal(body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	job, err := s.backend.SubmitJob([]string{opName}, []json.RawMessage{raw})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": job.ID})
}

// writeError maps error kinds to HTTP statuses and ships the same error
// envelope LUXI uses, so clients re-instantiate the concrete type.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch err.(type) {
	case *gerrors.OpPrereqError:
		status = http.StatusBadRequest
	case *gerrors.JobQueueFull, *gerrors.JobQueueDrainError:
		status = http.StatusServiceUnavailable
	case *gerrors.JobQueueError:
		status = http.StatusNotFound
	}
	c.JSON(status, gerrors.ToEnvelope(err))
}

func (s *Server) getInfo(c *gin.Context) {
	snap := s.backend.ConfigSnapshot()
	info := gin.H{
		"serial_no": snap.SerialNo,
		"version":   snap.Version,
	}
	if snap.Cluster != nil {
		info["name"] = snap.Cluster.ClusterName
		info["master"] = snap.Cluster.MasterNode
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) getFeatures(c *gin.Context) {
	c.JSON(http.StatusOK, Features)
}

type groupView struct {
	Name        string   `json:"name"`
	UUID        string   `json:"uuid"`
	AllocPolicy string   `json:"alloc_policy"`
	Members     []string `json:"members"`
	SerialNo    int64    `json:"serial_no"`
}

func groupToView(snap *types.ConfigData, g *types.NodeGroup) groupView {
	view := groupView{Name: g.Name, UUID: g.UUID, AllocPolicy: g.AllocPolicy, SerialNo: g.SerialNo, Members: []string{}}
	for name, node := range snap.Nodes {
		if node.Group == g.Name {
			view.Members = append(view.Members, name)
		}
	}
	sort.Strings(view.Members)
	return view
}

func (s *Server) listGroups(c *gin.Context) {
	snap := s.backend.ConfigSnapshot()
	bulk := c.Query("bulk") == "1"

	names := make([]string, 0, len(snap.NodeGroups))
	for name := range snap.NodeGroups {
		names = append(names, name)
	}
	sort.Strings(names)

	if !bulk {
		c.JSON(http.StatusOK, names)
		return
	}
	views := make([]groupView, 0, len(names))
	for _, name := range names {
		views = append(views, groupToView(snap, snap.NodeGroups[name]))
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) getGroup(c *gin.Context) {
	snap := s.backend.ConfigSnapshot()
	group, ok := snap.NodeGroups[c.Param("name")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "group not found"})
		return
	}
	c.JSON(http.StatusOK, groupToView(snap, group))
}

func (s *Server) addGroup(c *gin.Context) {
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	s.submit(c, "OP_GROUP_ADD", body)
}

func (s *Server) removeGroup(c *gin.Context) {
	s.submit(c, "OP_GROUP_REMOVE", map[string]interface{}{"group_name": c.Param("name")})
}

func (s *Server) modifyGroup(c *gin.Context) {
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	body["group_name"] = c.Param("name")
	s.submit(c, "OP_GROUP_SET_PARAMS", body)
}

func (s *Server) assignNodes(c *gin.Context) {
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	body["group_name"] = c.Param("name")
	s.submit(c, "OP_GROUP_ASSIGN_NODES", body)
}

type nodeView struct {
	Name      string            `json:"name"`
	UUID      string            `json:"uuid"`
	PrimaryIP string            `json:"primary_ip"`
	Role      types.NodeRole    `json:"role"`
	Group     string            `json:"group"`
	NDParams  map[string]string `json:"ndparams"`
	SerialNo  int64             `json:"serial_no"`
}

// nodeToView resolves the node's effective parameters by layering the
// group's ndparams under the node's own overrides.
func nodeToView(snap *types.ConfigData, n *types.Node) nodeView {
	var groupParams map[string]string
	if group, ok := snap.NodeGroups[n.Group]; ok {
		groupParams = group.NodeParams
	}
	return nodeView{
		Name: n.Name, UUID: n.UUID, PrimaryIP: n.PrimaryIP, Role: n.Role, Group: n.Group,
		NDParams: types.MergeParams(groupParams, n.NDParams),
		SerialNo: n.SerialNo,
	}
}

func (s *Server) listNodes(c *gin.Context) {
	snap := s.backend.ConfigSnapshot()
	bulk := c.Query("bulk") == "1"

	names := make([]string, 0, len(snap.Nodes))
	for name := range snap.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	if !bulk {
		c.JSON(http.StatusOK, names)
		return
	}
	views := make([]nodeView, 0, len(names))
	for _, name := range names {
		views = append(views, nodeToView(snap, snap.Nodes[name]))
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) getNode(c *gin.Context) {
	snap := s.backend.ConfigSnapshot()
	n, ok := snap.Nodes[c.Param("name")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"message": "node not found"})
		return
	}
	c.JSON(http.StatusOK, nodeToView(snap, n))
}

func (s *Server) addNode(c *gin.Context) {
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	s.submit(c, "OP_NODE_ADD", body)
}

func (s *Server) removeNode(c *gin.Context) {
	s.submit(c, "OP_NODE_REMOVE", map[string]interface{}{"node_name": c.Param("name")})
}

func (s *Server) setNodeRole(c *gin.Context) {
	var body map[string]interface{}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	body["node_name"] = c.Param("name")
	s.submit(c, "OP_NODE_SET_PARAMS", body)
}

type jobView struct {
	ID         int64             `json:"id"`
	Status     types.JobStatus   `json:"status"`
	OpNames    []string          `json:"ops"`
	OpStatus   []types.OpStatus  `json:"opstatus"`
	OpResult   []types.OpResult  `json:"opresult"`
	ReceivedTS time.Time         `json:"received_ts"`
	StartTS    *time.Time        `json:"start_ts,omitempty"`
	EndTS      *time.Time        `json:"end_ts,omitempty"`
}

func jobToView(j *types.Job) jobView {
	return jobView{
		ID: j.ID, Status: j.Status, OpNames: j.OpNames,
		OpStatus: j.OpStatus, OpResult: j.OpResult,
		ReceivedTS: j.ReceivedTS, StartTS: j.StartTS, EndTS: j.EndTS,
	}
}

func (s *Server) listJobs(c *gin.Context) {
	jobs, err := s.backend.QueryJobs()
	if err != nil {
		s.writeError(c, err)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobToView(j))
	}
	c.JSON(http.StatusOK, views)
}

func (s *Server) getJob(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "bad job id"})
		return
	}
	job, err := s.backend.GetJob(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"message": "job not found"})
		return
	}
	c.JSON(http.StatusOK, jobToView(job))
}

func (s *Server) cancelJob(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "bad job id"})
		return
	}
	if err := s.backend.CancelJob(id); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": id})
}
