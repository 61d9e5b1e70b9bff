package scenarios_test

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ganeti-go/ganeti/pkg/confd"
	"github.com/ganeti-go/ganeti/pkg/config"
	"github.com/ganeti-go/ganeti/pkg/hooks"
	"github.com/ganeti-go/ganeti/pkg/ipam"
	"github.com/ganeti-go/ganeti/pkg/locking"
	"github.com/ganeti-go/ganeti/pkg/masterd"
	"github.com/ganeti-go/ganeti/pkg/types"
)

// recordingRunner satisfies hooks.Runner, remembering every hook
// invocation so specs can assert on phases and environments.
type recordingRunner struct {
	mu    sync.Mutex
	calls []hookCall
}

type hookCall struct {
	Nodes []string
	Path  string
	Phase hooks.Phase
	Env   map[string]string
}

func (r *recordingRunner) RunHooks(ctx context.Context, nodes []string, htype hooks.HType, path string, phase hooks.Phase, env map[string]string) (map[string][]hooks.NodeScriptResult, map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, hookCall{Nodes: nodes, Path: path, Phase: phase, Env: env})
	results := make(map[string][]hooks.NodeScriptResult, len(nodes))
	for _, n := range nodes {
		results[n] = []hooks.NodeScriptResult{{Node: n, Script: "01-default", Result: hooks.ResultSuccess}}
	}
	return results, map[string]string{}, nil
}

func (r *recordingRunner) callsFor(path string, phase hooks.Phase) []hookCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []hookCall
	for _, c := range r.calls {
		if c.Path == path && c.Phase == phase {
			out = append(out, c)
		}
	}
	return out
}

// cluster is the in-memory single-node test fixture every scenario
// starts from: one master node in the default group.
type cluster struct {
	daemon *masterd.Daemon
	store  *config.Store
	hooks  *recordingRunner
}

func newCluster() *cluster {
	dir := GinkgoT().TempDir()

	store, err := config.New(dir)
	Expect(err).NotTo(HaveOccurred())
	Expect(store.Update(func(data *types.ConfigData) error {
		data.Cluster = &types.Cluster{ClusterName: "cluster1.example.com", MasterNode: "master1"}
		data.NodeGroups["default"] = &types.NodeGroup{Name: "default", AllocPolicy: "preferred"}
		data.Nodes["master1"] = &types.Node{
			Name: "master1", Role: types.NodeRoleMaster, Group: "default", PrimaryIP: "192.0.2.10",
		}
		return nil
	})).To(Succeed())

	runner := &recordingRunner{}
	daemon, err := masterd.NewWithStore(store, masterd.Options{
		DataDir: dir,
		Workers: 2,
		Hooks:   runner,
	})
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { _ = daemon.Close() })

	return &cluster{daemon: daemon, store: store, hooks: runner}
}

func (c *cluster) submit(opName string, body map[string]interface{}) *types.Job {
	raw, err := json.Marshal(body)
	Expect(err).NotTo(HaveOccurred())
	job, err := c.daemon.SubmitJob([]string{opName}, []json.RawMessage{raw})
	Expect(err).NotTo(HaveOccurred())
	return job
}

func (c *cluster) wait(job *types.Job) *types.Job {
	finished, err := c.daemon.WaitForJobCompletion(job.ID, 15*time.Second)
	Expect(err).NotTo(HaveOccurred())
	return finished
}

var _ = Describe("group add on an empty cluster", func() {
	It("runs one job to success, advances the serial by one, and fires the pre-hook env", func() {
		c := newCluster()
		serialBefore := c.store.SerialNo()

		job := c.wait(c.submit("OP_GROUP_ADD", map[string]interface{}{
			"group_name": "g1", "alloc_policy": "preferred",
		}))
		Expect(job.Status).To(Equal(types.JobStatusSuccess))
		Expect(c.store.SerialNo()).To(Equal(serialBefore + 1))

		snap := c.store.Snapshot()
		group := snap.NodeGroups["g1"]
		Expect(group).NotTo(BeNil())
		members := []string{}
		for _, node := range snap.Nodes {
			if node.Group == "g1" {
				members = append(members, node.Name)
			}
		}
		Expect(members).To(BeEmpty())

		preCalls := c.hooks.callsFor("group-add", hooks.PhasePre)
		Expect(preCalls).To(HaveLen(1))
		Expect(preCalls[0].Env).To(HaveKeyWithValue("GANETI_GROUP_NAME", "g1"))
	})
})

var _ = Describe("concurrent node assignment to disjoint groups", func() {
	It("lets both jobs succeed and leaves each node in its group", func() {
		c := newCluster()
		for _, setup := range []map[string]interface{}{
			{"group_name": "g1"},
			{"group_name": "g2"},
		} {
			Expect(c.wait(c.submit("OP_GROUP_ADD", setup)).Status).To(Equal(types.JobStatusSuccess))
		}
		for name, ip := range map[string]string{"n1": "192.0.2.11", "n2": "192.0.2.12", "n3": "192.0.2.13"} {
			job := c.wait(c.submit("OP_NODE_ADD", map[string]interface{}{
				"node_name": name, "primary_ip": ip,
			}))
			Expect(job.Status).To(Equal(types.JobStatusSuccess))
		}

		// Back-to-back submission; completion order is unspecified.
		job1 := c.submit("OP_GROUP_ASSIGN_NODES", map[string]interface{}{
			"group_name": "g1", "nodes": []string{"n1", "n2"},
		})
		job2 := c.submit("OP_GROUP_ASSIGN_NODES", map[string]interface{}{
			"group_name": "g2", "nodes": []string{"n3"},
		})

		Expect(c.wait(job1).Status).To(Equal(types.JobStatusSuccess))
		Expect(c.wait(job2).Status).To(Equal(types.JobStatusSuccess))

		snap := c.store.Snapshot()
		Expect(snap.Nodes["n1"].Group).To(Equal("g1"))
		Expect(snap.Nodes["n2"].Group).To(Equal("g1"))
		Expect(snap.Nodes["n3"].Group).To(Equal("g2"))
	})
})

var _ = Describe("lock timeout surfaces as a prerequisite error", func() {
	It("fails the contending job within its deadline and leaves the holder untouched", func() {
		c := newCluster()

		// An unrelated owner holds the master node's lock exclusively.
		holder := c.daemon.Locking.NewOwner("external-holder")
		_, err := holder.Acquire(locking.LevelCluster, []string{locking.BGLName}, locking.AcquireOpts{Shared: true})
		Expect(err).NotTo(HaveOccurred())
		_, err = holder.Acquire(locking.LevelNode, []string{"master1"}, locking.AcquireOpts{})
		Expect(err).NotTo(HaveOccurred())
		defer holder.ReleaseAll()

		start := time.Now()
		job := c.wait(c.submit("OP_NODE_SET_PARAMS", map[string]interface{}{
			"node_name": "master1", "master_candidate": true, "lock_timeout": 2,
		}))
		Expect(job.Status).To(Equal(types.JobStatusError))
		Expect(time.Since(start)).To(BeNumerically("<", 10*time.Second))
		Expect(*job.OpResult[0].Error).To(ContainSubstring("timed out acquiring locks"))

		// The holder still owns the lock.
		Expect(holder.IsOwned(locking.LevelNode, "master1")).To(BeTrue())
	})
})

var _ = Describe("address pool lifecycle", func() {
	It("reserves network, gateway and broadcast, then hands out the first free address once", func() {
		pool, err := ipam.NewPool("192.0.2.0/29")
		Expect(err).NotTo(HaveOccurred())
		Expect(pool.InitializeNetwork("192.0.2.1")).To(Succeed())

		for _, addr := range []string{"192.0.2.0", "192.0.2.1", "192.0.2.7"} {
			reserved, err := pool.IsReserved(addr, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(reserved).To(BeTrue(), "expected %s in ext reservations", addr)
		}

		free, err := pool.GenerateFree()
		Expect(err).NotTo(HaveOccurred())
		Expect(free).To(Equal("192.0.2.2"))

		Expect(pool.Reserve("192.0.2.2", false)).To(Succeed())
		Expect(pool.Reserve("192.0.2.2", false)).To(HaveOccurred())
	})
})

var _ = Describe("confd reply filtering", func() {
	It("delivers first and changed replies, suppressing duplicates and stale serials", func() {
		var delivered []confd.ReplyUpcall
		filter := confd.NewFilter(func(up confd.ReplyUpcall) {
			delivered = append(delivered, up)
		})

		reply := func(serial int64, answer string) confd.ReplyUpcall {
			return confd.ReplyUpcall{
				Salt:        "salt-1",
				ServerReply: confd.Reply{Status: confd.ReplyStatusOK, Answer: answer, Serial: serial},
			}
		}

		Expect(filter.Accept(reply(3, "master1"))).To(BeTrue())
		Expect(filter.Accept(reply(3, "master1"))).To(BeFalse(), "duplicate must be suppressed")
		Expect(filter.Accept(reply(5, "master2"))).To(BeTrue())
		Expect(filter.Accept(reply(4, "master1"))).To(BeFalse(), "stale serial must be suppressed")

		Expect(delivered).To(HaveLen(2))
		Expect(delivered[0].ServerReply.Serial).To(Equal(int64(3)))
		Expect(delivered[1].ServerReply.Serial).To(Equal(int64(5)))
	})
})

var _ = Describe("dry-run group modify", func() {
	It("succeeds without writing the config, firing post-hooks, or losing the projection", func() {
		c := newCluster()
		serialBefore := c.store.SerialNo()

		job := c.wait(c.submit("OP_GROUP_SET_PARAMS", map[string]interface{}{
			"group_name": "default", "alloc_policy": "last_resort", "dry_run": true,
		}))
		Expect(job.Status).To(Equal(types.JobStatusSuccess))
		Expect(c.store.SerialNo()).To(Equal(serialBefore), "dry run must not write the config")
		Expect(c.hooks.callsFor("group-modify", hooks.PhasePost)).To(BeEmpty())

		projection, ok := job.OpResult[0].Result.(map[string]interface{})
		Expect(ok).To(BeTrue(), "result: %#v", job.OpResult[0].Result)
		Expect(projection).To(HaveKeyWithValue("alloc_policy", "last_resort"))
		Expect(c.store.Snapshot().NodeGroups["default"].AllocPolicy).To(Equal("preferred"))
	})
})
