// Package rpc implements the fan-out node-daemon RPC runner: concurrent
// HTTPS calls to every node in a list, with results keyed by node name.
// RPC failures never propagate as Go errors to the caller — they become
// FailMsg fields on the per-node result.
package rpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ganeti-go/ganeti/pkg/hooks"
	"github.com/ganeti-go/ganeti/pkg/log"
	"github.com/ganeti-go/ganeti/pkg/metrics"
)

// Result is one node's outcome from a single RPC call.
type Result struct {
	Node    string
	Payload interface{}
	FailMsg string
	Offline bool
}

// Runner fans requests out to node daemons over HTTPS, POSTing to
// /_ganeti_rpc/<method> with a JSON {"method":...,"args":...} body and
// decoding a {"success":bool,"result":any,"fail_msg":string} reply.
type Runner struct {
	client      *http.Client
	port        int
	callTimeout time.Duration
	offline     func(node string) bool
}

// Option configures a Runner.
type Option func(*Runner)

// WithOfflineCheck supplies a callback the runner consults before even
// attempting a call, so config-known-offline nodes short-circuit to an
// Offline result without a network round-trip.
func WithOfflineCheck(fn func(node string) bool) Option {
	return func(r *Runner) { r.offline = fn }
}

// WithCallTimeout overrides the per-call timeout (default 60s). There is
// deliberately no global timeout across the whole fan-out.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Runner) { r.callTimeout = d }
}

// NewRunner builds a Runner that dials node daemons on port using tlsCfg
// (expected to carry the cluster CA pool and a client certificate issued
// by it, mirroring the mTLS discipline in pkg/security).
func NewRunner(port int, tlsCfg *tls.Config, opts ...Option) *Runner {
	r := &Runner{
		port:        port,
		callTimeout: 60 * time.Second,
		client: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

type wireRequest struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args"`
}

type wireReply struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	FailMsg string          `json:"fail_msg"`
}

// Call fans method(args) out to every node in nodes concurrently and
// returns one Result per node, in no particular order relative to the
// input.
func (r *Runner) Call(ctx context.Context, nodes []string, method string, args interface{}) map[string]Result {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		argsJSON = json.RawMessage("null")
	}

	out := make(map[string]Result, len(nodes))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, node := range nodes {
		node := node
		if r.offline != nil && r.offline(node) {
			mu.Lock()
			out[node] = Result{Node: node, Offline: true}
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := r.callOne(ctx, node, method, argsJSON)
			mu.Lock()
			out[node] = res
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

func (r *Runner) callOne(ctx context.Context, node, method string, argsJSON json.RawMessage) Result {
	timer := metrics.NewTimer()
	res := r.doCall(ctx, node, method, argsJSON)
	timer.ObserveDurationVec(metrics.RPCCallDuration, method)
	outcome := "ok"
	switch {
	case res.Offline:
		outcome = "offline"
	case res.FailMsg != "":
		outcome = "failed"
	}
	metrics.RPCCallsTotal.WithLabelValues(method, outcome).Inc()
	return res
}

func (r *Runner) doCall(ctx context.Context, node, method string, argsJSON json.RawMessage) Result {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	body, err := json.Marshal(wireRequest{Method: method, Args: argsJSON})
	if err != nil {
		return Result{Node: node, FailMsg: err.Error()}
	}

	url := fmt.Sprintf("https://%s:%d/_ganeti_rpc/%s", node, r.port, method)
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{Node: node, FailMsg: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		// A transport failure is not the same as config-known offline:
		// Offline is only ever set by the pre-call check.
		log.Logger.Debug().Str("node", node).Str("method", method).Err(err).Msg("rpc call failed")
		return Result{Node: node, FailMsg: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{Node: node, FailMsg: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return Result{Node: node, FailMsg: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(data))}
	}

	var reply wireReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return Result{Node: node, FailMsg: "malformed reply: " + err.Error()}
	}
	if !reply.Success {
		return Result{Node: node, FailMsg: reply.FailMsg}
	}

	var payload interface{}
	if len(reply.Result) > 0 {
		_ = json.Unmarshal(reply.Result, &payload)
	}
	return Result{Node: node, Payload: payload}
}

// hookScriptArgs is the wire payload sent to a node's /_ganeti_rpc/hooks_runner.
type hookScriptArgs struct {
	HType string            `json:"htype"`
	Path  string            `json:"path"`
	Phase string            `json:"phase"`
	Env   map[string]string `json:"env"`
}

// hookScriptReply is what a node daemon returns from hooks_runner: one
// (script, result, output) triple per script it ran under the phase
// directory.
type hookScriptReply struct {
	Scripts []struct {
		Script string `json:"script"`
		Result string `json:"result"`
		Output string `json:"output"`
	} `json:"scripts"`
}

// RunHooks implements hooks.Runner on top of Call, satisfying the hook
// master's dependency on the RPC fan-out.
func (r *Runner) RunHooks(ctx context.Context, nodes []string, htype hooks.HType, path string, phase hooks.Phase, env map[string]string) (map[string][]hooks.NodeScriptResult, map[string]string, error) {
	replies := r.Call(ctx, nodes, "hooks_runner", hookScriptArgs{
		HType: string(htype), Path: path, Phase: string(phase), Env: env,
	})

	results := make(map[string][]hooks.NodeScriptResult)
	failMsgs := make(map[string]string)
	for node, res := range replies {
		if res.Offline || res.FailMsg != "" {
			failMsgs[node] = res.FailMsg
			continue
		}
		payloadJSON, err := json.Marshal(res.Payload)
		if err != nil {
			failMsgs[node] = err.Error()
			continue
		}
		var reply hookScriptReply
		if err := json.Unmarshal(payloadJSON, &reply); err != nil {
			failMsgs[node] = "malformed hooks reply: " + err.Error()
			continue
		}
		var scripts []hooks.NodeScriptResult
		for _, s := range reply.Scripts {
			scripts = append(scripts, hooks.NodeScriptResult{
				Node: node, Script: s.Script, Result: hooks.ScriptResult(s.Result), Output: s.Output,
			})
		}
		results[node] = scripts
	}
	return results, failMsgs, nil
}
