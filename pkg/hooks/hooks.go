// Package hooks implements the distributed pre/post hook execution:
// for every LU that declares a hook path, the hook master builds an
// environment, fans the phase's scripts out to the relevant nodes over
// the RPC runner, and interprets per-script result codes.
package hooks

import (
	"context"
	"fmt"
	"sort"

	gerrors "github.com/ganeti-go/ganeti/pkg/errors"
	"github.com/ganeti-go/ganeti/pkg/log"
	"github.com/ganeti-go/ganeti/pkg/metrics"
)

// HType is the kind of object a hook fires on.
type HType string

const (
	HTypeCluster  HType = "cluster"
	HTypeNode     HType = "node"
	HTypeInstance HType = "instance"
	HTypeGroup    HType = "group"
)

// Phase is pre (runs before Exec, may abort) or post (runs after Exec,
// failures are only logged).
type Phase string

const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
)

// ScriptResult is one node's hook-script outcome.
type ScriptResult string

const (
	ResultSkip    ScriptResult = "SKIP"
	ResultFail    ScriptResult = "FAIL"
	ResultSuccess ScriptResult = "SUCCESS"
)

// NodeScriptResult is one (node, script) outcome, used to build
// HooksAbort/log entries.
type NodeScriptResult struct {
	Node   string
	Script string
	Result ScriptResult
	Output string
}

// Runner is the subset of the RPC runner the hook master needs: fan a
// hook invocation out to a node set and collect results.
type Runner interface {
	RunHooks(ctx context.Context, nodes []string, htype HType, path string, phase Phase, env map[string]string) (map[string][]NodeScriptResult, map[string]string, error)
}

// Master builds and runs one LU's hooks. It is constructed fresh per
// opcode with the opcode identifier, hook-path suffix, node sets for
// each phase, an env-builder callback, a log callback, htype, and the
// cluster/master names.
type Master struct {
	runner       Runner
	opcode       string
	path         string
	htype        HType
	clusterName  string
	masterName   string
	preNodes     []string
	postNodes    []string
	buildEnv     func(phase Phase) map[string]string
	logWarning   func(format string, args ...interface{})
}

// NewMaster constructs a Master. buildEnv is called once per phase and
// must return only the per-LU keys (unprefixed); Master adds the
// GANETI_/GANETI_POST_ prefixing and the fixed base environment.
func NewMaster(runner Runner, opcode, path string, htype HType, clusterName, masterName string,
	preNodes, postNodes []string, buildEnv func(Phase) map[string]string, logWarning func(string, ...interface{})) *Master {
	if logWarning == nil {
		logWarning = func(format string, args ...interface{}) { log.Logger.Warn().Msgf(format, args...) }
	}
	return &Master{
		runner: runner, opcode: opcode, path: path, htype: htype,
		clusterName: clusterName, masterName: masterName,
		preNodes: preNodes, postNodes: postNodes,
		buildEnv: buildEnv, logWarning: logWarning,
	}
}

// baseEnv builds the fixed environment common to every hook invocation.
func (m *Master) baseEnv(phase Phase) map[string]string {
	env := map[string]string{
		"PATH":                 "/sbin:/bin:/usr/sbin:/usr/bin",
		"GANETI_HOOKS_VERSION": "2",
		"GANETI_OP_CODE":       m.opcode,
		"GANETI_DATA_DIR":      "/var/lib/ganeti",
		"GANETI_HOOKS_PHASE":   string(phase),
		"GANETI_HOOKS_PATH":    m.path,
		"GANETI_OBJECT_TYPE":   string(m.htype),
	}
	if m.clusterName != "" {
		env["GANETI_CLUSTER"] = m.clusterName
	}
	if m.masterName != "" {
		env["GANETI_MASTER"] = m.masterName
	}
	return env
}

// buildPhaseEnv merges the base env, the per-LU env (prefixed per
// phase), and — for post — the pre-phase env for cross-referencing.
func (m *Master) buildPhaseEnv(phase Phase, preEnv map[string]string) map[string]string {
	out := m.baseEnv(phase)
	custom := map[string]string{}
	if m.buildEnv != nil {
		custom = m.buildEnv(phase)
	}

	prefix := "GANETI_"
	if phase == PhasePost {
		prefix = "GANETI_POST_"
	}
	for k, v := range custom {
		out[prefixKey(prefix, k)] = v
	}
	if phase == PhasePost {
		for k, v := range preEnv {
			// Pre per-LU keys already carry GANETI_ (never GANETI_POST_);
			// base keys such as GANETI_HOOKS_PHASE keep their post values.
			if _, set := out[k]; !set {
				out[k] = v
			}
		}
	}
	return out
}

func prefixKey(prefix, key string) string {
	if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
		return key
	}
	return prefix + key
}

// RunPre runs the pre-phase. A script FAIL raises HooksAbort; a
// communication-level failure (no results for a node) raises
// HooksFailure. Returns the env used, so RunPost can merge it in.
func (m *Master) RunPre(ctx context.Context) (map[string]string, error) {
	env := m.buildPhaseEnv(PhasePre, nil)
	if len(m.preNodes) == 0 {
		return env, nil
	}
	results, failMsgs, err := m.runner.RunHooks(ctx, m.preNodes, m.htype, m.path, PhasePre, env)
	if err != nil {
		return env, &gerrors.HooksFailure{Msg: err.Error()}
	}
	if len(failMsgs) > 0 && len(results) == 0 {
		return env, &gerrors.HooksFailure{Msg: fmt.Sprintf("no results from any pre-hook node: %v", failMsgs)}
	}

	var failures []gerrors.HookFailure
	for node, scripts := range results {
		for _, s := range scripts {
			if s.Result == ResultFail {
				failures = append(failures, gerrors.HookFailure{Node: node, Script: s.Script, Output: s.Output})
			}
		}
	}
	sortFailures(failures)
	if len(failures) > 0 {
		metrics.HookRunsTotal.WithLabelValues(string(PhasePre), "abort").Inc()
		return env, &gerrors.HooksAbort{Failures: failures}
	}
	metrics.HookRunsTotal.WithLabelValues(string(PhasePre), "ok").Inc()
	return env, nil
}

// RunPost runs the post-phase. Script and communication failures are
// logged via logWarning and never abort.
func (m *Master) RunPost(ctx context.Context, preEnv map[string]string) {
	env := m.buildPhaseEnv(PhasePost, preEnv)
	if len(m.postNodes) == 0 {
		return
	}
	results, failMsgs, err := m.runner.RunHooks(ctx, m.postNodes, m.htype, m.path, PhasePost, env)
	if err != nil {
		metrics.HookRunsTotal.WithLabelValues(string(PhasePost), "failure").Inc()
		m.logWarning("post-hook communication failure: %v", err)
		return
	}
	metrics.HookRunsTotal.WithLabelValues(string(PhasePost), "ok").Inc()
	for node, msg := range failMsgs {
		m.logWarning("post-hook on node %s failed to communicate: %s", node, msg)
	}
	for node, scripts := range results {
		for _, s := range scripts {
			if s.Result == ResultFail {
				m.logWarning("post-hook %s on node %s failed: %s", s.Script, node, s.Output)
			}
		}
	}
}

// RunConfigUpdate runs the single post-phase master-only hook invoked
// when an LU's Exec modified the config.
func RunConfigUpdate(ctx context.Context, runner Runner, masterNode string) {
	_, failMsgs, err := runner.RunHooks(ctx, []string{masterNode}, HTypeCluster, "config-update", PhasePost, map[string]string{
		"GANETI_HOOKS_PHASE": string(PhasePost),
		"GANETI_HOOKS_PATH":  "config-update",
	})
	if err != nil || len(failMsgs) > 0 {
		log.Logger.Warn().Err(err).Msg("RunConfigUpdate hook failed to communicate")
	}
}

func sortFailures(f []gerrors.HookFailure) {
	sort.Slice(f, func(i, j int) bool {
		if f[i].Node != f[j].Node {
			return f[i].Node < f[j].Node
		}
		return f[i].Script < f[j].Script
	})
}
