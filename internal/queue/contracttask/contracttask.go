// Package contracttask implements the canonical task payload contract: it
// validates and normalizes canonical `task` payloads, lifts the two legacy
// payload shapes (codex_exec, codex_skill) into the same canonical view,
// and derives required worker capabilities and stage plans.
package contracttask

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queueerr"
)

// TargetRuntimes is the closed set of accepted targetRuntime values.
// "universal" is accepted on input and rewritten to the configured
// default at normalization time.
var targetRuntimes = map[string]bool{
	"codex":     true,
	"gemini":    true,
	"claude":    true,
	"universal": true,
}

var publishModes = map[string]bool{"none": true, "branch": true, "pr": true}

var forbiddenStepKeys = map[string]bool{
	"runtime": true, "targetRuntime": true, "model": true, "effort": true,
	"repository": true, "repo": true, "git": true, "publish": true, "container": true,
}

var reservedContainerEnvKeys = map[string]bool{
	"ARTIFACT_DIR": true, "JOB_ID": true, "REPOSITORY": true,
}

var (
	ownerRepoPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)
	vaultAuthPattern = regexp.MustCompile(`^vault://[A-Za-z0-9_.\-]+/[A-Za-z0-9_./\-]+#[A-Za-z0-9_.\-]+$`)
)

// Config carries the normalization-time configuration knobs that affect
// the canonical task contract.
type Config struct {
	DefaultTargetRuntime string // e.g. "codex"
	DefaultPublishMode   string // e.g. "pr"
}

// Skill describes the skill selection embedded in a task payload.
type Skill struct {
	ID                   string          `json:"id"`
	Args                 json.RawMessage `json:"args,omitempty"`
	RequiredCapabilities []string        `json:"requiredCapabilities,omitempty"`
}

// Publish describes the task's publish behavior.
type Publish struct {
	Mode string `json:"mode"`
}

// Auth carries vault-reference-only credentials for repo/publish access.
type Auth struct {
	RepoAuthRef    string `json:"repoAuthRef,omitempty"`
	PublishAuthRef string `json:"publishAuthRef,omitempty"`
}

// Container describes an optional containerized execution sub-contract,
// mutually exclusive with Steps.
type Container struct {
	Enabled bool              `json:"enabled"`
	Image   string            `json:"image,omitempty"`
	Command []string          `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Step is one entry of an optional step list; step-scoped keys must not
// shadow task-scoped concerns (see forbiddenStepKeys).
type Step map[string]json.RawMessage

// Task is the `task` sub-object of a canonical payload.
type Task struct {
	Instructions string          `json:"instructions"`
	Skill        *Skill          `json:"skill,omitempty"`
	Runtime      string          `json:"runtime,omitempty"`
	Git          json.RawMessage `json:"git,omitempty"`
	Publish      *Publish        `json:"publish,omitempty"`
	Steps        []Step          `json:"steps,omitempty"`
	Container    *Container      `json:"container,omitempty"`
}

// RawPayload is the wire shape of a canonical `task`-type job payload.
type RawPayload struct {
	Repository    string          `json:"repository"`
	TargetRuntime string          `json:"targetRuntime"`
	Auth          *Auth           `json:"auth,omitempty"`
	Task          Task            `json:"task"`
	Unknown       json.RawMessage `json:"-"`
}

// CanonicalView is the normalized, immutable result of contract
// normalization, ready for persistence as a Job's Payload.
type CanonicalView struct {
	Repository           string   `json:"repository"`
	TargetRuntime         string   `json:"targetRuntime"`
	Auth                  *Auth    `json:"auth,omitempty"`
	Task                  Task     `json:"task"`
	RequiredCapabilities  []string `json:"requiredCapabilities"`
	StagePlan             []string `json:"stagePlan"`
}

// Normalize validates raw and produces a CanonicalView for a canonical
// `task`-type payload.
func Normalize(cfg Config, raw RawPayload) (*CanonicalView, error) {
	repo := strings.TrimSpace(raw.Repository)
	if err := validateRepository(repo); err != nil {
		return nil, err
	}

	runtime := raw.TargetRuntime
	if runtime == "" {
		runtime = cfg.DefaultTargetRuntime
	}
	if !targetRuntimes[runtime] {
		return nil, queueerr.Contract("invalid_queue_payload", "targetRuntime %q is not recognized", runtime)
	}
	if runtime == "universal" {
		runtime = cfg.DefaultTargetRuntime
	}

	instructions := strings.TrimSpace(raw.Task.Instructions)
	if instructions == "" {
		return nil, queueerr.Contract("invalid_queue_payload", "task.instructions is required")
	}

	publish := raw.Task.Publish
	if publish == nil || publish.Mode == "" {
		mode := cfg.DefaultPublishMode
		if mode == "" {
			mode = "pr"
		}
		publish = &Publish{Mode: mode}
	}
	if !publishModes[publish.Mode] {
		return nil, queueerr.Contract("invalid_queue_payload", "task.publish.mode %q is not recognized", publish.Mode)
	}

	skill := raw.Task.Skill
	if skill == nil {
		skill = &Skill{ID: "auto"}
	}
	skill.RequiredCapabilities = normalizeCapabilities(skill.RequiredCapabilities)

	steps := raw.Task.Steps
	for i, step := range steps {
		for key := range step {
			if forbiddenStepKeys[key] {
				return nil, queueerr.Contract("invalid_queue_payload", "task.steps[%d] may not set task-scoped key %q", i, key)
			}
		}
	}

	container := raw.Task.Container
	if container != nil && container.Enabled {
		if len(steps) > 0 {
			return nil, queueerr.Contract("invalid_queue_payload", "task.container is mutually exclusive with task.steps")
		}
		if strings.TrimSpace(container.Image) == "" {
			return nil, queueerr.Contract("invalid_queue_payload", "task.container.image is required when enabled")
		}
		if len(container.Command) == 0 {
			return nil, queueerr.Contract("invalid_queue_payload", "task.container.command must be non-empty when enabled")
		}
		for k := range container.Env {
			if strings.Contains(k, "=") {
				return nil, queueerr.Contract("invalid_queue_payload", "task.container.env key %q may not contain '='", k)
			}
			if reservedContainerEnvKeys[strings.ToUpper(k)] {
				return nil, queueerr.Contract("invalid_queue_payload", "task.container.env key %q is reserved", k)
			}
		}
	}

	auth := raw.Auth
	if auth != nil {
		if auth.RepoAuthRef != "" && !vaultAuthPattern.MatchString(auth.RepoAuthRef) {
			return nil, queueerr.Contract("invalid_queue_payload", "auth.repoAuthRef must be a vault:// reference")
		}
		if auth.PublishAuthRef != "" && !vaultAuthPattern.MatchString(auth.PublishAuthRef) {
			return nil, queueerr.Contract("invalid_queue_payload", "auth.publishAuthRef must be a vault:// reference")
		}
	}

	view := &CanonicalView{
		Repository:    repo,
		TargetRuntime: runtime,
		Auth:          auth,
		Task: Task{
			Instructions: instructions,
			Skill:        skill,
			Runtime:      raw.Task.Runtime,
			Git:          raw.Task.Git,
			Publish:      publish,
			Steps:        steps,
			Container:    container,
		},
	}
	view.RequiredCapabilities = deriveCapabilities(view)
	view.StagePlan = derivePlan(publish.Mode)
	return view, nil
}

func validateRepository(repo string) error {
	if repo == "" {
		return queueerr.Contract("invalid_queue_payload", "repository is required")
	}
	if ownerRepoPattern.MatchString(repo) {
		return nil
	}
	if strings.HasPrefix(repo, "https://") && !strings.Contains(repo, "@") {
		return nil
	}
	if strings.HasPrefix(repo, "git@") && strings.Contains(repo, ":") {
		return nil
	}
	return queueerr.Contract("invalid_queue_payload", "repository %q is not a recognized owner/repo, https, or git@ form", repo)
}

func normalizeCapabilities(caps []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		lc := strings.ToLower(strings.TrimSpace(c))
		if lc == "" || seen[lc] {
			continue
		}
		seen[lc] = true
		out = append(out, lc)
	}
	return out
}

// deriveCapabilities implements the ordered, deduplicated, lowercased
// capability derivation rule from SPEC_FULL.md §4.3.
func deriveCapabilities(v *CanonicalView) []string {
	seen := map[string]bool{}
	var out []string
	add := func(c string) {
		lc := strings.ToLower(strings.TrimSpace(c))
		if lc == "" || seen[lc] {
			return
		}
		seen[lc] = true
		out = append(out, lc)
	}
	add(v.TargetRuntime)
	add("git")
	if v.Task.Publish != nil && v.Task.Publish.Mode == "pr" {
		add("gh")
	}
	if v.Task.Skill != nil {
		for _, c := range v.Task.Skill.RequiredCapabilities {
			add(c)
		}
	}
	for _, step := range v.Task.Steps {
		if raw, ok := step["requiredCapabilities"]; ok {
			var caps []string
			if err := json.Unmarshal(raw, &caps); err == nil {
				for _, c := range caps {
					add(c)
				}
			}
		}
	}
	if v.Task.Container != nil && v.Task.Container.Enabled {
		add("docker")
	}
	return out
}

func derivePlan(publishMode string) []string {
	plan := []string{"moonmind.task.prepare", "moonmind.task.execute"}
	if publishMode != "none" {
		plan = append(plan, "moonmind.task.publish")
	}
	return plan
}

// LegacyExecPayload is the `codex_exec` legacy shape:
// {instruction, ref, publish, codex}.
type LegacyExecPayload struct {
	Instruction string          `json:"instruction"`
	Repository  string          `json:"repository,omitempty"`
	Ref         string          `json:"ref,omitempty"`
	Publish     *Publish        `json:"publish,omitempty"`
	Codex       json.RawMessage `json:"codex,omitempty"`
}

// LiftExec lifts a codex_exec legacy payload into the canonical RawPayload
// shape for normalization.
func LiftExec(p LegacyExecPayload) RawPayload {
	return RawPayload{
		Repository:    p.Repository,
		TargetRuntime: "codex",
		Task: Task{
			Instructions: p.Instruction,
			Publish:      p.Publish,
		},
	}
}

// LegacySkillPayload is the `codex_skill` legacy shape:
// {skillId, inputs, codex}. repository is pulled from inputs if absent at
// the top level.
type LegacySkillPayload struct {
	SkillID    string          `json:"skillId"`
	Repository string          `json:"repository,omitempty"`
	Inputs     json.RawMessage `json:"inputs,omitempty"`
	Codex      json.RawMessage `json:"codex,omitempty"`
}

// LiftSkill lifts a codex_skill legacy payload into the canonical
// RawPayload shape for normalization.
func LiftSkill(p LegacySkillPayload) (RawPayload, error) {
	repo := p.Repository
	if repo == "" && len(p.Inputs) > 0 {
		var inputs struct {
			Repository string `json:"repository"`
		}
		if err := json.Unmarshal(p.Inputs, &inputs); err != nil {
			return RawPayload{}, queueerr.Contract("invalid_queue_payload", "codex_skill inputs must be a JSON object: %v", err)
		}
		repo = inputs.Repository
	}
	instructions := fmt.Sprintf("run skill %s", p.SkillID)
	return RawPayload{
		Repository:    repo,
		TargetRuntime: "codex",
		Task: Task{
			Instructions: instructions,
			Skill:        &Skill{ID: p.SkillID, Args: p.Inputs},
		},
	}, nil
}

// SortedCapabilities is a test/debug helper returning a stably-sorted copy
// of caps; capability order in CanonicalView itself is derivation-order,
// not sorted, and must not be re-sorted by callers.
func SortedCapabilities(caps []string) []string {
	out := append([]string(nil), caps...)
	sort.Strings(out)
	return out
}
