// Package skills resolves a run's effective skill selection and
// materializes each selected skill into a shared, content-addressed,
// read-only cache linked into the run's workspace.
package skills

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queueerr"
)

var skillNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ResolverConfig carries the per-deployment skill policy: where local and
// legacy skill mirrors live on disk, whether unlisted skills are allowed,
// and the fallback skill when a run names none.
type ResolverConfig struct {
	LocalMirrorRoot  string
	LegacyMirrorRoot string
	PolicyMode       string // "allowlist" or "permissive"
	AllowedSkills    []string
	DefaultSkill     string

	// ListLocalMirrorSkills discovers locally-mirrored skill names for the
	// permissive policy's auto-selection path. Tests may stub this;
	// production wiring backs it with a real directory walk.
	ListLocalMirrorSkills func(root string) ([]string, error)

	// LocalSourceURI resolves skillName to a local mirror's file:// URI, or
	// "" if no local mirror has it. Tests may stub this.
	LocalSourceURI func(skillName string) (string, bool)
}

// ResolvedSkill is one entry of a run's effective skill selection.
type ResolvedSkill struct {
	SkillName   string
	Version     string
	SourceURI   string
	ContentHash string
	Signature   string
}

// RunSkillSelection is the effective per-run skill set the materializer
// consumes.
type RunSkillSelection struct {
	RunID           string
	SelectionSource string
	Skills          []ResolvedSkill
}

// ToPayload returns a JSON-serializable summary for logs and context
// metadata.
func (s RunSkillSelection) ToPayload() map[string]any {
	skills := make([]map[string]any, 0, len(s.Skills))
	for _, sk := range s.Skills {
		skills = append(skills, map[string]any{
			"name":        sk.SkillName,
			"version":     sk.Version,
			"sourceUri":   sk.SourceURI,
			"contentHash": sk.ContentHash,
			"signature":   sk.Signature,
		})
	}
	return map[string]any{"selectionSource": s.SelectionSource, "skills": skills}
}

// ValidateSkillName validates and normalizes a skill name for
// filesystem-safe use: no path separators, no "..", and it must match the
// conservative `[A-Za-z0-9][A-Za-z0-9_-]{0,63}` shape.
func ValidateSkillName(skillName string) (string, error) {
	normalized := strings.TrimSpace(skillName)
	if normalized == "" {
		return "", queueerr.Validation("skill name cannot be blank")
	}
	if strings.Contains(normalized, "/") || strings.Contains(normalized, "\\") || strings.Contains(normalized, "..") {
		return "", queueerr.Validation("invalid skill name %q: path separators and '..' are not allowed", skillName)
	}
	if !skillNamePattern.MatchString(normalized) {
		return "", queueerr.Validation("invalid skill name %q: only letters, digits, underscores, and dashes are allowed", skillName)
	}
	return normalized, nil
}

// skillEntry is a normalized, not-yet-fully-resolved selection entry.
type skillEntry struct {
	skillName   string
	version     string
	sourceURI   string
	contentHash string
	signature   string
}

func normalizeSkillEntryString(raw string) (skillEntry, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return skillEntry{}, queueerr.Validation("skill entry cannot be blank")
	}
	name, version, found := strings.Cut(text, ":")
	if !found {
		version = "local"
	}
	version = strings.TrimSpace(version)
	if version == "" {
		version = "local"
	}
	validated, err := ValidateSkillName(name)
	if err != nil {
		return skillEntry{}, err
	}
	return skillEntry{skillName: validated, version: version}, nil
}

// SkillEntryInput is the structured (non-string-shorthand) shape a caller
// may supply for one skill selection entry.
type SkillEntryInput struct {
	SkillName   string
	Version     string
	SourceURI   string
	ContentHash string
	Signature   string
}

func normalizeSkillEntryStruct(raw SkillEntryInput) (skillEntry, error) {
	if strings.TrimSpace(raw.SkillName) == "" {
		return skillEntry{}, queueerr.Validation("skill entry is missing skill name")
	}
	validated, err := ValidateSkillName(raw.SkillName)
	if err != nil {
		return skillEntry{}, err
	}
	version := strings.TrimSpace(raw.Version)
	if version == "" {
		version = "local"
	}
	return skillEntry{
		skillName:   validated,
		version:     version,
		sourceURI:   strings.TrimSpace(raw.SourceURI),
		contentHash: strings.TrimSpace(raw.ContentHash),
		signature:   strings.TrimSpace(raw.Signature),
	}, nil
}

// SelectionRequest carries the raw, caller-supplied skill selection
// overrides resolve_run_skill_selection chooses between, in descending
// precedence.
type SelectionRequest struct {
	// JobOverride, when non-empty, wins outright ("job_override" source).
	JobOverride []SkillEntryInput
	// JobOverrideCSV is accepted as shorthand for JobOverride: a
	// comma-delimited "name[:version]" list.
	JobOverrideCSV string

	// QueueProfile is the affinity-queue's default skill profile,
	// consulted when JobOverride is absent ("queue_profile" source).
	QueueProfile []SkillEntryInput

	// SourceOverrides maps "name" and "name:version" keys to a source URI,
	// consulted when an entry declares no source of its own.
	SourceOverrides map[string]string
}

func resolveLocalSource(cfg ResolverConfig, skillName string) string {
	if cfg.LocalSourceURI == nil {
		return ""
	}
	if uri, ok := cfg.LocalSourceURI(skillName); ok {
		return uri
	}
	return ""
}

func resolveSourceURI(cfg ResolverConfig, entry skillEntry, overrides map[string]string) (string, error) {
	if entry.sourceURI != "" {
		return entry.sourceURI, nil
	}
	if overrides != nil {
		if uri, ok := overrides[entry.skillName+":"+entry.version]; ok && strings.TrimSpace(uri) != "" {
			return strings.TrimSpace(uri), nil
		}
		if uri, ok := overrides[entry.skillName]; ok && strings.TrimSpace(uri) != "" {
			return strings.TrimSpace(uri), nil
		}
	}
	if local := resolveLocalSource(cfg, entry.skillName); local != "" {
		return local, nil
	}
	// Preserve backward compatibility for the built-in Speckit execution path.
	if entry.skillName == "speckit" {
		return "builtin://speckit", nil
	}
	return "", queueerr.Validation(
		"no source URI resolved for skill '%s:%s'; provide a source override or configure a local mirror root",
		entry.skillName, entry.version,
	)
}

// ResolveRunSkillSelection resolves the effective skill set for a workflow
// run: an explicit job override wins, then the queue's default profile,
// then the deployment's global default (allowlist or discovered local
// mirrors, depending on PolicyMode).
func ResolveRunSkillSelection(runID string, req SelectionRequest, cfg ResolverConfig) (*RunSkillSelection, error) {
	var rawEntries []skillEntry
	var selectionSource string

	switch {
	case len(req.JobOverride) > 0 || strings.TrimSpace(req.JobOverrideCSV) != "":
		selectionSource = "job_override"
		entries, err := normalizeMixedSelection(req.JobOverride, req.JobOverrideCSV)
		if err != nil {
			return nil, err
		}
		rawEntries = entries
	case len(req.QueueProfile) > 0:
		selectionSource = "queue_profile"
		entries, err := normalizeMixedSelection(req.QueueProfile, "")
		if err != nil {
			return nil, err
		}
		rawEntries = entries
	default:
		selectionSource = "global_default"
		entries, err := globalDefaultSelection(cfg)
		if err != nil {
			return nil, err
		}
		rawEntries = entries
	}

	if len(rawEntries) == 0 {
		return nil, queueerr.Validation("resolved skill selection is empty")
	}

	resolved := make([]ResolvedSkill, 0, len(rawEntries))
	seen := map[string]bool{}
	for _, entry := range rawEntries {
		if seen[entry.skillName] {
			return nil, queueerr.Validation("duplicate skill name %q in resolved selection", entry.skillName)
		}
		sourceURI, err := resolveSourceURI(cfg, entry, req.SourceOverrides)
		if err != nil {
			return nil, err
		}
		if strings.Contains(sourceURI, "://") {
			parsed, err := url.Parse(sourceURI)
			if err != nil || parsed.Scheme == "" {
				return nil, queueerr.Validation("invalid source URI for skill %q: %s", entry.skillName, sourceURI)
			}
		}
		resolved = append(resolved, ResolvedSkill{
			SkillName:   entry.skillName,
			Version:     entry.version,
			SourceURI:   sourceURI,
			ContentHash: entry.contentHash,
			Signature:   entry.signature,
		})
		seen[entry.skillName] = true
	}

	return &RunSkillSelection{RunID: runID, SelectionSource: selectionSource, Skills: resolved}, nil
}

func normalizeMixedSelection(structured []SkillEntryInput, csv string) ([]skillEntry, error) {
	if len(structured) > 0 {
		out := make([]skillEntry, 0, len(structured))
		for _, raw := range structured {
			entry, err := normalizeSkillEntryStruct(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, entry)
		}
		return out, nil
	}
	parts := strings.Split(csv, ",")
	out := make([]skillEntry, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		entry, err := normalizeSkillEntryString(part)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func globalDefaultSelection(cfg ResolverConfig) ([]skillEntry, error) {
	var names []string
	switch cfg.PolicyMode {
	case "allowlist":
		names = append(names, cfg.AllowedSkills...)
		if cfg.DefaultSkill != "" && !containsStr(names, cfg.DefaultSkill) {
			names = append(names, cfg.DefaultSkill)
		}
	default: // "permissive"
		if cfg.DefaultSkill != "" {
			names = append(names, cfg.DefaultSkill)
		}
		if cfg.ListLocalMirrorSkills != nil {
			for _, root := range []string{cfg.LocalMirrorRoot, cfg.LegacyMirrorRoot} {
				if root == "" {
					continue
				}
				discovered, err := cfg.ListLocalMirrorSkills(root)
				if err != nil {
					continue
				}
				sort.Strings(discovered)
				for _, d := range discovered {
					if validated, err := ValidateSkillName(d); err == nil && !containsStr(names, validated) {
						names = append(names, validated)
					}
				}
			}
		}
		names = dedupStrings(names)
	}

	out := make([]skillEntry, 0, len(names))
	for _, name := range names {
		validated, err := ValidateSkillName(name)
		if err != nil {
			return nil, err
		}
		out = append(out, skillEntry{skillName: validated, version: "local"})
	}
	return out, nil
}

func containsStr(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func dedupStrings(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
