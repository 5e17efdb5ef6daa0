package skills

import (
	"os"
	"path/filepath"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queueerr"
)

// WorkspaceLinks are the resolved adapter link paths for one run
// workspace.
type WorkspaceLinks struct {
	SkillsActivePath string
	AgentsSkillsPath string
	GeminiSkillsPath string
}

// ToPayload returns a JSON-serializable summary of the link paths.
func (l WorkspaceLinks) ToPayload() map[string]string {
	return map[string]string{
		"skillsActivePath": l.SkillsActivePath,
		"agentsSkillsPath": l.AgentsSkillsPath,
		"geminiSkillsPath": l.GeminiSkillsPath,
	}
}

func replaceLink(path string, target string) error {
	info, err := os.Lstat(path)
	if err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			current, readErr := os.Readlink(path)
			if readErr == nil {
				currentAbs := current
				if !filepath.IsAbs(currentAbs) {
					currentAbs = filepath.Join(filepath.Dir(path), currentAbs)
				}
				if filepath.Clean(currentAbs) == filepath.Clean(target) {
					return nil
				}
			}
			if err := os.Remove(path); err != nil {
				return queueerr.Materialize("workspace_link_failed", "unable to replace adapter link at %s: %v", path, err)
			}
		} else {
			return queueerr.Materialize("workspace_link_failed", "cannot create adapter link at %s: existing non-symlink path present", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return queueerr.Materialize("workspace_link_failed", "unable to create parent directory for %s: %v", path, err)
	}
	relativeTarget, err := filepath.Rel(filepath.Dir(path), target)
	if err != nil {
		relativeTarget = target
	}
	if err := os.Symlink(relativeTarget, path); err != nil {
		return queueerr.Materialize("workspace_link_failed", "unable to create adapter link at %s: %v", path, err)
	}
	return nil
}

// EnsureSharedSkillLinks creates `.agents/skills` and `.gemini/skills`
// symlinks under runRoot pointing at skillsActivePath, validating the
// resulting invariants before returning.
func EnsureSharedSkillLinks(runRoot, skillsActivePath string) (*WorkspaceLinks, error) {
	info, err := os.Stat(skillsActivePath)
	if err != nil || !info.IsDir() {
		return nil, queueerr.Materialize("workspace_link_failed", "skills_active path does not exist or is not a directory: %s", skillsActivePath)
	}

	agentsSkills := filepath.Join(runRoot, ".agents", "skills")
	geminiSkills := filepath.Join(runRoot, ".gemini", "skills")

	if err := replaceLink(agentsSkills, skillsActivePath); err != nil {
		return nil, err
	}
	if err := replaceLink(geminiSkills, skillsActivePath); err != nil {
		return nil, err
	}

	links := &WorkspaceLinks{
		SkillsActivePath: skillsActivePath,
		AgentsSkillsPath: agentsSkills,
		GeminiSkillsPath: geminiSkills,
	}
	if err := ValidateSharedSkillLinks(*links); err != nil {
		return nil, err
	}
	return links, nil
}

// ValidateSharedSkillLinks validates that both adapter symlinks are real
// symlinks resolving to the same target as skills_active.
func ValidateSharedSkillLinks(links WorkspaceLinks) error {
	info, err := os.Stat(links.SkillsActivePath)
	if err != nil || !info.IsDir() {
		return queueerr.Materialize("workspace_link_failed", "skills_active directory missing: %s", links.SkillsActivePath)
	}

	agentsInfo, err := os.Lstat(links.AgentsSkillsPath)
	if err != nil || agentsInfo.Mode()&os.ModeSymlink == 0 {
		return queueerr.Materialize("workspace_link_failed", "expected symlink at %s, found non-symlink", links.AgentsSkillsPath)
	}
	geminiInfo, err := os.Lstat(links.GeminiSkillsPath)
	if err != nil || geminiInfo.Mode()&os.ModeSymlink == 0 {
		return queueerr.Materialize("workspace_link_failed", "expected symlink at %s, found non-symlink", links.GeminiSkillsPath)
	}

	activeResolved, err := filepath.EvalSymlinks(links.SkillsActivePath)
	if err != nil {
		return queueerr.Materialize("workspace_link_failed", "unable to resolve skills_active: %v", err)
	}
	agentsResolved, err := filepath.EvalSymlinks(links.AgentsSkillsPath)
	if err != nil {
		return queueerr.Materialize("workspace_link_failed", "unable to resolve .agents/skills: %v", err)
	}
	geminiResolved, err := filepath.EvalSymlinks(links.GeminiSkillsPath)
	if err != nil {
		return queueerr.Materialize("workspace_link_failed", "unable to resolve .gemini/skills: %v", err)
	}

	if agentsResolved != activeResolved {
		return queueerr.Materialize("workspace_link_failed", ".agents/skills does not resolve to skills_active (%s != %s)", agentsResolved, activeResolved)
	}
	if geminiResolved != activeResolved {
		return queueerr.Materialize("workspace_link_failed", ".gemini/skills does not resolve to skills_active (%s != %s)", geminiResolved, activeResolved)
	}
	return nil
}
