package skills

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queueerr"
)

// MaterializedSkill is one materialized skill's cache-resident metadata.
type MaterializedSkill struct {
	Name        string
	Version     string
	SourceURI   string
	ContentHash string
	CachePath   string
}

// MaterializedSkillWorkspace is the resolved shared skill workspace for
// one run.
type MaterializedSkillWorkspace struct {
	RunID           string
	SelectionSource string
	RunRoot         string
	CacheRoot       string
	Links           WorkspaceLinks
	Skills          []MaterializedSkill
}

// ToPayload returns a JSON-serializable summary for logs and context
// metadata.
func (w MaterializedSkillWorkspace) ToPayload() map[string]any {
	skills := make([]map[string]any, 0, len(w.Skills))
	for _, sk := range w.Skills {
		skills = append(skills, map[string]any{
			"name":        sk.Name,
			"version":     sk.Version,
			"sourceUri":   sk.SourceURI,
			"contentHash": sk.ContentHash,
			"cachePath":   sk.CachePath,
		})
	}
	out := map[string]any{
		"runId":           w.RunID,
		"selectionSource": w.SelectionSource,
		"skills":          skills,
	}
	for k, v := range w.Links.ToPayload() {
		out[k] = v
	}
	return out
}

// MaterializerConfig carries the remote-fetch policy for the http(s)
// bundle source scheme: a circuit breaker guarding a flapping bundle
// host, a token-bucket limiter bounding fetch rate, and the fetch
// timeout.
type MaterializerConfig struct {
	FetchTimeout     time.Duration
	VerifySignatures bool
	Breaker          *gobreaker.CircuitBreaker
	Limiter          *rate.Limiter
	HTTPClient       *http.Client
}

// NewMaterializerConfig returns a MaterializerConfig with a 30s fetch
// timeout, a breaker that trips after 5 consecutive failures, and a
// limiter allowing one fetch per second with a burst of 4 — generous
// enough for a run's handful of skills without letting a misbehaving
// workflow hammer a remote bundle host.
func NewMaterializerConfig() MaterializerConfig {
	return MaterializerConfig{
		FetchTimeout:     30 * time.Second,
		VerifySignatures: false,
		Breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "skill-bundle-fetch",
			MaxRequests: 1,
			Timeout:     60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		Limiter:    rate.NewLimiter(rate.Limit(1), 4),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func parseFrontmatterName(skillMD string) (string, error) {
	raw, err := os.ReadFile(skillMD)
	if err != nil {
		return "", queueerr.Materialize("skill_metadata_unreadable", "unable to read skill metadata file: %s (%v)", skillMD, err)
	}
	text := string(raw)
	if !strings.HasPrefix(text, "---") {
		return "", nil
	}
	lines := strings.Split(text, "\n")
	endIndex := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimRight(lines[i], "\r") == "---" {
			endIndex = i
			break
		}
	}
	if endIndex == -1 {
		return "", nil
	}
	for _, line := range lines[1:endIndex] {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "name:") {
			continue
		}
		_, value, _ := strings.Cut(trimmed, ":")
		parsed := strings.Trim(strings.TrimSpace(value), `"'`)
		return parsed, nil
	}
	return "", nil
}

// hashSkillDirectory computes a stable content hash over a skill
// directory: a deterministic walk (sorted relative paths), with a type
// marker (DIR/FILE/SYMLINK) and, for files, their bytes and, for
// symlinks, their target, folded into the digest.
func hashSkillDirectory(skillDir string) (string, error) {
	type entry struct {
		rel     string
		abs     string
		isDir   bool
		isLink  bool
	}
	var entries []entry
	err := filepath.Walk(skillDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == skillDir {
			return nil
		}
		rel, relErr := filepath.Rel(skillDir, p)
		if relErr != nil {
			return relErr
		}
		entries = append(entries, entry{
			rel:    filepath.ToSlash(rel),
			abs:    p,
			isDir:  info.IsDir() && info.Mode()&os.ModeSymlink == 0,
			isLink: info.Mode()&os.ModeSymlink != 0,
		})
		return nil
	})
	if err != nil {
		return "", queueerr.Materialize("skill_metadata_unreadable", "unable to walk skill directory %s: %v", skillDir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })

	digest := sha256.New()
	for _, e := range entries {
		digest.Write([]byte(e.rel))
		switch {
		case e.isLink:
			digest.Write([]byte("SYMLINK"))
			target, err := os.Readlink(e.abs)
			if err != nil {
				return "", queueerr.Materialize("skill_metadata_unreadable", "unable to read symlink %s: %v", e.abs, err)
			}
			digest.Write([]byte(target))
		case e.isDir:
			digest.Write([]byte("DIR"))
		default:
			digest.Write([]byte("FILE"))
			f, err := os.Open(e.abs)
			if err != nil {
				return "", queueerr.Materialize("skill_metadata_unreadable", "unable to read %s: %v", e.abs, err)
			}
			if _, copyErr := io.Copy(digest, f); copyErr != nil {
				f.Close()
				return "", queueerr.Materialize("skill_metadata_unreadable", "unable to read %s: %v", e.abs, copyErr)
			}
			f.Close()
		}
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

func markReadOnly(p string) error {
	info, err := os.Lstat(p)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil
	}
	if info.IsDir() {
		entries, err := os.ReadDir(p)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := markReadOnly(filepath.Join(p, e.Name())); err != nil {
				return err
			}
		}
		return os.Chmod(p, 0o555)
	}
	return os.Chmod(p, 0o444)
}

// validatedMemberPath rejects archive member paths that are absolute or
// escape the extraction root via "..", returning the safe destination
// path.
func validatedMemberPath(destinationRoot, name string) (string, error) {
	normalized := strings.ReplaceAll(name, "\\", "/")
	cleaned := path.Clean("/" + normalized)[1:] // strip any leading "../" by anchoring at root
	if cleaned == "" || cleaned == "." {
		return "", queueerr.Materialize("unsafe_bundle_member", "archive member path is not allowed: %s", name)
	}
	for _, part := range strings.Split(normalized, "/") {
		if part == ".." {
			return "", queueerr.Materialize("unsafe_bundle_member", "archive member path is not allowed: %s", name)
		}
	}
	if path.IsAbs(normalized) {
		return "", queueerr.Materialize("unsafe_bundle_member", "archive member path is not allowed: %s", name)
	}
	target := filepath.Join(destinationRoot, filepath.FromSlash(cleaned))
	rel, err := filepath.Rel(destinationRoot, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", queueerr.Materialize("unsafe_bundle_member", "archive member path escapes extraction root: %s", name)
	}
	return target, nil
}

func extractZip(archivePath, destinationRoot string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return queueerr.Materialize("unsupported_bundle", "skill bundle is not a valid zip/tar archive: %s", archivePath)
	}
	defer reader.Close()

	for _, member := range reader.File {
		if member.Name == "" {
			continue
		}
		target, err := validatedMemberPath(destinationRoot, member.Name)
		if err != nil {
			return err
		}
		mode := member.Mode()
		if mode&os.ModeSymlink != 0 {
			return queueerr.Materialize("unsafe_bundle_member", "archive member symlinks are not allowed: %s", member.Name)
		}
		if member.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("skills: mkdir %s: %w", target, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("skills: mkdir %s: %w", filepath.Dir(target), err)
		}
		src, err := member.Open()
		if err != nil {
			return fmt.Errorf("skills: open zip member %s: %w", member.Name, err)
		}
		dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			src.Close()
			return fmt.Errorf("skills: write %s: %w", target, err)
		}
		_, copyErr := io.Copy(dst, src)
		src.Close()
		dst.Close()
		if copyErr != nil {
			return fmt.Errorf("skills: write %s: %w", target, copyErr)
		}
	}
	return nil
}

func extractTar(archivePath, destinationRoot string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return queueerr.Materialize("unsupported_bundle", "skill bundle is not a valid zip/tar archive: %s", archivePath)
	}
	defer f.Close()

	var reader io.Reader = f
	if gz, gzErr := gzip.NewReader(f); gzErr == nil {
		defer gz.Close()
		reader = gz
	} else {
		if _, seekErr := f.Seek(0, io.SeekStart); seekErr != nil {
			return queueerr.Materialize("unsupported_bundle", "skill bundle is not a valid zip/tar archive: %s", archivePath)
		}
	}

	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return queueerr.Materialize("unsupported_bundle", "skill bundle is not a valid zip/tar archive: %s (%v)", archivePath, err)
		}
		if header.Name == "" {
			continue
		}
		target, err := validatedMemberPath(destinationRoot, header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("skills: mkdir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("skills: mkdir %s: %w", filepath.Dir(target), err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return fmt.Errorf("skills: write %s: %w", target, err)
			}
			_, copyErr := io.Copy(out, tr)
			out.Close()
			if copyErr != nil {
				return fmt.Errorf("skills: write %s: %w", target, copyErr)
			}
		case tar.TypeSymlink, tar.TypeLink, tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			return queueerr.Materialize("unsafe_bundle_member", "archive member link/device entries are not allowed: %s", header.Name)
		}
	}
	return nil
}

func extractArchive(archivePath, destination string) error {
	destinationRoot, err := filepath.Abs(destination)
	if err != nil {
		return fmt.Errorf("skills: resolve destination: %w", err)
	}
	if zr, err := zip.OpenReader(archivePath); err == nil {
		zr.Close()
		return extractZip(archivePath, destinationRoot)
	}
	return extractTar(archivePath, destinationRoot)
}

// unroutableIPClasses match ipaddress's is_private/is_loopback/
// is_link_local/is_multicast/is_reserved/is_unspecified checks used by
// the SSRF guard.
func isUnroutable(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() || ip.IsUnspecified() || ip.IsPrivate() {
		return true
	}
	// net.IP has no direct "is_reserved"; treat unassigned/benchmarking
	// ranges IANA reserves the same way ipaddress.is_reserved does.
	if ip4 := ip.To4(); ip4 != nil {
		switch {
		case ip4[0] == 0:
			return true
		case ip4[0] == 100 && ip4[1]>>2 == 16: // 100.64.0.0/10 CGNAT
			return true
		case ip4[0] >= 240: // 240.0.0.0/4 reserved
			return true
		}
	}
	return false
}

func validatePublicRemoteHost(sourceURI string) error {
	parsed, err := url.Parse(sourceURI)
	if err != nil || parsed.Hostname() == "" {
		return queueerr.Materialize("bundle_fetch_failed", "skill bundle source URI is missing a hostname: %s", sourceURI)
	}
	hostname := parsed.Hostname()
	addrs, err := net.LookupIP(hostname)
	if err != nil {
		return queueerr.Materialize("bundle_fetch_failed", "unable to resolve skill bundle host '%s': %v", hostname, err)
	}
	for _, ip := range addrs {
		if isUnroutable(ip) {
			return queueerr.Materialize("bundle_fetch_failed", "skill bundle source host resolves to a non-public address: %s", hostname)
		}
	}
	return nil
}

func downloadRemoteBundle(ctx context.Context, cfg MaterializerConfig, sourceURI, destination string) error {
	if err := validatePublicRemoteHost(sourceURI); err != nil {
		return err
	}
	if cfg.Limiter != nil {
		if err := cfg.Limiter.Wait(ctx); err != nil {
			return queueerr.Materialize("bundle_fetch_failed", "rate limit wait failed for %s: %v", sourceURI, err)
		}
	}

	fetch := func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURI, nil)
		if err != nil {
			return nil, err
		}
		client := cfg.HTTPClient
		if client == nil {
			client = http.DefaultClient
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if finalURL := resp.Request.URL.String(); finalURL != sourceURI {
			if err := validatePublicRemoteHost(finalURL); err != nil {
				return nil, err
			}
		}
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		out, err := os.Create(destination)
		if err != nil {
			return nil, err
		}
		defer out.Close()
		if _, err := io.Copy(out, resp.Body); err != nil {
			return nil, err
		}
		return nil, nil
	}

	var err error
	if cfg.Breaker != nil {
		_, err = cfg.Breaker.Execute(fetch)
	} else {
		_, err = fetch()
	}
	if err != nil {
		return queueerr.Materialize("bundle_fetch_failed", "unable to download skill bundle from %s: %v", sourceURI, err)
	}
	return nil
}

func resolveSourceRoot(ctx context.Context, cfg MaterializerConfig, entry ResolvedSkill, scratchDir string) (string, error) {
	sourceURI := strings.TrimSpace(entry.SourceURI)
	skillName, err := ValidateSkillName(entry.SkillName)
	if err != nil {
		return "", err
	}
	parsed, _ := url.Parse(sourceURI)

	if parsed != nil && parsed.Scheme == "builtin" {
		builtinRoot := filepath.Join(scratchDir, "builtin-"+skillName, skillName)
		if err := os.MkdirAll(builtinRoot, 0o755); err != nil {
			return "", fmt.Errorf("skills: mkdir builtin root: %w", err)
		}
		skillMD := fmt.Sprintf("---\nname: %s\ndescription: Built-in MoonMind skill\n---\n", skillName)
		if err := os.WriteFile(filepath.Join(builtinRoot, "SKILL.md"), []byte(skillMD), 0o644); err != nil {
			return "", fmt.Errorf("skills: write SKILL.md: %w", err)
		}
		readme := "Built-in compatibility skill generated by MoonMind runtime.\n"
		if err := os.WriteFile(filepath.Join(builtinRoot, "README.md"), []byte(readme), 0o644); err != nil {
			return "", fmt.Errorf("skills: write README.md: %w", err)
		}
		return builtinRoot, nil
	}

	if strings.HasPrefix(sourceURI, "git+") {
		repoURI := strings.TrimSpace(strings.TrimPrefix(sourceURI, "git+"))
		destination := filepath.Join(scratchDir, "git-"+skillName)
		cloneCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		cmd := exec.CommandContext(cloneCtx, "git", "clone", "--depth", "1", "--", repoURI, destination)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return "", queueerr.Materialize("git_fetch_failed", "unable to clone git skill source for %s: %v (%s)", skillName, err, stderr.String())
		}
		return destination, nil
	}

	if parsed != nil && (parsed.Scheme == "http" || parsed.Scheme == "https") {
		downloadPath := filepath.Join(scratchDir, "bundle-"+skillName)
		if err := downloadRemoteBundle(ctx, cfg, sourceURI, downloadPath); err != nil {
			return "", err
		}
		extracted := filepath.Join(scratchDir, "bundle-extract-"+skillName)
		if err := os.MkdirAll(extracted, 0o755); err != nil {
			return "", fmt.Errorf("skills: mkdir extraction dir: %w", err)
		}
		if err := extractArchive(downloadPath, extracted); err != nil {
			return "", err
		}
		return extracted, nil
	}

	var candidate string
	if parsed != nil && parsed.Scheme == "file" {
		candidate = parsed.Path
	} else if parsed != nil && parsed.Scheme != "" {
		return "", queueerr.Materialize("unsupported_source_scheme", "unsupported source URI scheme '%s' for %s", parsed.Scheme, skillName)
	} else {
		candidate = sourceURI
	}

	if !filepath.IsAbs(candidate) {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("skills: getwd: %w", err)
		}
		candidate = filepath.Clean(filepath.Join(cwd, candidate))
	}

	info, err := os.Stat(candidate)
	if err != nil {
		return "", queueerr.Materialize("source_not_found", "skill source path does not exist for %s: %s", skillName, candidate)
	}
	if info.IsDir() {
		return candidate, nil
	}
	extracted := filepath.Join(scratchDir, "bundle-extract-"+skillName)
	if err := os.MkdirAll(extracted, 0o755); err != nil {
		return "", fmt.Errorf("skills: mkdir extraction dir: %w", err)
	}
	if err := extractArchive(candidate, extracted); err != nil {
		return "", err
	}
	return extracted, nil
}

func findSkillDir(root, skillName string) (string, error) {
	if filepath.Base(root) == skillName {
		return root, nil
	}
	direct := filepath.Join(root, skillName)
	if info, err := os.Stat(direct); err == nil && info.IsDir() {
		if _, err := os.Stat(filepath.Join(direct, "SKILL.md")); err == nil {
			return direct, nil
		}
	}

	var candidates []string
	_ = filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if filepath.Base(p) != "SKILL.md" {
			return nil
		}
		parent := filepath.Dir(p)
		candidates = append(candidates, parent)
		return nil
	})
	for _, c := range candidates {
		if filepath.Base(c) == skillName {
			return c, nil
		}
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}
	return "", queueerr.Materialize("skill_dir_not_found", "unable to locate skill directory for '%s' in source root %s", skillName, root)
}

func validateSkillMetadata(entry ResolvedSkill, skillDir string) error {
	skillMD := filepath.Join(skillDir, "SKILL.md")
	if _, err := os.Stat(skillMD); err != nil {
		return queueerr.Materialize("missing_skill_md", "missing SKILL.md for skill '%s' in %s", entry.SkillName, skillDir)
	}
	metadataName, err := parseFrontmatterName(skillMD)
	if err != nil {
		return err
	}
	dirName := filepath.Base(skillDir)
	if metadataName != "" && metadataName != dirName {
		return queueerr.Materialize("skill_name_mismatch", "skill metadata name '%s' does not match directory '%s'", metadataName, dirName)
	}
	if dirName != entry.SkillName {
		return queueerr.Materialize("skill_name_mismatch", "resolved skill name '%s' does not match directory '%s'", entry.SkillName, dirName)
	}
	return nil
}

func clearDirectory(p string) error {
	if _, err := os.Stat(p); err != nil {
		return nil
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(p, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func ensureSignature(entry ResolvedSkill, verifySignatures bool) error {
	if verifySignatures && entry.Signature == "" {
		return queueerr.Materialize("signature_missing", "skill '%s:%s' is missing a required signature", entry.SkillName, entry.Version)
	}
	return nil
}

func materializeCacheEntry(ctx context.Context, cfg MaterializerConfig, entry ResolvedSkill, cacheRoot string) (*MaterializedSkill, error) {
	skillName, err := ValidateSkillName(entry.SkillName)
	if err != nil {
		return nil, err
	}

	tempDir, err := os.MkdirTemp("", "skill-"+skillName+"-")
	if err != nil {
		return nil, fmt.Errorf("skills: create scratch dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	sourceRoot, err := resolveSourceRoot(ctx, cfg, entry, tempDir)
	if err != nil {
		return nil, err
	}
	skillDir, err := findSkillDir(sourceRoot, skillName)
	if err != nil {
		return nil, err
	}
	if err := validateSkillMetadata(entry, skillDir); err != nil {
		return nil, err
	}

	computedHash, err := hashSkillDirectory(skillDir)
	if err != nil {
		return nil, err
	}
	if entry.ContentHash != "" && entry.ContentHash != computedHash {
		return nil, queueerr.Materialize("hash_mismatch", "hash mismatch for '%s:%s' (expected %s, got %s)", skillName, entry.Version, entry.ContentHash, computedHash)
	}

	skillHashRoot := filepath.Join(cacheRoot, computedHash)
	skillCacheDir := filepath.Join(skillHashRoot, skillName)
	if _, err := os.Stat(skillCacheDir); err != nil {
		if err := os.MkdirAll(skillHashRoot, 0o755); err != nil {
			return nil, fmt.Errorf("skills: mkdir cache root: %w", err)
		}
		stagingDir := filepath.Join(skillHashRoot, "."+skillName+".tmp-"+uuid.New().String())
		if err := copyTree(skillDir, stagingDir); err != nil {
			os.RemoveAll(stagingDir)
			return nil, fmt.Errorf("skills: stage cache entry: %w", err)
		}
		if err := markReadOnly(stagingDir); err != nil {
			os.RemoveAll(stagingDir)
			return nil, fmt.Errorf("skills: mark cache entry read-only: %w", err)
		}
		if err := os.Rename(stagingDir, skillCacheDir); err != nil {
			// Concurrent run already materialized the same digest.
			os.RemoveAll(stagingDir)
		}
	}

	return &MaterializedSkill{
		Name:        skillName,
		Version:     entry.Version,
		SourceURI:   entry.SourceURI,
		ContentHash: computedHash,
		CachePath:   skillCacheDir,
	}, nil
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(linkTarget, target)
		}
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm()|0o200)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		in, err := os.Open(p)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm()|0o200)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}

// MaterializeRunSkillWorkspace resolves, verifies, caches, and links a
// run-local shared skills workspace for every entry in selection.
func MaterializeRunSkillWorkspace(ctx context.Context, cfg MaterializerConfig, selection RunSkillSelection, runRoot, cacheRoot string) (*MaterializedSkillWorkspace, error) {
	runRootAbs, err := filepath.Abs(runRoot)
	if err != nil {
		return nil, fmt.Errorf("skills: resolve run root: %w", err)
	}
	cacheRootAbs, err := filepath.Abs(cacheRoot)
	if err != nil {
		return nil, fmt.Errorf("skills: resolve cache root: %w", err)
	}
	if err := os.MkdirAll(cacheRootAbs, 0o755); err != nil {
		return nil, fmt.Errorf("skills: mkdir cache root: %w", err)
	}

	skillsActivePath := filepath.Join(runRootAbs, "skills_active")
	if err := os.MkdirAll(skillsActivePath, 0o755); err != nil {
		return nil, fmt.Errorf("skills: mkdir skills_active: %w", err)
	}
	if err := clearDirectory(skillsActivePath); err != nil {
		return nil, fmt.Errorf("skills: clear skills_active: %w", err)
	}

	materialized := make([]MaterializedSkill, 0, len(selection.Skills))
	seen := map[string]bool{}
	for _, entry := range selection.Skills {
		if seen[entry.SkillName] {
			return nil, queueerr.Materialize("duplicate_skill_name", "duplicate skill name in selection: %s", entry.SkillName)
		}
		if err := ensureSignature(entry, cfg.VerifySignatures); err != nil {
			return nil, err
		}
		result, err := materializeCacheEntry(ctx, cfg, entry, cacheRootAbs)
		if err != nil {
			return nil, err
		}
		seen[result.Name] = true
		materialized = append(materialized, *result)
	}

	for _, item := range materialized {
		target := filepath.Join(skillsActivePath, item.Name)
		_ = os.Remove(target)
		if err := os.Symlink(item.CachePath, target); err != nil {
			return nil, fmt.Errorf("skills: link active skill %s: %w", item.Name, err)
		}
	}

	links, err := EnsureSharedSkillLinks(runRootAbs, skillsActivePath)
	if err != nil {
		return nil, err
	}

	return &MaterializedSkillWorkspace{
		RunID:           selection.RunID,
		SelectionSource: selection.SelectionSource,
		RunRoot:         runRootAbs,
		CacheRoot:       cacheRootAbs,
		Links:           *links,
		Skills:          materialized,
	}, nil
}
