// Package contractmanifest implements the manifest contract: parsing a
// versioned YAML manifest document, enforcing name/hash integrity,
// deriving required capabilities from embeddings/vectorStore/dataSources
// blocks, scanning for leaked secrets, and normalizing profile/vault
// secret references. Transliterated from the original Python
// manifest_contract.py, function-for-function, into idiomatic Go.
package contractmanifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queueerr"
)

var (
	allowedSourceKinds = map[string]bool{"inline": true, "registry": true}
	allowedActions     = map[string]bool{"plan": true, "run": true}
	allowedOptionKeys  = map[string]bool{"dryRun": true, "forceFull": true, "maxDocs": true}

	embeddingProviderCapabilities = map[string]string{
		"openai": "openai",
		"google": "google",
		"ollama": "ollama",
	}
	vectorStoreCapabilities = map[string]string{
		"qdrant":   "qdrant",
		"pgvector": "pgvector",
		"milvus":   "milvus",
	}
	dataSourceCapabilities = map[string]string{
		"githubrepositoryreader": "github",
		"googledrivereader":      "gdrive",
		"confluencereader":       "confluence",
		"simpledirectoryreader":  "local_fs",
	}

	safeReferencePrefixes = []string{"${", "profile://", "vault://"}

	sensitiveFieldNames = map[string]bool{
		"api_key": true, "apikey": true, "password": true, "passwd": true,
		"token": true, "access_token": true, "refresh_token": true,
		"secret": true, "client_secret": true, "private_key": true,
		"secret_key": true,
	}
	suspectValuePrefixesLower = []string{"sk-", "ghp_", "xoxp-", "xoxb-"}
	suspectValuePrefixesUpper = []string{"AKIA"}
	suspectValueSubstrings    = []string{"BEGIN PRIVATE KEY", "BEGIN RSA PRIVATE KEY", "BEGIN OPENSSH PRIVATE KEY"}

	jwtSegmentRE  = regexp.MustCompile(`^[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+$`)
	base64ishRE   = regexp.MustCompile(`^[A-Za-z0-9+/=_-]{40,}$`)
	profileFieldRE = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	vaultSegmentRE = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

// Config carries normalization-time knobs affecting the manifest contract.
type Config struct {
	RequiredCapabilities    []string
	AllowManifestPathSource bool
}

func (c Config) allowedSourceKinds() map[string]bool {
	kinds := map[string]bool{}
	for k := range allowedSourceKinds {
		kinds[k] = true
	}
	if c.AllowManifestPathSource {
		kinds["path"] = true
	}
	return kinds
}

// Source describes the manifest job's source block.
type Source struct {
	Kind    string `json:"kind" yaml:"kind"`
	Content string `json:"content,omitempty" yaml:"content,omitempty"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Options is the optional options block.
type Options struct {
	DryRun    *bool `json:"dryRun,omitempty"`
	ForceFull *bool `json:"forceFull,omitempty"`
	MaxDocs   *int  `json:"maxDocs,omitempty"`
}

// RawManifestJob is the wire shape of a `manifest`-type job payload.
type RawManifestJob struct {
	Name    string   `json:"name"`
	Action  string   `json:"action"`
	Source  Source   `json:"source"`
	Options *Options `json:"options,omitempty"`
}

// SecretRef is a resolved profile:// or vault:// secret reference found
// while walking the manifest document.
type SecretRef struct {
	Scheme       string `json:"scheme"`
	Raw          string `json:"raw"`
	ProfileField string `json:"profileField,omitempty"`
	ProfileEnv   string `json:"profileEnv,omitempty"`
	VaultMount   string `json:"vaultMount,omitempty"`
	VaultPath    string `json:"vaultPath,omitempty"`
	VaultField   string `json:"vaultField,omitempty"`
}

// NormalizedManifestJob is the normalized result of manifest job
// normalization, suitable for persistence as a Job's Payload.
type NormalizedManifestJob struct {
	Name                 string          `json:"name"`
	Action               string          `json:"action"`
	Source               Source          `json:"source"`
	Options              Options         `json:"options"`
	ManifestHash          string          `json:"manifestHash"`
	Version               string          `json:"version"`
	RequiredCapabilities  []string        `json:"requiredCapabilities"`
	EffectiveRunConfig     map[string]any `json:"effectiveRunConfig"`
	SecretRefs             []SecretRef    `json:"secretRefs"`
}

// manifestDoc is the minimal shape parsed out of the manifest YAML body.
type manifestDoc struct {
	Version  string         `yaml:"version"`
	Metadata struct {
		Name string `yaml:"name"`
	} `yaml:"metadata"`
	Run        map[string]any `yaml:"run"`
	Embeddings struct {
		Provider string `yaml:"provider"`
	} `yaml:"embeddings"`
	VectorStore struct {
		Type string `yaml:"type"`
	} `yaml:"vectorStore"`
	DataSources []struct {
		Type string `yaml:"type"`
	} `yaml:"dataSources"`
}

// NormalizeManifestJobPayload validates raw, parses and hashes the
// manifest YAML, derives capabilities, and builds the effective run
// config and secret reference list.
func NormalizeManifestJobPayload(cfg Config, raw RawManifestJob) (*NormalizedManifestJob, error) {
	name := strings.TrimSpace(raw.Name)
	if name == "" {
		return nil, queueerr.Contract("invalid_manifest_job", "manifest.name is required")
	}
	if !allowedActions[raw.Action] {
		return nil, queueerr.Contract("invalid_manifest_job", "manifest.action %q is not recognized", raw.Action)
	}
	kinds := cfg.allowedSourceKinds()
	if !kinds[raw.Source.Kind] {
		return nil, queueerr.Contract("invalid_manifest_job", "manifest.source.kind %q is not recognized", raw.Source.Kind)
	}

	content, err := resolveSourceContent(raw.Source)
	if err != nil {
		return nil, err
	}

	doc, err := parseManifestYAML(content)
	if err != nil {
		return nil, err
	}
	if doc.Version != "v0" {
		return nil, queueerr.Contract("invalid_manifest", "manifest version must be \"v0\", got %q", doc.Version)
	}
	if doc.Metadata.Name != name {
		return nil, queueerr.Contract("invalid_manifest", "manifest metadata.name %q does not match manifest.name %q", doc.Metadata.Name, name)
	}

	var rawTree any
	if err := yaml.Unmarshal([]byte(content), &rawTree); err != nil {
		return nil, queueerr.Contract("invalid_manifest", "manifest YAML did not parse: %v", err)
	}
	if err := detectManifestSecretLeaks(rawTree, ""); err != nil {
		return nil, err
	}
	secretRefs := collectSecretRefs(rawTree)

	caps, err := deriveRequiredCapabilities(cfg, doc)
	if err != nil {
		return nil, err
	}

	opts := Options{}
	if raw.Options != nil {
		opts = *raw.Options
	}
	if opts.MaxDocs != nil && *opts.MaxDocs < 1 {
		return nil, queueerr.Contract("invalid_manifest_job", "options.maxDocs must be >= 1")
	}

	effective := buildEffectiveRunConfig(doc.Run, opts)

	source := raw.Source
	if source.Kind == "registry" {
		source.Content = ""
	}

	return &NormalizedManifestJob{
		Name:                 name,
		Action:               raw.Action,
		Source:               source,
		Options:              opts,
		ManifestHash:         computeManifestHash(content),
		Version:              doc.Version,
		RequiredCapabilities: caps,
		EffectiveRunConfig:   effective,
		SecretRefs:           secretRefs,
	}, nil
}

func resolveSourceContent(src Source) (string, error) {
	switch src.Kind {
	case "inline":
		if strings.TrimSpace(src.Content) == "" {
			return "", queueerr.Contract("invalid_manifest_job", "source.content is required for inline manifests")
		}
		return src.Content, nil
	case "registry":
		if strings.TrimSpace(src.Content) == "" {
			return "", queueerr.Contract("invalid_manifest_job", "source.content is required to normalize a registry manifest")
		}
		return src.Content, nil
	case "path":
		return "", queueerr.Contract("invalid_manifest_job", "path-sourced manifests must be normalized with resolved content supplied via source.content")
	default:
		return "", queueerr.Contract("invalid_manifest_job", "unsupported source kind %q", src.Kind)
	}
}

func parseManifestYAML(content string) (manifestDoc, error) {
	var doc manifestDoc
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return manifestDoc{}, queueerr.Contract("invalid_manifest", "manifest YAML did not parse: %v", err)
	}
	return doc, nil
}

func computeManifestHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// DeriveRequiredCapabilities is exported for the registry service and
// telemetry, which need to re-derive capabilities from a stored manifest
// document without a full RawManifestJob wrapper.
func DeriveRequiredCapabilities(cfg Config, content string) ([]string, error) {
	doc, err := parseManifestYAML(content)
	if err != nil {
		return nil, err
	}
	return deriveRequiredCapabilities(cfg, doc)
}

func deriveRequiredCapabilities(cfg Config, doc manifestDoc) ([]string, error) {
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
	for _, c := range cfg.RequiredCapabilities {
		add(c)
	}
	add("embeddings")
	if doc.Embeddings.Provider != "" {
		cap, ok := embeddingProviderCapabilities[strings.ToLower(doc.Embeddings.Provider)]
		if !ok {
			return nil, queueerr.Contract("invalid_manifest", "unsupported embeddings.provider %q", doc.Embeddings.Provider)
		}
		add(cap)
	}
	if doc.VectorStore.Type != "" {
		cap, ok := vectorStoreCapabilities[strings.ToLower(doc.VectorStore.Type)]
		if !ok {
			return nil, queueerr.Contract("invalid_manifest", "unsupported vectorStore.type %q", doc.VectorStore.Type)
		}
		add(cap)
	}
	for _, ds := range doc.DataSources {
		cap, ok := dataSourceCapabilities[strings.ToLower(ds.Type)]
		if !ok {
			return nil, queueerr.Contract("invalid_manifest", "unsupported dataSources[].type %q", ds.Type)
		}
		add(cap)
	}
	return out, nil
}

func buildEffectiveRunConfig(run map[string]any, opts Options) map[string]any {
	effective := map[string]any{}
	for k, v := range run {
		effective[k] = v
	}
	if opts.DryRun != nil {
		effective["dryRun"] = *opts.DryRun
	}
	if opts.ForceFull != nil {
		effective["forceFull"] = *opts.ForceFull
	}
	if opts.MaxDocs != nil {
		effective["maxDocs"] = *opts.MaxDocs
	}
	return effective
}

// detectManifestSecretLeaks walks the parsed YAML tree looking for string
// leaves that sit under a sensitive key, or that look like a secret value
// regardless of key, and are not a safe reference.
func detectManifestSecretLeaks(node any, keyHint string) error {
	switch v := node.(type) {
	case map[string]any:
		for k, val := range v {
			if err := detectManifestSecretLeaks(val, strings.ToLower(k)); err != nil {
				return err
			}
		}
	case map[any]any:
		for k, val := range v {
			key, _ := k.(string)
			if err := detectManifestSecretLeaks(val, strings.ToLower(key)); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range v {
			if err := detectManifestSecretLeaks(item, keyHint); err != nil {
				return err
			}
		}
	case string:
		if isSafeReference(v) {
			return nil
		}
		if valueLooksLikeSecret(v, keyHint) {
			return queueerr.Validation("manifest contains a value that looks like a leaked secret near key %q", keyHint)
		}
	}
	return nil
}

func isSafeReference(v string) bool {
	for _, p := range safeReferencePrefixes {
		if strings.HasPrefix(v, p) {
			return true
		}
	}
	return false
}

func valueLooksLikeSecret(v, keyHint string) bool {
	if sensitiveFieldNames[keyHint] || strings.Contains(keyHint, "secret") {
		if v != "" {
			return true
		}
	}
	for _, sub := range suspectValueSubstrings {
		if strings.Contains(v, sub) {
			return true
		}
	}
	for _, p := range suspectValuePrefixesLower {
		if strings.HasPrefix(strings.ToLower(v), p) {
			return true
		}
	}
	for _, p := range suspectValuePrefixesUpper {
		if strings.HasPrefix(v, p) {
			return true
		}
	}
	if jwtSegmentRE.MatchString(v) {
		return true
	}
	if base64ishRE.MatchString(v) && !strings.Contains(v, " ") {
		return true
	}
	return false
}

// collectSecretRefs walks the tree collecting every profile:// and
// vault:// string value into a SecretRef; malformed references are
// skipped (they will already have failed the stricter secret-leak scan
// if they are not actually safe references).
func collectSecretRefs(node any) []SecretRef {
	var refs []SecretRef
	var walk func(n any)
	walk = func(n any) {
		switch v := n.(type) {
		case map[string]any:
			for _, val := range v {
				walk(val)
			}
		case map[any]any:
			for _, val := range v {
				walk(val)
			}
		case []any:
			for _, item := range v {
				walk(item)
			}
		case string:
			if strings.HasPrefix(v, "profile://") {
				if ref, err := parseProfileReference(v); err == nil {
					refs = append(refs, ref)
				}
			} else if strings.HasPrefix(v, "vault://") {
				if ref, err := parseVaultReference(v); err == nil {
					refs = append(refs, ref)
				}
			}
		}
	}
	walk(node)
	sort.Slice(refs, func(i, j int) bool { return refs[i].Raw < refs[j].Raw })
	return refs
}

func parseProfileReference(raw string) (SecretRef, error) {
	rest := strings.TrimPrefix(raw, "profile://")
	provider, field, ok := strings.Cut(rest, "#")
	if !ok || provider == "" || field == "" {
		return SecretRef{}, fmt.Errorf("malformed profile reference %q", raw)
	}
	if !profileFieldRE.MatchString(provider) || !profileFieldRE.MatchString(field) {
		return SecretRef{}, fmt.Errorf("malformed profile reference %q", raw)
	}
	return SecretRef{
		Scheme:       "profile",
		Raw:          raw,
		ProfileField: field,
		ProfileEnv:   strings.ToUpper(provider) + "_" + strings.ToUpper(field),
	}, nil
}

func parseVaultReference(raw string) (SecretRef, error) {
	rest := strings.TrimPrefix(raw, "vault://")
	pathPart, field, ok := strings.Cut(rest, "#")
	if !ok || field == "" || !profileFieldRE.MatchString(field) {
		return SecretRef{}, fmt.Errorf("malformed vault reference %q", raw)
	}
	mount, path, ok := strings.Cut(pathPart, "/")
	if !ok || mount == "" || path == "" {
		return SecretRef{}, fmt.Errorf("malformed vault reference %q", raw)
	}
	if !vaultSegmentRE.MatchString(mount) {
		return SecretRef{}, fmt.Errorf("malformed vault mount in %q", raw)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || seg == "." || seg == ".." || !vaultSegmentRE.MatchString(seg) {
			return SecretRef{}, fmt.Errorf("malformed vault path in %q", raw)
		}
	}
	return SecretRef{
		Scheme:     "vault",
		Raw:        raw,
		VaultMount: mount,
		VaultPath:  path,
		VaultField: field,
	}, nil
}

// Sanitize strips the raw manifest content from a normalized job payload
// for API responses, preserving name/action/source metadata/hash/
// version/capabilities/effective run config/secret refs.
func Sanitize(n NormalizedManifestJob) NormalizedManifestJob {
	out := n
	out.Source.Content = ""
	return out
}
