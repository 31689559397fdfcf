package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/d53dave/cgopt/internal/apperrors"
	"github.com/d53dave/cgopt/internal/model"
)

// Bundle layout. The stage directory is archived so its contents sit at the
// archive root.
const (
	ManifestFile = "manifest.json"
	ModelFile    = "model.yaml"
	ArchiveFile  = "bundle.tar.gz"

	stageDir = "stage"
)

// Manifest describes the content of a run bundle. The agent decodes it to
// reconstruct the Target/Strategy pair and run configuration.
type Manifest struct {
	Job       string          `json:"job"`
	Artifact  Ref             `json:"artifact"`
	Model     model.Spec      `json:"model"`
	Run       model.RunConfig `json:"run"`
	CreatedAt time.Time       `json:"created_at"`
}

// Payload is an extra file staged into a bundle, e.g. a kernel source or a
// data table a target evaluates against.
type Payload struct {
	Path    string // relative path under the stage root
	Content string
}

// Bundle is a built run bundle ready to ship to an agent.
type Bundle struct {
	Manifest Manifest
	Path     string   // archive path on disk
	Digest   string   // hex sha256 of the archive
	Size     int64    // archive size in bytes
	Files    []string // staged files, relative to the stage root
}

// Build stages the manifest, the model spec and any extra payloads under
// dir, packs the stage into a tar.gz archive and fingerprints it. Every file
// named by the ref's Requires list must be covered by the staged set. dir
// must exist and should be private to the job.
func Build(ctx context.Context, dir string, m Manifest, payloads ...Payload) (*Bundle, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	staged := map[string]bool{ManifestFile: true, ModelFile: true}
	for _, p := range payloads {
		staged[path.Clean(filepath.ToSlash(p.Path))] = true
	}
	for _, req := range m.Artifact.Requires {
		if !staged[path.Clean(filepath.ToSlash(req))] {
			return nil, apperrors.Validation("artifact.requires", fmt.Sprintf("required payload %s is not staged", req))
		}
	}

	manifestJSON, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	modelYAML, err := yaml.Marshal(m.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to encode model spec: %w", err)
	}

	plan := []Step{
		&Write{ID: "manifest", In: string(manifestJSON), Out: path.Join(stageDir, ManifestFile)},
		&Write{ID: "model", In: string(modelYAML), Out: path.Join(stageDir, ModelFile), Depends: "manifest"},
	}
	prev := "model"
	for i, p := range payloads {
		id := fmt.Sprintf("payload-%d", i)
		plan = append(plan, &Write{ID: id, In: p.Content, Out: path.Join(stageDir, p.Path), Depends: prev})
		prev = id
	}
	plan = append(plan,
		&Archive{ID: "pack", In: stageDir, Out: ArchiveFile, Format: "tar.gz", Depends: prev},
		&List{ID: "files", In: stageDir, Depends: "pack"},
	)

	results, err := ApplyPlan(ctx, dir, plan)
	if err != nil {
		return nil, err
	}

	files, _ := results["files"].Content.([]string)

	archivePath := filepath.Join(dir, ArchiveFile)
	digest, size, err := fingerprint(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint bundle: %w", err)
	}

	return &Bundle{
		Manifest: m,
		Path:     archivePath,
		Digest:   digest,
		Size:     size,
		Files:    files,
	}, nil
}

// Unpack extracts a bundle archive and decodes its manifest. archive and
// destDir are relative to dir.
func Unpack(ctx context.Context, dir, archive, destDir string) (*Manifest, error) {
	plan := []Step{
		&Unarchive{ID: "unpack", In: archive, Out: destDir},
		&Read{ID: "manifest", In: path.Join(destDir, ManifestFile), Depends: "unpack"},
	}

	results, err := ApplyPlan(ctx, dir, plan)
	if err != nil {
		return nil, err
	}

	// The read step surfaces generic JSON; route it through the typed struct.
	raw, err := json.Marshal(results["manifest"].Content)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}

	return &m, nil
}

// VerifyDigest recomputes the archive's sha256 and compares it to the
// expected hex digest.
func VerifyDigest(archivePath, wantHex string) error {
	got, _, err := fingerprint(archivePath)
	if err != nil {
		return err
	}
	if got != wantHex {
		return fmt.Errorf("bundle digest mismatch: got %s, want %s", got, wantHex)
	}
	return nil
}

func fingerprint(archivePath string) (string, int64, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}

	return hex.EncodeToString(h.Sum(nil)), size, nil
}
