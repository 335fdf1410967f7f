package s3mirror

import (
	"fmt"
	"path"
	"strings"

	persistlog "crowdsim/internal/persistence/log"
	"crowdsim/internal/persistence/snapshot"
)

type ArtifactKind string

const (
	KindRunMeta  ArtifactKind = "run_meta"
	KindSnapshot ArtifactKind = "snapshot"
)

// Artifact is one file of a run and where it lives in the bucket:
//
//	<prefix>/runs/<run id>/run.json
//	<prefix>/runs/<run id>/snapshots/<tick:012d>.snap.zst
type Artifact struct {
	Kind  ArtifactKind
	RunID string
	Tick  uint64 // snapshots only
	Local string
}

func RunMeta(runID, local string) Artifact {
	return Artifact{Kind: KindRunMeta, RunID: runID, Local: local}
}

func Snapshot(runID string, tick uint64, local string) Artifact {
	return Artifact{Kind: KindSnapshot, RunID: runID, Tick: tick, Local: local}
}

// Key returns the object key under prefix. Run ids must be a single clean
// path segment.
func (a Artifact) Key(prefix string) (string, error) {
	id := strings.TrimSpace(a.RunID)
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("artifact: bad run id %q", a.RunID)
	}
	if a.Local == "" {
		return "", fmt.Errorf("artifact: %s for run %s has no local file", a.Kind, id)
	}
	var rel string
	switch a.Kind {
	case KindRunMeta:
		rel = path.Join("runs", id, persistlog.RunMetaFile)
	case KindSnapshot:
		rel = path.Join("runs", id, "snapshots", snapshot.FileName(a.Tick))
	default:
		return "", fmt.Errorf("artifact: unknown kind %q", a.Kind)
	}
	if prefix = cleanPrefix(prefix); prefix != "" {
		rel = prefix + "/" + rel
	}
	return rel, nil
}

// cleanPrefix turns `/a\b/../c/` into "a/c". Leading ".." segments are
// dropped.
func cleanPrefix(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	return p
}
