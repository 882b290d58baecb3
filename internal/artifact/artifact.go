// Package artifact defines the on-disk layout of generated report files:
// where each file lives under the output root, how it is named, and the
// temp-then-rename JSON write that keeps partially written files invisible.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/route-beacon/peer-stats/internal/broker"
)

// Artifact kinds. The kind is the leading component of every artifact file
// name and selects the table the file is later loaded into.
const (
	KindPeerStats = "peer-stats"
	KindAs2Rel    = "as2rel"
	KindPfx2As    = "pfx2as"
)

// Kinds lists all artifact kinds in the order they are written.
var Kinds = []string{KindPeerStats, KindAs2Rel, KindPfx2As}

const dateLayout = "2006-01-02"

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Layout resolves artifact paths under a fixed output root. Compress selects
// the .json.zst variant for every path the layout produces.
type Layout struct {
	Root     string
	Compress bool
}

// Dir returns the directory holding one archive item's artifacts:
// <root>/<project>/<collector>/<YYYY-MM-DD>.
func (l Layout) Dir(item broker.Item) string {
	return filepath.Join(l.Root, item.Project, item.Collector, item.Timestamp.UTC().Format(dateLayout))
}

// Path returns the full path of one artifact kind for one archive item,
// named <kind>_<collector>_<YYYY-MM-DD>_<unixts>.json[.zst].
func (l Layout) Path(kind string, item broker.Item) string {
	ts := item.Timestamp.UTC()
	name := fmt.Sprintf("%s_%s_%s_%d%s", kind, item.Collector, ts.Format(dateLayout), ts.Unix(), l.ext())
	return filepath.Join(l.Dir(item), name)
}

func (l Layout) ext() string {
	if l.Compress {
		return ".json.zst"
	}
	return ".json"
}

// WriteJSON marshals v and writes it to path, compressing when the name
// carries a .zst suffix. Parent directories are created as needed. The bytes
// land in a temp file that is renamed into place, so a concurrent reader or
// an interrupted run never observes a partial artifact.
func WriteJSON(path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("artifact: marshal %s: %w", filepath.Base(path), err)
	}
	if strings.HasSuffix(path, ".zst") {
		raw = zstdEncoder.EncodeAll(raw, nil)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("artifact: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("artifact: create temp in %s: %w", dir, err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("artifact: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("artifact: close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("artifact: rename %s: %w", path, err)
	}
	return nil
}

// ReadJSON reads an artifact produced by WriteJSON into v, decompressing
// when the name carries a .zst suffix.
func ReadJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("artifact: read %s: %w", path, err)
	}
	if strings.HasSuffix(path, ".zst") {
		raw, err = zstdDecoder.DecodeAll(raw, nil)
		if err != nil {
			return fmt.Errorf("artifact: decompress %s: %w", path, err)
		}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("artifact: decode %s: %w", path, err)
	}
	return nil
}

// MatchKind reports whether name is a finished artifact file of the given
// kind. Temp files still being written never match.
func MatchKind(name, kind string) bool {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, kind+"_") {
		return false
	}
	return strings.HasSuffix(base, ".json") || strings.HasSuffix(base, ".json.zst")
}

// DateFromName extracts the YYYY-MM-DD component from an artifact file name.
func DateFromName(name string) (string, error) {
	base := filepath.Base(name)
	base = strings.TrimSuffix(base, ".zst")
	base = strings.TrimSuffix(base, ".json")
	parts := strings.Split(base, "_")
	if len(parts) < 2 {
		return "", fmt.Errorf("artifact: unrecognized file name %q", filepath.Base(name))
	}
	date := parts[len(parts)-2]
	if _, err := time.Parse(dateLayout, date); err != nil {
		return "", fmt.Errorf("artifact: unrecognized file name %q", filepath.Base(name))
	}
	return date, nil
}
