// Package mailbox persists accepted messages as plain files, one artifact
// set per message, under a single directory.
package mailbox

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"

	"github.com/meshbridge/go-winlink-server/internal/logging"
	"github.com/meshbridge/go-winlink-server/internal/message"
	"github.com/meshbridge/go-winlink-server/internal/metrics"
)

// stampPattern names artifact sets by arrival time, second resolution.
const stampPattern = "%Y%m%d%H%M%S"

// Store writes message artifact sets. Writes are best effort: a failed
// artifact is logged and counted, the rest of the set is still attempted.
type Store struct {
	dir     string
	keepRaw bool
	log     *slog.Logger
}

type Option func(*Store)

// WithKeepRaw keeps the raw frame bytes alongside the decoded artifacts.
func WithKeepRaw(keep bool) Option {
	return func(s *Store) { s.keepRaw = keep }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New opens a store rooted at dir, creating it if needed.
func New(dir string, opts ...Option) (*Store, error) {
	s := &Store{dir: dir, log: logging.L()}
	for _, o := range opts {
		o(s)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mailbox: create %s: %w", dir, err)
	}
	return s, nil
}

// Dir returns the store root.
func (s *Store) Dir() string { return s.dir }

// Save writes the artifact set for one message: the raw header block, the
// body when one was declared, each attachment, a metadata sidecar, and the
// raw frame bytes when the store keeps them. It returns the paths written
// and the first error encountered.
func (s *Store) Save(m *message.Message, raw []byte, when time.Time) ([]string, error) {
	stamp, _ := strftime.Format(stampPattern, when.UTC())
	prefix := stamp + "-" + m.MID

	var written []string
	var firstErr error
	put := func(name string, data []byte) {
		path, err := s.writeUnique(filepath.Join(s.dir, name), data)
		if err != nil {
			metrics.IncStoreError()
			s.log.Error("mailbox write failed", "artifact", name, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		written = append(written, path)
	}

	put(prefix+"-headers.txt", m.RawHeader)
	if m.DeclaredBody > 0 {
		put(prefix+"-body.txt", m.Body)
	}
	for _, a := range m.Attachments {
		put(prefix+"-"+sanitize(a.Name), a.Data)
	}
	if meta, err := m.MetadataJSON(); err == nil {
		put(prefix+"-meta.json", meta)
	} else {
		metrics.IncStoreError()
		s.log.Error("mailbox metadata encode failed", "mid", m.MID, "err", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if s.keepRaw && raw != nil {
		put(prefix+".b2f", raw)
	}

	s.log.Info("message stored",
		"mid", m.MID,
		"from", m.From,
		"subject", m.Subject,
		"artifacts", len(written),
	)
	return written, firstErr
}

// writeUnique creates path exclusively. When the name is taken it retries
// with -1, -2, ... before the extension so earlier messages are never
// overwritten.
func (s *Store) writeUnique(path string, data []byte) (string, error) {
	try := path
	for n := 1; ; n++ {
		f, err := os.OpenFile(try, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_, werr := f.Write(data)
			cerr := f.Close()
			if werr != nil {
				return "", fmt.Errorf("mailbox: write %s: %w", try, werr)
			}
			if cerr != nil {
				return "", fmt.Errorf("mailbox: close %s: %w", try, cerr)
			}
			return try, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("mailbox: create %s: %w", try, err)
		}
		if n > 9999 {
			return "", fmt.Errorf("mailbox: create %s: too many name collisions", path)
		}
		ext := filepath.Ext(path)
		try = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(path, ext), n, ext)
	}
}

// sanitize reduces an attachment filename to a safe base name.
func sanitize(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "." || name == ".." || name == "/" || name == "" {
		return "attachment"
	}
	return name
}
