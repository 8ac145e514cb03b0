package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"

	"forumwatch/pkg/forum"
	"forumwatch/watch"
)

// Entry is one archived event as written to the journal.
type Entry struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Occurred   time.Time       `json:"occurred"`
	RecordedAt time.Time       `json:"recorded_at"`
	Event      json.RawMessage `json:"event"`
}

// Archive journals delivered events as JSON objects, one per event,
// under events/<day>/<kind>-<id>.json. Objects go to a Cloud Storage
// bucket, or to a local directory when one is configured; the local
// mode keeps development runs off the network.
type Archive struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	now       func() time.Time
}

// NewArchive creates an archive. A non-empty localPath selects local
// mode regardless of bucket.
func NewArchive(client *storage.Client, bucket, localPath string, logger *slog.Logger) *Archive {
	return &Archive{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
		now:       time.Now,
	}
}

// Handler returns a delivery handler that records each event. Record
// failures propagate, so an event the archive could not take stays
// unmarked and retries next poll.
func (a *Archive) Handler() watch.Handler {
	return a.Wrap(nil)
}

// Wrap chains the archive behind another handler. The inner handler
// runs first and its error short-circuits; once it has accepted the
// event, an archive failure is logged but not returned, because
// failing the delivery now would replay the event into the inner
// handler again.
func (a *Archive) Wrap(next watch.Handler) watch.Handler {
	return func(ctx context.Context, ev forum.Event) error {
		if next == nil {
			return a.Record(ctx, ev)
		}
		if err := next(ctx, ev); err != nil {
			return err
		}
		if err := a.Record(ctx, ev); err != nil {
			a.logger.Warn("event archive failed after delivery",
				"kind", string(ev.Kind()), "error", err)
		}
		return nil
	}
}

// Record writes one event to the journal.
func (a *Archive) Record(ctx context.Context, ev forum.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	entry := Entry{
		ID:         uuid.NewString(),
		Kind:       string(ev.Kind()),
		Occurred:   ev.Occurred().UTC(),
		RecordedAt: a.now().UTC(),
		Event:      raw,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	key := entryKey(entry)

	// Local filesystem storage
	if a.localPath != "" {
		filePath := filepath.Join(a.localPath, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(filePath), 0o700); err != nil {
			return fmt.Errorf("create archive directory: %w", err)
		}
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local archive: %w", err)
		}
		a.logger.Debug("event archived locally", "path", filePath, "kind", entry.Kind)
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err = retry.Do(
		func() error {
			w := a.client.Bucket(a.bucket).Object(key).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					a.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to archive: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close archive writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			a.logger.Info("Retrying archive write after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("archive after retries: %w", err)
	}

	a.logger.Debug("event archived", "key", key, "kind", entry.Kind)
	return nil
}

func entryKey(entry Entry) string {
	return fmt.Sprintf("events/%s/%s-%s.json", entry.RecordedAt.Format("2006-01-02"), entry.Kind, entry.ID)
}

// List returns the entries recorded on one day (format 2006-01-02),
// ordered by recording time. Unreadable entries are skipped with a
// warning so one corrupt object cannot hide a day's journal.
func (a *Archive) List(ctx context.Context, day string) ([]Entry, error) {
	if _, err := time.Parse("2006-01-02", day); err != nil {
		return nil, fmt.Errorf("bad day %q: %w", day, err)
	}
	prefix := "events/" + day + "/"

	var entries []Entry

	// Local filesystem storage
	if a.localPath != "" {
		dir := filepath.Join(a.localPath, "events", day)
		dirEntries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read local archive directory: %w", err)
		}
		for _, de := range dirEntries {
			if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
				continue
			}
			entry, err := a.load(ctx, prefix+de.Name())
			if err != nil {
				a.logger.Warn("Failed to load archive entry", "file", de.Name(), "error", err)
				continue
			}
			entries = append(entries, entry)
		}
	} else {
		// Cloud Storage
		it := a.client.Bucket(a.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("iterate archive: %w", err)
			}
			entry, err := a.load(ctx, attrs.Name)
			if err != nil {
				a.logger.Warn("Failed to load archive entry", "key", attrs.Name, "error", err)
				continue
			}
			entries = append(entries, entry)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].RecordedAt.Before(entries[j].RecordedAt) })
	return entries, nil
}

// load reads one journal object by key.
func (a *Archive) load(ctx context.Context, key string) (Entry, error) {
	var data []byte

	if a.localPath != "" {
		var err error
		filePath := filepath.Join(a.localPath, filepath.FromSlash(key))
		data, err = os.ReadFile(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				return Entry{}, fmt.Errorf("archive entry %s: %w", path.Base(key), errNotFound)
			}
			return Entry{}, fmt.Errorf("read from local archive: %w", err)
		}
	} else {
		var readData []byte
		err := retry.Do(
			func() error {
				r, openErr := a.client.Bucket(a.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					// Don't retry on "not found" errors
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						return retry.Unrecoverable(fmt.Errorf("open archive reader: %w", openErr))
					}
					return fmt.Errorf("open archive reader: %w", openErr)
				}
				defer func() {
					if closeErr := r.Close(); closeErr != nil {
						a.logger.Warn("Failed to close archive reader", "error", closeErr)
					}
				}()

				var readErr error
				readData, readErr = io.ReadAll(r)
				if readErr != nil {
					return fmt.Errorf("read from archive: %w", readErr)
				}
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(2*time.Minute),
			retry.MaxJitter(10*time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				a.logger.Info("Retrying archive read after error", "attempt", n, "key", key, "error", retryErr)
			}),
		)
		if err != nil {
			return Entry{}, fmt.Errorf("load after retries: %w", err)
		}
		data = readData
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("unmarshal entry: %w", err)
	}
	return entry, nil
}

var errNotFound = errors.New("archive: object doesn't exist")

// IsNotFound checks if an error indicates a missing archive object.
func IsNotFound(err error) bool {
	return errors.Is(err, errNotFound) || errors.Is(err, storage.ErrObjectNotExist)
}
