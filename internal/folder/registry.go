package folder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flemzord/smartfolders/internal/events"
	"github.com/flemzord/smartfolders/internal/metrics"
	"github.com/flemzord/smartfolders/internal/remote"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// errUnchanged aborts a mutation that has nothing to write.
var errUnchanged = errors.New("folder: unchanged")

// Config configures a Registry.
type Config struct {
	Store Store

	// VerifyTTL is how long a destination check stays valid before
	// ResolveDestination checks the channel again. Zero disables checks.
	VerifyTTL time.Duration

	Metrics metrics.Sink
	Events  events.Publisher
	Logger  *slog.Logger
}

type sourceKey struct {
	user   int64
	source int64
}

// Registry owns every user's folders. Reads are served from memory;
// mutations are serialized per user and persisted before the in-memory
// state changes.
type Registry struct {
	store   Store
	metrics metrics.Sink
	events  events.Publisher
	logger  *slog.Logger

	verifyTTL atomic.Int64

	destMu sync.RWMutex
	dests  Destinations

	mu        sync.RWMutex
	folders   map[int64][]Folder
	index     map[sourceKey][]Folder
	verified  map[string]time.Time
	userLocks map[int64]*sync.Mutex

	group singleflight.Group

	now func() time.Time
}

// NewRegistry creates an empty registry. Call Load to populate it from the
// store.
func NewRegistry(cfg Config) *Registry {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	if cfg.Events == nil {
		cfg.Events = &events.NoopPublisher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	r := &Registry{
		store:     cfg.Store,
		metrics:   cfg.Metrics,
		events:    cfg.Events,
		logger:    cfg.Logger.With("component", "folders"),
		folders:   make(map[int64][]Folder),
		index:     make(map[sourceKey][]Folder),
		verified:  make(map[string]time.Time),
		userLocks: make(map[int64]*sync.Mutex),
		now:       time.Now,
	}
	r.verifyTTL.Store(int64(cfg.VerifyTTL))
	return r
}

// SetDestinations installs the channel provider used by ResolveDestination.
func (r *Registry) SetDestinations(d Destinations) {
	r.destMu.Lock()
	defer r.destMu.Unlock()
	r.dests = d
}

func (r *Registry) destinations() Destinations {
	r.destMu.RLock()
	defer r.destMu.RUnlock()
	return r.dests
}

// SetVerifyTTL changes how long destination checks are cached.
func (r *Registry) SetVerifyTTL(ttl time.Duration) {
	r.verifyTTL.Store(int64(ttl))
}

// Load replaces the in-memory state with the store's contents.
func (r *Registry) Load(ctx context.Context) error {
	users, err := r.store.FolderUsers(ctx)
	if err != nil {
		return fmt.Errorf("folder: list users: %w", err)
	}
	loaded := make(map[int64][]Folder, len(users))
	for _, id := range users {
		list, err := r.store.LoadFolders(ctx, id)
		if err != nil {
			return fmt.Errorf("folder: load user %d: %w", id, err)
		}
		if len(list) > 0 {
			loaded[id] = list
		}
	}

	r.mu.Lock()
	r.folders = loaded
	r.index = make(map[sourceKey][]Folder)
	for id, list := range loaded {
		r.indexLocked(id, list)
	}
	total := r.countLocked()
	r.mu.Unlock()

	r.metrics.ObserveGauge(metrics.Folders, float64(total))
	r.logger.Info("folders: loaded", "users", len(loaded), "folders", total)
	return nil
}

// CreateOption customizes CreateFolder.
type CreateOption func(*Folder)

// WithDestination uses an existing channel as the folder's destination
// instead of creating one lazily.
func WithDestination(channel int64) CreateOption {
	return func(f *Folder) { f.Destination = channel }
}

// CreateFolder adds a folder for userID. Duplicate sources are collapsed in
// order. The folder is durable when CreateFolder returns without error.
func (r *Registry) CreateFolder(ctx context.Context, userID int64, name string, sources []int64, opts ...CreateOption) (Folder, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Folder{}, ErrInvalidName
	}
	sources = uniqueSources(sources)
	if len(sources) == 0 {
		return Folder{}, ErrNoSources
	}

	f := Folder{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		Sources:   sources,
		CreatedAt: r.now(),
	}
	for _, opt := range opts {
		opt(&f)
	}

	err := r.mutate(ctx, userID, func(list []Folder) ([]Folder, error) {
		for _, existing := range list {
			if strings.EqualFold(existing.Name, name) {
				return nil, fmt.Errorf("%w: %q", ErrExists, name)
			}
		}
		return append(list, f), nil
	})
	if err != nil {
		return Folder{}, err
	}

	r.logger.Info("folders: created", "user", userID, "folder", name, "sources", len(sources))
	r.publish(ctx, events.TopicFolderCreated, events.FolderChanged{
		UserID: userID, FolderID: f.ID, Name: f.Name, Sources: f.Sources,
	})
	return f.Clone(), nil
}

// DeleteFolder removes the named folder. Matching is case-insensitive.
func (r *Registry) DeleteFolder(ctx context.Context, userID int64, name string) error {
	var removed Folder
	err := r.mutate(ctx, userID, func(list []Folder) ([]Folder, error) {
		i := slices.IndexFunc(list, func(f Folder) bool { return strings.EqualFold(f.Name, name) })
		if i < 0 {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		removed = list[i]
		return slices.Delete(list, i, i+1), nil
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.verified, removed.ID)
	r.mu.Unlock()

	r.logger.Info("folders: deleted", "user", userID, "folder", removed.Name)
	r.publish(ctx, events.TopicFolderDeleted, events.FolderChanged{
		UserID: userID, FolderID: removed.ID, Name: removed.Name,
	})
	return nil
}

// ListFolders returns the user's folders in creation order.
func (r *Registry) ListFolders(userID int64) []Folder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return CloneAll(r.folders[userID])
}

// Get returns one folder by id.
func (r *Registry) Get(userID int64, folderID string) (Folder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.folders[userID] {
		if f.ID == folderID {
			return f.Clone(), true
		}
	}
	return Folder{}, false
}

// FindByName returns one folder by case-insensitive name.
func (r *Registry) FindByName(userID int64, name string) (Folder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.folders[userID] {
		if strings.EqualFold(f.Name, name) {
			return f.Clone(), true
		}
	}
	return Folder{}, false
}

// SourcesFor returns the user's folders that list source. The returned
// folders share backing arrays with the registry and must not be modified.
func (r *Registry) SourcesFor(userID, source int64) []Folder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index[sourceKey{userID, source}]
}

// Tracked reports whether any folder of userID lists source.
func (r *Registry) Tracked(userID, source int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index[sourceKey{userID, source}]) > 0
}

// Users returns the ids of users with at least one folder.
func (r *Registry) Users() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]int64, 0, len(r.folders))
	for id := range r.folders {
		users = append(users, id)
	}
	slices.Sort(users)
	return users
}

// Count returns the total number of folders.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countLocked()
}

// ResolveDestination returns the folder's destination channel, creating it
// on first use. Concurrent calls for one folder share a single creation.
// A stored destination is re-checked once its last check is older than
// the verify TTL. A destination reported gone yields an error wrapping
// remote.ErrPermanentDelivery and is cleared, so the following resolve
// creates a replacement.
func (r *Registry) ResolveDestination(ctx context.Context, userID int64, folderID string) (int64, error) {
	key := strconv.FormatInt(userID, 10) + "/" + folderID
	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.resolve(ctx, userID, folderID)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (r *Registry) resolve(ctx context.Context, userID int64, folderID string) (int64, error) {
	f, ok := r.Get(userID, folderID)
	if !ok {
		return 0, ErrNotFound
	}
	dests := r.destinations()

	if f.Destination != 0 {
		if dests == nil || r.recentlyVerified(folderID) {
			return f.Destination, nil
		}
		err := dests.CheckDestination(ctx, userID, f.Destination)
		switch {
		case err == nil:
			r.markVerified(folderID)
		case errors.Is(err, remote.ErrPermanentDelivery):
			if rerr := r.ResetDestination(ctx, userID, folderID, f.Destination); rerr != nil {
				r.logger.Error("folders: reset unusable destination failed",
					"user", userID, "folder", f.Name, "destination", f.Destination, "error", rerr)
			}
			return 0, fmt.Errorf("folder: destination of %q unusable: %w", f.Name, err)
		default:
			r.logger.Warn("folders: destination check failed, keeping destination",
				"user", userID, "folder", f.Name, "destination", f.Destination, "error", err)
		}
		return f.Destination, nil
	}

	if dests == nil {
		return 0, ErrNoDestinations
	}
	channel, err := dests.CreateDestination(ctx, userID, "📁 "+f.Name, "Aggregator for folder "+f.Name)
	if err != nil {
		return 0, fmt.Errorf("folder: create destination for %q: %w", f.Name, err)
	}

	err = r.mutate(ctx, userID, func(list []Folder) ([]Folder, error) {
		i := slices.IndexFunc(list, func(x Folder) bool { return x.ID == folderID })
		if i < 0 {
			return nil, ErrNotFound
		}
		list[i].Destination = channel
		return list, nil
	})
	if err != nil {
		r.logger.Error("folders: created destination not recorded",
			"user", userID, "folder", f.Name, "destination", channel, "error", err)
		return 0, err
	}
	r.markVerified(folderID)

	r.logger.Info("folders: destination created", "user", userID, "folder", f.Name, "destination", channel)
	r.publish(ctx, events.TopicDestinationCreated, events.DestinationCreated{
		UserID: userID, FolderID: folderID, Destination: channel,
	})
	return channel, nil
}

// ResetDestination clears the folder's destination so the next resolve
// creates a new channel. Nothing changes when the folder has meanwhile
// moved to a destination other than stale.
func (r *Registry) ResetDestination(ctx context.Context, userID int64, folderID string, stale int64) error {
	err := r.mutate(ctx, userID, func(list []Folder) ([]Folder, error) {
		i := slices.IndexFunc(list, func(f Folder) bool { return f.ID == folderID })
		if i < 0 {
			return nil, ErrNotFound
		}
		if list[i].Destination != stale {
			return nil, errUnchanged
		}
		list[i].Destination = 0
		return list, nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.verified, folderID)
	r.mu.Unlock()
	r.logger.Warn("folders: destination cleared", "user", userID, "folder", folderID, "destination", stale)
	return nil
}

// ReportUndeliverable is called after a send to dest failed permanently.
// The destination is checked and, when it is confirmed unusable, cleared.
// It reports whether the destination was cleared.
func (r *Registry) ReportUndeliverable(ctx context.Context, userID int64, folderID string, dest int64) bool {
	dests := r.destinations()
	if dests == nil || dest == 0 {
		return false
	}
	if err := dests.CheckDestination(ctx, userID, dest); !errors.Is(err, remote.ErrPermanentDelivery) {
		return false
	}
	if err := r.ResetDestination(ctx, userID, folderID, dest); err != nil {
		r.logger.Error("folders: reset unusable destination failed",
			"user", userID, "folder", folderID, "destination", dest, "error", err)
		return false
	}
	return true
}

// mutate applies fn to a copy of the user's folder list, persists the
// result, and only then swaps it into memory and the reverse index.
func (r *Registry) mutate(ctx context.Context, userID int64, fn func([]Folder) ([]Folder, error)) error {
	lock := r.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.RLock()
	current := CloneAll(r.folders[userID])
	r.mu.RUnlock()

	next, err := fn(current)
	if err != nil {
		return err
	}

	if err := r.store.SaveFolders(ctx, userID, next); err != nil {
		r.logger.Error("folders: persist failed", "user", userID, "error", err)
		return fmt.Errorf("folder: save user %d: %w", userID, err)
	}

	r.mu.Lock()
	r.unindexLocked(userID, r.folders[userID])
	if len(next) == 0 {
		delete(r.folders, userID)
	} else {
		r.folders[userID] = next
	}
	r.indexLocked(userID, next)
	total := r.countLocked()
	r.mu.Unlock()

	r.metrics.ObserveGauge(metrics.Folders, float64(total))
	return nil
}

func (r *Registry) userLock(userID int64) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		r.userLocks[userID] = l
	}
	return l
}

// indexLocked must be called with mu held.
func (r *Registry) indexLocked(userID int64, list []Folder) {
	for _, f := range list {
		for _, src := range f.Sources {
			k := sourceKey{userID, src}
			r.index[k] = append(r.index[k], f)
		}
	}
}

// unindexLocked must be called with mu held.
func (r *Registry) unindexLocked(userID int64, list []Folder) {
	for _, f := range list {
		for _, src := range f.Sources {
			delete(r.index, sourceKey{userID, src})
		}
	}
}

// countLocked must be called with mu held.
func (r *Registry) countLocked() int {
	n := 0
	for _, list := range r.folders {
		n += len(list)
	}
	return n
}

func (r *Registry) recentlyVerified(folderID string) bool {
	ttl := time.Duration(r.verifyTTL.Load())
	if ttl <= 0 {
		return true
	}
	r.mu.RLock()
	at, ok := r.verified[folderID]
	r.mu.RUnlock()
	return ok && r.now().Sub(at) < ttl
}

func (r *Registry) markVerified(folderID string) {
	r.mu.Lock()
	r.verified[folderID] = r.now()
	r.mu.Unlock()
}

func (r *Registry) publish(ctx context.Context, topic string, event any) {
	if err := r.events.Publish(ctx, topic, event); err != nil {
		r.logger.Debug("folders: publish event failed", "topic", topic, "error", err)
	}
}

func uniqueSources(sources []int64) []int64 {
	out := make([]int64, 0, len(sources))
	for _, s := range sources {
		if s == 0 || slices.Contains(out, s) {
			continue
		}
		out = append(out, s)
	}
	return out
}
