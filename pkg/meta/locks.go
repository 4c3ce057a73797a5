package meta

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/webdav"
)

// lockEntry mirrors one dav_lock row.
type lockEntry struct {
	token     string
	root      string
	ownerXML  string
	zeroDepth bool
	duration  time.Duration
	expires   time.Time
}

// covers reports whether the lock applies to the named resource.
func (l *lockEntry) covers(name string) bool {
	if name == l.root {
		return true
	}
	if l.zeroDepth {
		return false
	}
	return strings.HasPrefix(name, l.root+"/") || l.root == "/"
}

// LockSystem implements webdav.LockSystem with state held in memory and
// written through to the metadata database, so locks survive restart.
type LockSystem struct {
	store *Store

	mu    sync.Mutex
	byTok map[string]*lockEntry
}

var _ webdav.LockSystem = (*LockSystem)(nil)

// NewLockSystem loads active locks from the store. Expired rows are
// discarded on load.
func NewLockSystem(ctx context.Context, store *Store) (*LockSystem, error) {
	ls := &LockSystem{
		store: store,
		byTok: make(map[string]*lockEntry),
	}

	rows, err := store.db.QueryContext(ctx,
		`SELECT token, root, owner_xml, zero_depth, duration_ns, expires_at FROM dav_lock`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now()
	for rows.Next() {
		var (
			l         lockEntry
			zeroDepth int64
			durNS     int64
			expires   int64
		)
		if err := rows.Scan(&l.token, &l.root, &l.ownerXML, &zeroDepth, &durNS, &expires); err != nil {
			return nil, err
		}
		l.zeroDepth = zeroDepth != 0
		l.duration = time.Duration(durNS)
		l.expires = time.Unix(expires, 0)
		if l.duration > 0 && l.expires.Before(now) {
			store.deleteLock(ctx, l.token)
			continue
		}
		entry := l
		ls.byTok[entry.token] = &entry
	}
	return ls, rows.Err()
}

// Confirm checks that the named resources are either unlocked or that
// the caller holds the covering locks via the supplied conditions.
func (ls *LockSystem) Confirm(now time.Time, name0, name1 string, conditions ...webdav.Condition) (func(), error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.purgeExpired(now)

	held := make(map[string]bool, len(conditions))
	for _, c := range conditions {
		held[c.Token] = true
	}

	for _, name := range []string{name0, name1} {
		if name == "" {
			continue
		}
		for _, l := range ls.byTok {
			if l.covers(name) && !held[l.token] {
				return nil, webdav.ErrConfirmationFailed
			}
		}
	}
	return func() {}, nil
}

// Create takes out a new lock and returns its token.
func (ls *LockSystem) Create(now time.Time, details webdav.LockDetails) (string, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.purgeExpired(now)

	for _, l := range ls.byTok {
		if l.covers(details.Root) {
			return "", webdav.ErrLocked
		}
		// A depth-infinity request also conflicts with locks held
		// below the requested root.
		if !details.ZeroDepth && (details.Root == "/" || strings.HasPrefix(l.root, details.Root+"/")) {
			return "", webdav.ErrLocked
		}
	}

	l := &lockEntry{
		token:     "urn:uuid:" + uuid.NewString(),
		root:      details.Root,
		ownerXML:  details.OwnerXML,
		zeroDepth: details.ZeroDepth,
		duration:  details.Duration,
	}
	if l.duration > 0 {
		l.expires = now.Add(l.duration)
	}
	if err := ls.store.saveLock(context.Background(), l); err != nil {
		return "", err
	}
	ls.byTok[l.token] = l
	return l.token, nil
}

// Refresh extends an existing lock.
func (ls *LockSystem) Refresh(now time.Time, token string, duration time.Duration) (webdav.LockDetails, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.purgeExpired(now)

	l, ok := ls.byTok[token]
	if !ok {
		return webdav.LockDetails{}, webdav.ErrNoSuchLock
	}
	l.duration = duration
	if duration > 0 {
		l.expires = now.Add(duration)
	} else {
		l.expires = time.Time{}
	}
	if err := ls.store.saveLock(context.Background(), l); err != nil {
		return webdav.LockDetails{}, err
	}
	return webdav.LockDetails{
		Root:      l.root,
		Duration:  l.duration,
		OwnerXML:  l.ownerXML,
		ZeroDepth: l.zeroDepth,
	}, nil
}

// Unlock releases the lock held under token.
func (ls *LockSystem) Unlock(now time.Time, token string) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.purgeExpired(now)

	if _, ok := ls.byTok[token]; !ok {
		return webdav.ErrNoSuchLock
	}
	delete(ls.byTok, token)
	return ls.store.deleteLock(context.Background(), token)
}

// purgeExpired drops timed-out locks. Caller holds the mutex.
func (ls *LockSystem) purgeExpired(now time.Time) {
	for token, l := range ls.byTok {
		if l.duration > 0 && l.expires.Before(now) {
			delete(ls.byTok, token)
			ls.store.deleteLock(context.Background(), token)
		}
	}
}

func (s *Store) saveLock(ctx context.Context, l *lockEntry) error {
	zeroDepth := 0
	if l.zeroDepth {
		zeroDepth = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO dav_lock (token, root, owner_xml, zero_depth, duration_ns, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		l.token, l.root, l.ownerXML, zeroDepth, int64(l.duration), l.expires.Unix())
	return err
}

func (s *Store) deleteLock(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dav_lock WHERE token = ?`, token)
	return err
}
