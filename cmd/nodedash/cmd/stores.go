package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/nodedash/internal/config"
	"github.com/jmcleod/nodedash/rpc"
	"github.com/jmcleod/nodedash/session"
	"github.com/jmcleod/nodedash/storage"
	bboltstorage "github.com/jmcleod/nodedash/storage/bbolt"
	"github.com/jmcleod/nodedash/storage/postgres"
)

// boltOpenTimeout bounds the wait for another process's file lock.
const boltOpenTimeout = 5 * time.Second

// userStore is the opened credential store plus the bbolt handle, when
// bbolt backs it, so the session store can share the file.
type userStore struct {
	repo    storage.Repository
	boltDB  *bbolt.DB
	backend string
	close   func()
}

// openUserStore prefers PostgreSQL when a database URL is configured and
// falls back to the bbolt file otherwise.
func openUserStore(ctx context.Context, cfg config.Config) (*userStore, error) {
	if cfg.DatabaseURL != "" {
		pg, err := postgres.NewRepositoryFromDSN(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open user database: %w", err)
		}
		return &userStore{repo: pg, backend: "postgres", close: pg.Close}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.UserDB), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	repo, err := bboltstorage.NewRepositoryFromFile(cfg.UserDB, &bbolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open user database: %w", err)
	}
	return &userStore{
		repo:    repo,
		boltDB:  repo.DB(),
		backend: "bbolt",
		close:   func() { repo.Close() },
	}, nil
}

// sessionStore is a session.Store that owns background resources.
type sessionStore interface {
	session.Store
	Close()
}

// openSessionStore returns an in-memory store unless SESSION_DB is set.
// When SESSION_DB names the user database file the open handle is reused,
// since bbolt locks the file per handle.
func openSessionStore(cfg config.Config, users *userStore) (sessionStore, func(), error) {
	if !cfg.PersistentSessions() {
		s := session.NewMemoryStore()
		return s, s.Close, nil
	}

	db := users.boltDB
	closeDB := func() {}
	if db == nil || !samePath(cfg.SessionDB, cfg.UserDB) {
		if err := os.MkdirAll(filepath.Dir(cfg.SessionDB), 0o700); err != nil {
			return nil, nil, fmt.Errorf("failed to create session directory: %w", err)
		}
		var err error
		db, err = bbolt.Open(cfg.SessionDB, 0o600, &bbolt.Options{Timeout: boltOpenTimeout})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open session database: %w", err)
		}
		closeDB = func() { db.Close() }
	}

	s, err := session.NewPersistentStore(db, []byte(cfg.SessionSecret))
	if err != nil {
		closeDB()
		return nil, nil, err
	}
	return s, func() {
		s.Close()
		closeDB()
	}, nil
}

func samePath(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return absA == absB
}

// newRPCClient builds the node client from the RPC settings.
func newRPCClient(cfg config.Config) (*rpc.Client, *rpc.CookieAuth) {
	auth := rpc.NewCookieAuth(cfg.RPC.CookiePath, cfg.RPC.User, cfg.RPC.Pass)
	return rpc.NewClient(rpc.Endpoint(cfg.RPC.Host, cfg.RPC.Port), auth), auth
}
