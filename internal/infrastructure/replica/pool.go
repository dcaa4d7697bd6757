package replica

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"gopkg.in/ini.v1"

	"dispatch/internal/domain"
	"dispatch/internal/ports"
)

const (
	hostedSuffix = ".db.svc.wikimedia.cloud"
	replicaPort  = 3306

	// The hosting policy forbids idle persistent connections.
	idleTimeout = 5 * time.Second
)

// ErrConnectionRefused reports a host that fails the hosted safety gate.
var ErrConnectionRefused = errors.New("replica: connection refused")

// ErrNoCredentials reports that no credential source produced a user/pass
// pair. Replica-backed endpoints stay degraded until one appears.
var ErrNoCredentials = errors.New("replica: no credentials found")

// Credentials is a replica user/password pair.
type Credentials struct {
	User string
	Pass string
}

// Pool opens and tears down short-lived replica connections. There is no
// long-lived pooling: every handle is configured with zero idle
// connections and a five second idle timeout.
type Pool struct {
	creds  *Credentials
	hosted bool
	logger *slog.Logger
}

var _ ports.ReplicaConnector = (*Pool)(nil)

// NewPool discovers credentials and the hosting mode from the process
// environment. Missing credentials are logged, not fatal.
func NewPool(logger *slog.Logger) *Pool {
	pool := &Pool{
		hosted: os.Getenv("TOOL_DATA_DIR") != "",
		logger: logger,
	}

	creds, err := discoverCredentials()
	if err != nil {
		logger.Warn("replica credentials unavailable, DB endpoints degraded", "error", err)
	} else {
		pool.creds = &creds
	}
	return pool
}

// NewPoolWithCredentials is the test seam around environment discovery.
func NewPoolWithCredentials(creds Credentials, hosted bool, logger *slog.Logger) *Pool {
	return &Pool{creds: &creds, hosted: hosted, logger: logger}
}

// Available reports whether credential discovery succeeded.
func (p *Pool) Available() bool {
	return p.creds != nil
}

// Connect opens a handle to the wiki's replica of the given kind. The
// caller must Close it once the job completes.
func (p *Pool) Connect(ctx context.Context, wiki domain.Wiki, kind ports.ReplicaKind) (*sql.DB, error) {
	if p.creds == nil {
		return nil, ErrNoCredentials
	}

	host, port, err := p.resolveHost(wiki.DBName, kind)
	if err != nil {
		return nil, err
	}

	cfg := mysql.NewConfig()
	cfg.User = p.creds.User
	cfg.Passwd = p.creds.Pass
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", host, port)
	cfg.DBName = wiki.DBName + "_p"
	cfg.ParseTime = false

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("replica connector for %s: %w", wiki.DBName, err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxIdleConns(0)
	db.SetConnMaxIdleTime(idleTimeout)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s replica for %s: %w", kind, wiki.DBName, err)
	}

	p.logger.Debug("replica connection opened", "dbname", wiki.DBName, "kind", kind, "host", host)
	return db, nil
}

func (p *Pool) resolveHost(dbname string, kind ports.ReplicaKind) (string, int, error) {
	upper := strings.ToUpper(dbname)
	override := os.Getenv("DISPATCH_TOOLSDB_HOST_" + upper)

	if p.hosted {
		host := override
		if host == "" {
			host = fmt.Sprintf("%s.%s%s", dbname, kind, hostedSuffix)
		}
		// Safety gate: a hosted instance may only talk to the replica
		// service, whatever the overrides say.
		if !strings.HasSuffix(host, hostedSuffix) {
			return "", 0, fmt.Errorf("%w: %s is outside the replica service", ErrConnectionRefused, host)
		}
		return host, replicaPort, nil
	}

	// Development: per-dbname overrides, falling back to an SSH-forwarded
	// local port.
	host := override
	if host == "" {
		host = "127.0.0.1"
	}
	port := replicaPort
	if raw := os.Getenv("DISPATCH_TOOLSDB_PORT_" + upper); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return "", 0, fmt.Errorf("invalid port override for %s: %w", dbname, err)
		}
		port = parsed
	}
	return host, port, nil
}

// discoverCredentials probes the documented sources in order: explicit
// env, hosted build-service env, then replica.my.cnf in the tool data
// dir, the home dir, and the project root.
func discoverCredentials() (Credentials, error) {
	if user := os.Getenv("DISPATCH_TOOLSDB_USER"); user != "" {
		return Credentials{User: user, Pass: os.Getenv("DISPATCH_TOOLSDB_PASS")}, nil
	}
	if user := os.Getenv("TOOL_TOOLSDB_USER"); user != "" {
		return Credentials{User: user, Pass: os.Getenv("TOOL_TOOLSDB_PASSWORD")}, nil
	}

	var paths []string
	if dataDir := os.Getenv("TOOL_DATA_DIR"); dataDir != "" {
		paths = append(paths, filepath.Join(dataDir, "replica.my.cnf"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "replica.my.cnf"))
	}
	paths = append(paths, "replica.my.cnf")

	for _, path := range paths {
		creds, err := readCredentialFile(path)
		if err == nil {
			return creds, nil
		}
	}
	return Credentials{}, ErrNoCredentials
}

func readCredentialFile(path string) (Credentials, error) {
	file, err := ini.Load(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("load %s: %w", path, err)
	}

	section := file.Section("client")
	creds := Credentials{
		User: section.Key("user").String(),
		Pass: section.Key("password").String(),
	}
	if creds.User == "" {
		return Credentials{}, fmt.Errorf("%s: no user in [client]", path)
	}
	return creds, nil
}
