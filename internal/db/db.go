package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type User struct {
	ID           string
	Email        string
	PasswordHash string
	Role         string
}

type ClusterConfig struct {
	Hosts       []string
	Port        int
	Keyspace    string
	Consistency string
	Replication int
}

func EnsureSchema(session *gocql.Session, keyspace string) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.users (
			id uuid PRIMARY KEY,
			email text,
			password_hash text,
			role text,
			created_at timestamp
		)`, keyspace),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS users_email_idx ON %s.users (email)`, keyspace),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.titles (
			id uuid PRIMARY KEY,
			kind text,
			name text,
			year int,
			poster_url text,
			metadata map<text,text>,
			created_at timestamp
		)`, keyspace),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.title_sources (
			title_id uuid,
			id timeuuid,
			url text,
			label text,
			priority int,
			PRIMARY KEY (title_id, id)
		)`, keyspace),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.play_state (
			user_id uuid,
			title_id uuid,
			position_ms bigint,
			updated_at timestamp,
			PRIMARY KEY (user_id, title_id)
		)`, keyspace),
	}
	for _, stmt := range stmts {
		if err := session.Query(stmt).Exec(); err != nil {
			return err
		}
	}
	return nil
}

func EnsureKeyspace(session *gocql.Session, keyspace string, replicationFactor int) error {
	if replicationFactor <= 0 {
		replicationFactor = 3
	}
	stmt := fmt.Sprintf("CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}", keyspace, replicationFactor)
	return session.Query(stmt).Exec()
}

// Connect creates the keyspace if needed and returns a session bound to it.
func Connect(cfg ClusterConfig, log zerolog.Logger) (*gocql.Session, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Port = cfg.Port
	cluster.Timeout = 5 * time.Second
	cluster.Consistency = ParseConsistency(cfg.Consistency)

	tmpSession, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}
	defer tmpSession.Close()

	created := false
	for i := 0; i < 10; i++ {
		if err := EnsureKeyspace(tmpSession, cfg.Keyspace, cfg.Replication); err != nil {
			log.Warn().Err(err).Int("attempt", i+1).Msg("ensure keyspace")
			time.Sleep(3 * time.Second)
			continue
		}
		created = true
		break
	}
	if !created {
		return nil, fmt.Errorf("unable to ensure keyspace %s", cfg.Keyspace)
	}

	cluster.Keyspace = cfg.Keyspace
	return cluster.CreateSession()
}

func ParseConsistency(raw string) gocql.Consistency {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "ONE":
		return gocql.One
	case "LOCAL_ONE":
		return gocql.LocalOne
	case "LOCAL_QUORUM":
		return gocql.LocalQuorum
	case "ALL":
		return gocql.All
	default:
		return gocql.Quorum
	}
}

func EnsureAdmin(ctx context.Context, session *gocql.Session, keyspace, email, password string) error {
	var existing string
	err := session.Query(fmt.Sprintf("SELECT id FROM %s.users WHERE email=? LIMIT 1", keyspace), email).WithContext(ctx).Scan(&existing)
	if err == nil && existing != "" {
		return nil
	}
	if err != nil && !errors.Is(err, gocql.ErrNotFound) {
		return err
	}
	return CreateUser(ctx, session, keyspace, email, password, "admin")
}

func CreateUser(ctx context.Context, session *gocql.Session, keyspace, email, password, role string) error {
	id := gocql.TimeUUID()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return session.Query(fmt.Sprintf(`INSERT INTO %s.users (id,email,password_hash,role,created_at) VALUES (?,?,?,?,?)`, keyspace),
		id, strings.ToLower(strings.TrimSpace(email)), string(hash), role, time.Now()).WithContext(ctx).Exec()
}

func Authenticate(ctx context.Context, session *gocql.Session, keyspace, email, password string) (User, error) {
	var u User
	err := session.Query(fmt.Sprintf(`SELECT id,email,password_hash,role FROM %s.users WHERE email=? LIMIT 1`, keyspace),
		strings.ToLower(strings.TrimSpace(email))).
		WithContext(ctx).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role)
	if errors.Is(err, gocql.ErrNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if err := CheckPassword(u.PasswordHash, password); err != nil {
		return User{}, err
	}
	return u, nil
}

func CheckPassword(hash, password string) error {
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	return nil
}
