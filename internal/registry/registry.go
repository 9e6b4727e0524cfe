// Package registry owns the on-disk tunnel instance records: one TOML file
// per instance in a single directory, named by a fixed grammar that encodes
// the instance role.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Role string

const (
	RoleClient Role = "client"
	RoleServer Role = "server"
)

// Instance is a declared tunnel instance, derived purely from its record
// file name.
type Instance struct {
	Name       string
	Role       Role
	ConfigPath string
}

// ErrNotFound reports a name with no record in the config directory.
var ErrNotFound = errors.New("instance not found")

// ValidationError rejects bad create input before anything touches disk.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Naming grammar: clients are <ip>_<port>, servers are iran_<port>.
// Ports reject leading zeros so each instance has exactly one spelling.
var (
	serverNameRe = regexp.MustCompile(`^iran_([1-9][0-9]{0,4})$`)
	clientNameRe = regexp.MustCompile(`^((?:[0-9]{1,3}\.){3}[0-9]{1,3})_([1-9][0-9]{0,4})$`)
)

// ParseName classifies a record name. Purely structural: it never touches
// the filesystem, and unknown shapes simply report !ok.
func ParseName(name string) (Role, bool) {
	if m := serverNameRe.FindStringSubmatch(name); m != nil {
		if portOK(m[1]) {
			return RoleServer, true
		}
		return "", false
	}
	if m := clientNameRe.FindStringSubmatch(name); m != nil {
		if ipOK(m[1]) && portOK(m[2]) {
			return RoleClient, true
		}
	}
	return "", false
}

// ClientName derives the record name for a client instance.
func ClientName(ip string, port int) string {
	return fmt.Sprintf("%s_%d", ip, port)
}

// ServerName derives the record name for a server instance.
func ServerName(port int) string {
	return fmt.Sprintf("iran_%d", port)
}

func portOK(s string) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n >= 1 && n <= 65535
}

func ipOK(s string) bool {
	addr, err := netip.ParseAddr(s)
	return err == nil && addr.Is4()
}

// Store reads and writes instance records under a single directory.
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string { return s.dir }

// List scans the config directory for record files matching the naming
// grammar, sorted by name. Foreign files are skipped, never fatal; a
// missing directory is an empty fleet.
func (s *Store) List() ([]Instance, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config dir: %w", err)
	}
	var out []Instance
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".toml")
		role, ok := ParseName(name)
		if !ok {
			slog.Debug("skipping foreign file in config dir", "file", e.Name())
			continue
		}
		out = append(out, Instance{
			Name:       name,
			Role:       role,
			ConfigPath: filepath.Join(s.dir, e.Name()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get resolves a name to its instance, or ErrNotFound.
func (s *Store) Get(name string) (Instance, error) {
	role, ok := ParseName(name)
	if !ok {
		return Instance{}, &ValidationError{Field: "name", Reason: "not a recognized instance name"}
	}
	path := filepath.Join(s.dir, name+".toml")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return Instance{}, ErrNotFound
		}
		return Instance{}, fmt.Errorf("stat record: %w", err)
	}
	return Instance{Name: name, Role: role, ConfigPath: path}, nil
}

// WriteClient validates input, renders a full client record and writes it
// under the derived name. An existing record is replaced whole (last write
// wins).
func (s *Store) WriteClient(ip string, port int, token string, pool int) (Instance, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil || !addr.Is4() {
		return Instance{}, &ValidationError{Field: "ip", Reason: "must be a dotted-quad IPv4 address"}
	}
	if err := checkPort(port); err != nil {
		return Instance{}, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Instance{}, &ValidationError{Field: "token", Reason: "must not be empty"}
	}
	if pool < 1 {
		return Instance{}, &ValidationError{Field: "pool", Reason: "must be at least 1"}
	}
	ip = addr.String()
	data, err := renderClient(defaultClientConfig(ip, port, token, pool))
	if err != nil {
		return Instance{}, err
	}
	return s.writeRecord(ClientName(ip, port), data)
}

// WriteServer validates input, renders a full server record and writes it
// under the derived name.
func (s *Store) WriteServer(port int, token string) (Instance, error) {
	if err := checkPort(port); err != nil {
		return Instance{}, err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Instance{}, &ValidationError{Field: "token", Reason: "must not be empty"}
	}
	data, err := renderServer(defaultServerConfig(port, token))
	if err != nil {
		return Instance{}, err
	}
	return s.writeRecord(ServerName(port), data)
}

// Load decodes an existing record for display.
func (s *Store) Load(name string) (Record, error) {
	inst, err := s.Get(name)
	if err != nil {
		return Record{}, err
	}
	data, err := os.ReadFile(inst.ConfigPath) //nolint:gosec // path derived from validated name
	if err != nil {
		return Record{}, fmt.Errorf("read record: %w", err)
	}
	var rec Record
	if err := toml.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode record %s: %w", name, err)
	}
	return rec, nil
}

// Delete removes the record file. ErrNotFound when no record exists.
func (s *Store) Delete(name string) error {
	inst, err := s.Get(name)
	if err != nil {
		return err
	}
	if err := os.Remove(inst.ConfigPath); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("remove record: %w", err)
	}
	return nil
}

func checkPort(port int) error {
	if port < 1 || port > 65535 {
		return &ValidationError{Field: "port", Reason: "must be between 1 and 65535"}
	}
	return nil
}

// writeRecord replaces the record atomically so a reader never observes a
// partially written file.
func (s *Store) writeRecord(name string, data []byte) (Instance, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Instance{}, fmt.Errorf("create config dir: %w", err)
	}
	path := filepath.Join(s.dir, name+".toml")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil { //nolint:gosec // core reads this file
		return Instance{}, fmt.Errorf("write record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return Instance{}, fmt.Errorf("place record: %w", err)
	}
	role, _ := ParseName(name)
	return Instance{Name: name, Role: role, ConfigPath: path}, nil
}
