package config

import (
	"cmp"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/goccy/go-yaml"

	"github.com/babygitr/babygitr/internal/errs"
	"github.com/babygitr/babygitr/internal/logging"
)

const (
	DefaultLocalFolder     = "."
	DefaultRemoteName      = "origin"
	DefaultBranchName      = "babygitr_managed_branch"
	DefaultIdentityName    = "BabyGitr"
	DefaultIdentityEmail   = "babygitr@nosuchemail.com"
	DefaultSnapshotMessage = "chore(babygitr): housekeeping"
	DefaultInitialMessage  = "chore(babygitr): initial"
)

// Root is the top-level configuration of a managed repository.
type Root struct {
	LocalFolder string    `json:"local_folder,omitempty"`
	RemoteURL   string    `json:"remote_url,omitempty"`
	RemoteName  string    `json:"remote_name,omitempty"`
	BranchName  string    `json:"branch_name,omitempty"`
	Identity    *Identity `json:"identity,omitempty"`
	Auth        *Auth     `json:"auth_configuration,omitempty"` // Schema validation overrides Auth to object type.
	Snapshot    *Snapshot `json:"sync_configuration,omitempty"`
	Logging     *Logging  `json:"logging,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

// Path returns the local folder as an absolute path.
func (r *Root) Path() (string, error) {
	p, err := filepath.Abs(expandHome(cmp.Or(r.LocalFolder, DefaultLocalFolder)))
	if err != nil {
		return "", errs.Configuration("config", "invalid local folder %q: %v", r.LocalFolder, err)
	}
	return p, nil
}

func (r *Root) Remote() string {
	return cmp.Or(r.RemoteName, DefaultRemoteName)
}

func (r *Root) Branch() string {
	return cmp.Or(r.BranchName, DefaultBranchName)
}

// Committer returns the configured identity with defaults applied.
func (r *Root) Committer() Identity {
	var id Identity
	if r.Identity != nil {
		id = *r.Identity
	}
	id.Name = cmp.Or(id.Name, DefaultIdentityName)
	id.Email = cmp.Or(id.Email, DefaultIdentityEmail)
	return id
}

func (r *Root) SnapshotOptions() Snapshot {
	var s Snapshot
	if r.Snapshot != nil {
		s = *r.Snapshot
	}
	s.Dir = cmp.Or(s.Dir, ".")
	s.Message = cmp.Or(s.Message, DefaultSnapshotMessage)
	return s
}

// Validate checks the values the schema cannot express.
func (r *Root) Validate() error {
	if !ValidBranch(r.Branch()) {
		return errs.Configuration("config", "invalid branch name %q", r.Branch())
	}

	if strings.ContainsAny(r.Remote(), " /") {
		return errs.Configuration("config", "invalid remote name %q", r.Remote())
	}

	if r.Snapshot != nil {
		if _, err := r.Snapshot.Matcher(); err != nil {
			return err
		}
	}

	if r.Logging != nil {
		if _, err := r.Logging.Config(); err != nil {
			return err
		}
	}

	return nil
}

// Identity is the author and committer of every commit the watcher creates.
type Identity struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

func (i Identity) String() string {
	return fmt.Sprintf("%s <%s>", i.Name, i.Email)
}

// Snapshot controls which working copy changes get committed.
type Snapshot struct {
	Dir     string   `json:"dir,omitempty"`
	Ignore  []string `json:"ignore,omitempty"`
	Message string   `json:"message,omitempty"`

	_ struct{} `additionalProperties:"false"`
}

// Matcher compiles the ignore patterns into a single matcher. A nil matcher
// is returned when there is nothing to ignore.
func (s *Snapshot) Matcher() (glob.Glob, error) {
	if s == nil || len(s.Ignore) == 0 {
		return nil, nil
	}

	var pattern string
	if len(s.Ignore) == 1 {
		pattern = s.Ignore[0]
	} else {
		pattern = "{" + strings.Join(s.Ignore, ",") + "}"
	}

	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, errs.Configuration("config", "invalid ignore pattern %q: %v", pattern, err)
	}
	return g, nil
}

type Logging struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty" enum:"json,text"`

	_ struct{} `additionalProperties:"false"`
}

func (l *Logging) Config() (logging.Config, error) {
	if l == nil {
		return logging.Config{Level: logging.Info}, nil
	}

	level, err := logging.ParseLevel(l.Level)
	if err != nil {
		return logging.Config{}, errs.Configuration("config", "%v", err)
	}

	switch l.Format {
	case "", "json", "text":
	default:
		return logging.Config{}, errs.Configuration("config", "unknown log format %q", l.Format)
	}

	return logging.Config{Level: level, Format: l.Format}, nil
}

// Duration is decoded from strings like "5m" or "0.5s" by the auth decoder.
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

func Validate(data []byte) error {
	var config any
	if err := yaml.Unmarshal(data, &config); err != nil {
		return err
	}

	return rootSchema.Validate(config)
}

func ParseFile(filename string) (root *Root, err error) {
	bs, err := os.ReadFile(filename)
	if err != nil {
		return nil, errs.Configuration("config", "failed to read config file %s: %v", filename, err)
	}

	return Parse(bs)
}

// Parse validates bs against the configuration schema and decodes it. YAML
// and JSON are both accepted.
func Parse(bs []byte) (*Root, error) {
	if err := Validate(bs); err != nil {
		return nil, errs.New(errs.ErrConfiguration, "config", err)
	}

	var root Root
	if err := yaml.Unmarshal(bs, &root); err != nil {
		return nil, errs.Configuration("config", "failed to unmarshal config: %v", err)
	}

	if err := root.Validate(); err != nil {
		return nil, err
	}

	return &root, nil
}

// FromMap builds a Root from an already decoded configuration, as handed over
// by an embedding program.
func FromMap(m map[string]any) (*Root, error) {
	bs, err := json.Marshal(m)
	if err != nil {
		return nil, errs.Configuration("config", "failed to encode config: %v", err)
	}
	return Parse(bs)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// ValidBranch rejects the names git itself refuses as branch names.
func ValidBranch(name string) bool {
	switch {
	case name == "", name == "HEAD", name == "@":
		return false
	case strings.HasPrefix(name, "-"), strings.HasPrefix(name, "/"), strings.HasSuffix(name, "/"):
		return false
	case strings.HasSuffix(name, ".lock"), strings.HasSuffix(name, "."):
		return false
	case strings.Contains(name, ".."), strings.Contains(name, "//"), strings.Contains(name, "@{"):
		return false
	case strings.ContainsAny(name, " ~^:?*[\\\x7f"):
		return false
	}
	return true
}
