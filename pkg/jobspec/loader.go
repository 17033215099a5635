package jobspec

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/3leaps/opswatch/pkg/quiethours"
	"gopkg.in/yaml.v3"
)

// LoadOptions tunes how relative paths in a document are resolved.
type LoadOptions struct {
	// DefaultCwd is used for jobs without a cwd. Empty means the directory
	// holding the config file.
	DefaultCwd string
	// HomeDir expands a leading "~" in cwd values. Empty means os.UserHomeDir.
	HomeDir string
}

type rawDefaults struct {
	QuietHours               *QuietHours `json:"quietHours"`
	ReportEverySeconds       *int64      `json:"reportEverySeconds"`
	StallSeconds             *int64      `json:"stallSeconds"`
	AutoResume               *bool       `json:"autoResume"`
	AutoResumeBackoffSeconds *int64      `json:"autoResumeBackoffSeconds"`
}

type rawJob struct {
	ID       string              `json:"id"`
	Name     string              `json:"name"`
	Kind     Kind                `json:"kind"`
	Enabled  bool                `json:"enabled"`
	Risk     Risk                `json:"risk"`
	Cwd      *string             `json:"cwd"`
	Commands map[string][]string `json:"commands"`
	Policy   Policy              `json:"policy"`
	Approval *Approval           `json:"approval"`
	After    []FollowUp          `json:"after"`
}

type rawConfig struct {
	Version  int         `json:"version"`
	Defaults rawDefaults `json:"defaults"`
	Jobs     []rawJob    `json:"jobs"`
}

// Load reads and validates the job configuration at path.
//
// The format is chosen by extension: .json, .yaml or .yml. Other extensions
// are tried as YAML first, then JSON. Every failure is a *ConfigError.
func Load(path string, opts LoadOptions) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ConfigError{Path: path, Err: fmt.Errorf("config file not found: %s", path)}
		}
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("failed to read config file: %w", err)}
	}
	return Parse(data, path, opts)
}

// Parse validates raw document bytes. path is used for format detection,
// error messages and the default cwd.
func Parse(data []byte, path string, opts LoadOptions) (*Config, error) {
	cfg, err := parse(data, path, opts)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}
	return cfg, nil
}

func parse(data []byte, path string, opts LoadOptions) (*Config, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("config file is empty")
	}
	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	if err := ValidateSchema(jsonData); err != nil {
		return nil, err
	}

	var raw rawConfig
	if err := json.Unmarshal(jsonData, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if raw.Version != Version {
		return nil, fmt.Errorf("expected version=%d, got %d", Version, raw.Version)
	}

	defaults, err := resolveDefaults(raw.Defaults)
	if err != nil {
		return nil, err
	}

	defaultCwd := opts.DefaultCwd
	if defaultCwd == "" && path != "" {
		defaultCwd = filepath.Dir(path)
	}
	home := opts.HomeDir
	if home == "" {
		home, _ = os.UserHomeDir()
	}

	cfg := &Config{
		Path:     path,
		Defaults: defaults,
		Jobs:     make(map[string]*Job, len(raw.Jobs)),
	}
	for idx, rj := range raw.Jobs {
		job, err := buildJob(idx, rj, defaultCwd, home)
		if err != nil {
			return nil, err
		}
		if _, dup := cfg.Jobs[job.ID]; dup {
			return nil, fmt.Errorf("duplicate job id: %s", job.ID)
		}
		cfg.Jobs[job.ID] = job
		cfg.Order = append(cfg.Order, job.ID)
	}

	if err := checkWriteVerification(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveDefaults(rd rawDefaults) (Defaults, error) {
	start, end := DefaultQuietStart, DefaultQuietEnd
	if rd.QuietHours != nil {
		if rd.QuietHours.Start != "" {
			start = rd.QuietHours.Start
		}
		if rd.QuietHours.End != "" {
			end = rd.QuietHours.End
		}
	}
	window, err := quiethours.Parse(start, end)
	if err != nil {
		return Defaults{}, fmt.Errorf("defaults: %w", err)
	}
	d := Defaults{
		QuietHours:        window,
		ReportEvery:       seconds(DefaultReportEverySeconds),
		Stall:             seconds(DefaultStallSeconds),
		AutoResumeBackoff: seconds(DefaultAutoResumeBackoffSeconds),
	}
	if rd.ReportEverySeconds != nil {
		d.ReportEvery = seconds(*rd.ReportEverySeconds)
	}
	if rd.StallSeconds != nil {
		d.Stall = seconds(*rd.StallSeconds)
	}
	if rd.AutoResume != nil {
		d.AutoResume = *rd.AutoResume
	}
	if rd.AutoResumeBackoffSeconds != nil {
		d.AutoResumeBackoff = seconds(*rd.AutoResumeBackoffSeconds)
	}
	return d, nil
}

func buildJob(idx int, rj rawJob, defaultCwd, home string) (*Job, error) {
	id := strings.TrimSpace(rj.ID)
	if id == "" {
		return nil, fmt.Errorf("job at index %d: missing id", idx)
	}
	switch rj.Kind {
	case KindLongRunningRead, KindOneShotRead, KindOneShotWrite:
	default:
		return nil, fmt.Errorf("job %s: unknown kind %q", id, rj.Kind)
	}
	switch rj.Risk {
	case RiskReadOnly, RiskWriteLocal, RiskWriteExternal:
	default:
		return nil, fmt.Errorf("job %s: unknown risk %q", id, rj.Risk)
	}

	name := strings.TrimSpace(rj.Name)
	if name == "" {
		name = id
	}

	cwd := defaultCwd
	if rj.Cwd != nil {
		c := strings.TrimSpace(*rj.Cwd)
		if c == "" {
			return nil, fmt.Errorf("job %s: cwd must be a non-empty path", id)
		}
		cwd = expandHome(c, home)
	}

	commands := make(map[string][]string, len(rj.Commands))
	for name, argv := range rj.Commands {
		if len(argv) == 0 {
			return nil, fmt.Errorf("job %s: commands.%s must be a non-empty argv list", id, name)
		}
		for _, arg := range argv {
			if arg == "" {
				return nil, fmt.Errorf("job %s: commands.%s contains an empty argument", id, name)
			}
		}
		commands[name] = argv
	}

	var required []string
	switch rj.Kind {
	case KindLongRunningRead:
		required = []string{CommandStart, CommandStatus}
	default:
		required = []string{CommandRun}
	}
	for _, name := range required {
		if _, ok := commands[name]; !ok {
			return nil, fmt.Errorf("job %s: %s requires commands.%s", id, rj.Kind, name)
		}
	}

	if qh := rj.Policy.QuietHours; qh != nil {
		start, end := qh.Start, qh.End
		if start == "" {
			start = DefaultQuietStart
		}
		if end == "" {
			end = DefaultQuietEnd
		}
		if _, err := quiethours.Parse(start, end); err != nil {
			return nil, fmt.Errorf("job %s: policy: %w", id, err)
		}
	}

	after := make([]FollowUp, 0, len(rj.After))
	for i, f := range rj.After {
		f.JobID = strings.TrimSpace(f.JobID)
		if f.JobID == "" {
			return nil, fmt.Errorf("job %s: after[%d] missing jobId", id, i)
		}
		if f.When == "" {
			f.When = WhenSuccess
		}
		if f.When != WhenSuccess && f.When != WhenFailure {
			return nil, fmt.Errorf("job %s: after[%d] has unknown when %q", id, i, f.When)
		}
		after = append(after, f)
	}

	return &Job{
		ID:       id,
		Name:     name,
		Kind:     rj.Kind,
		Enabled:  rj.Enabled,
		Risk:     rj.Risk,
		Cwd:      cwd,
		Commands: commands,
		Policy:   rj.Policy,
		Approval: rj.Approval,
		After:    after,
	}, nil
}

// checkWriteVerification requires every write job to name at least one
// read-only verification job that runs on success.
func checkWriteVerification(cfg *Config) error {
	for _, id := range cfg.Order {
		job := cfg.Jobs[id]
		if job.Kind != KindOneShotWrite {
			continue
		}
		onSuccess := job.FollowUps(WhenSuccess)
		if len(onSuccess) == 0 {
			return fmt.Errorf("job %s: one_shot_write requires at least one after[when=success] verification job", id)
		}
		verified := false
		for _, f := range onSuccess {
			next, ok := cfg.Jobs[f.JobID]
			if !ok {
				continue
			}
			if (next.Kind == KindOneShotRead || next.Kind == KindLongRunningRead) && next.ReadOnly() {
				verified = true
				break
			}
		}
		if !verified {
			return fmt.Errorf("job %s: after[when=success] must reference a read_only verification job", id)
		}
	}
	return nil
}

func expandHome(p, home string) string {
	if home == "" {
		return p
	}
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}

func toJSON(data []byte, path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in config: %w", err)
		}
		return data, nil
	case ".yaml", ".yml":
		return yamlToJSON(data)
	default:
		jsonData, err := yamlToJSON(data)
		if err == nil {
			return jsonData, nil
		}
		var raw any
		if jsonErr := json.Unmarshal(data, &raw); jsonErr == nil {
			return data, nil
		}
		return nil, fmt.Errorf("failed to parse config (tried YAML and JSON): %w", err)
	}
}

func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in config: %w", err)
	}
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert config to JSON: %w", err)
	}
	return jsonData, nil
}
