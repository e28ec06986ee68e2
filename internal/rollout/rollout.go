// Package rollout versions optimized configurations under the config
// directory and flips the ACTIVE pointer between them. The trading process
// resolves its config through config.LoadActive, so promotion and rollback
// are a pointer swap away from taking effect on the next restart.
package rollout

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/jbeckert/crosswind/internal/config"
)

const (
	configPrefix = "config_"
	configSuffix = ".yaml"
	metaPrefix   = "metadata_"
	metaSuffix   = ".json"
	idFormat     = "20060102T150405.000"
)

// Metadata records why a version was promoted. It is written beside the
// config file so a rollback decision can be made from the directory alone.
type Metadata struct {
	ID                  string             `json:"id"`
	PromotedAt          time.Time          `json:"promoted_at"`
	Params              map[string]float64 `json:"params"`
	BaselineSharpe      float64            `json:"baseline_sharpe"`
	CandidateSharpe     float64            `json:"candidate_sharpe"`
	BaselineAnnualized  float64            `json:"baseline_annualized"`
	CandidateAnnualized float64            `json:"candidate_annualized"`
	TailP95MaxDD        float64            `json:"tail_p95_max_dd"`
	Segments            int                `json:"segments"`
	Trials              int                `json:"trials"`
	Reason              string             `json:"reason"`
}

// Version is one promoted configuration on disk.
type Version struct {
	ID         string
	ConfigPath string
	MetaPath   string
	Active     bool
	PromotedAt time.Time
}

// Manager owns the versioned layout under <configDir>/optimized and
// <configDir>/backups. basePath is the unversioned fallback config the
// process uses when no version was ever promoted.
type Manager struct {
	configDir string
	basePath  string
	log       zerolog.Logger
	now       func() time.Time
}

func NewManager(configDir, basePath string, log zerolog.Logger) *Manager {
	return &Manager{
		configDir: configDir,
		basePath:  basePath,
		log:       log.With().Str("service", "rollout").Logger(),
		now:       time.Now,
	}
}

func (m *Manager) optimizedDir() string {
	return filepath.Join(m.configDir, config.OptimizedDirName)
}

func (m *Manager) backupsDir() string {
	return filepath.Join(m.configDir, config.BackupsDirName)
}

func (m *Manager) pointerPath() string {
	return filepath.Join(m.optimizedDir(), config.ActivePointerFile)
}

// Promote writes cfg and meta as a new version, backs up the currently
// active config file, and atomically flips the ACTIVE pointer to the new
// version. The previous version files are left in place for rollback.
func (m *Manager) Promote(cfg *config.Config, meta Metadata) (Version, error) {
	if err := os.MkdirAll(m.optimizedDir(), 0o755); err != nil {
		return Version{}, fmt.Errorf("create optimized dir: %w", err)
	}

	now := m.now().UTC()
	id := now.Format(idFormat)
	v := Version{
		ID:         id,
		ConfigPath: filepath.Join(m.optimizedDir(), configPrefix+id+configSuffix),
		MetaPath:   filepath.Join(m.optimizedDir(), metaPrefix+id+metaSuffix),
		PromotedAt: now,
	}
	meta.ID = id
	meta.PromotedAt = v.PromotedAt

	if err := m.backupActive(id); err != nil {
		m.log.Warn().Err(err).Msg("active config backup failed, promoting anyway")
	}

	cfgData, err := yaml.Marshal(cfg)
	if err != nil {
		return Version{}, fmt.Errorf("encode config: %w", err)
	}
	if err := writeAtomic(v.ConfigPath, cfgData); err != nil {
		return Version{}, err
	}
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return Version{}, fmt.Errorf("encode metadata: %w", err)
	}
	if err := writeAtomic(v.MetaPath, metaData); err != nil {
		return Version{}, err
	}

	if err := m.setPointer(filepath.Base(v.ConfigPath)); err != nil {
		return Version{}, err
	}
	v.Active = true
	m.log.Info().
		Str("id", id).
		Str("config", v.ConfigPath).
		Str("reason", meta.Reason).
		Msg("configuration promoted")
	return v, nil
}

// Rollback points ACTIVE at the version with the given id, or at the version
// promoted immediately before the current one when id is empty. Rolling back
// past the oldest version removes the pointer so the base config applies.
func (m *Manager) Rollback(id string) (Version, error) {
	versions, err := m.List()
	if err != nil {
		return Version{}, err
	}

	if id != "" {
		for _, v := range versions {
			if v.ID == id {
				if err := m.setPointer(filepath.Base(v.ConfigPath)); err != nil {
					return Version{}, err
				}
				v.Active = true
				m.log.Info().Str("id", v.ID).Msg("rolled back to version")
				return v, nil
			}
		}
		return Version{}, fmt.Errorf("version %q not found", id)
	}

	current := -1
	for i, v := range versions {
		if v.Active {
			current = i
			break
		}
	}
	if current < 0 {
		return Version{}, fmt.Errorf("no active version to roll back from")
	}
	if current == 0 {
		if err := os.Remove(m.pointerPath()); err != nil && !os.IsNotExist(err) {
			return Version{}, fmt.Errorf("remove active pointer: %w", err)
		}
		m.log.Info().Str("base", m.basePath).Msg("rolled back to base configuration")
		return Version{ConfigPath: m.basePath, Active: true}, nil
	}
	prev := versions[current-1]
	if err := m.setPointer(filepath.Base(prev.ConfigPath)); err != nil {
		return Version{}, err
	}
	prev.Active = true
	m.log.Info().Str("id", prev.ID).Msg("rolled back to previous version")
	return prev, nil
}

// List returns every promoted version in promotion order, oldest first,
// with the one the ACTIVE pointer names marked.
func (m *Manager) List() ([]Version, error) {
	entries, err := os.ReadDir(m.optimizedDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read optimized dir: %w", err)
	}

	active := m.activeName()
	var versions []Version
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, configPrefix) || !strings.HasSuffix(name, configSuffix) {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, configPrefix), configSuffix)
		v := Version{
			ID:         id,
			ConfigPath: filepath.Join(m.optimizedDir(), name),
			MetaPath:   filepath.Join(m.optimizedDir(), metaPrefix+id+metaSuffix),
			Active:     name == active,
		}
		if meta, err := m.ReadMetadata(id); err == nil {
			v.PromotedAt = meta.PromotedAt
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].ID < versions[j].ID })
	return versions, nil
}

// ReadMetadata loads the metadata written alongside a version.
func (m *Manager) ReadMetadata(id string) (Metadata, error) {
	data, err := os.ReadFile(filepath.Join(m.optimizedDir(), metaPrefix+id+metaSuffix))
	if err != nil {
		return Metadata{}, fmt.Errorf("read metadata %s: %w", id, err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("parse metadata %s: %w", id, err)
	}
	return meta, nil
}

// backupActive copies whichever config file is currently live into the
// backups directory, tagged with the id of the promotion replacing it.
func (m *Manager) backupActive(id string) error {
	src := config.ActiveConfigPath(m.configDir, m.basePath)
	if src == "" {
		return nil
	}
	in, err := os.Open(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(m.backupsDir(), 0o755); err != nil {
		return err
	}
	dst := filepath.Join(m.backupsDir(), id+"_"+filepath.Base(src))
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// activeName returns the file name the ACTIVE pointer holds, "" when unset.
func (m *Manager) activeName() string {
	data, err := os.ReadFile(m.pointerPath())
	if err != nil {
		return ""
	}
	return filepath.Base(strings.TrimSpace(string(data)))
}

// setPointer atomically replaces the ACTIVE pointer. A crash between the
// temp write and the rename leaves the old pointer intact.
func (m *Manager) setPointer(name string) error {
	if err := writeAtomic(m.pointerPath(), []byte(name+"\n")); err != nil {
		return fmt.Errorf("update active pointer: %w", err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
