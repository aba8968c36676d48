package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"cmdgate/internal/audit"
	"cmdgate/internal/config"
	"cmdgate/internal/domain"
	"cmdgate/internal/engine/auth"
	"cmdgate/internal/ledger"
	"cmdgate/internal/matcher"
	"cmdgate/internal/notify"
	"cmdgate/internal/repo"
)

// Engine is the decision pipeline. Every mutation runs in one transaction
// that carries the state change, the ledger movement and its audit entries.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Auth     auth.Service
	Ledger   ledger.Ledger
	Audit    audit.Recorder
	Rules    *matcher.Compiler
	Notifier notify.Port
	Config   *config.Config
	Log      zerolog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log zerolog.Logger) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	compiler, err := matcher.NewCompiler(cfg.Policy.CaseInsensitive, 0)
	if err != nil {
		return Engine{}, err
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Auth:   auth.Service{Repo: r},
		Audit:  audit.Recorder{},
		Rules:  compiler,
		Config: cfg,
		Log:    log,
		Now:    time.Now,
	}, nil
}

// Close releases in-memory caches.
func (e Engine) Close() {
	e.Rules.Close()
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func stamp(t time.Time) string {
	return t.UTC().Format(domain.TimeLayout)
}

func (e Engine) record(ctx context.Context, tx *sql.Tx, entry audit.Entry) error {
	rec := e.Audit
	rec.Now = e.now
	return rec.Record(ctx, tx, entry)
}

func (e Engine) publish(evt notify.Event) {
	if e.Notifier == nil {
		return
	}
	e.Notifier.Publish(evt)
}

func (e Engine) config() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

// ruleSet loads and compiles the active rules inside tx. Rules that no
// longer compile are left out and logged.
func (e Engine) ruleSet(ctx context.Context, tx *sql.Tx) (matcher.Set, error) {
	rules, err := e.Repo.ListRules(ctx, tx, true)
	if err != nil {
		return matcher.Set{}, fmt.Errorf("load rules: %w", err)
	}
	set, bad := e.Rules.Compile(rules)
	for _, b := range bad {
		e.Log.Warn().Str("rule_id", b.RuleID).Str("pattern", b.Pattern).Err(b.Err).Msg("rule disabled: pattern does not compile")
	}
	return set, nil
}
