// Package authstage implements the Auth Stage Builder (C5, spec.md §4.5):
// turning an API's list of config.AuthenticationConfig entries into
// wrapped http.Handler stages, each gated by its own group filter.
package authstage

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/coregate/gateway/internal/authn"
	"github.com/coregate/gateway/internal/config"
	"github.com/coregate/gateway/internal/group"
	"github.com/coregate/gateway/internal/gwerrors"
	"github.com/coregate/gateway/internal/loader"
	"github.com/coregate/gateway/internal/reqlog"
	"go.uber.org/zap"
)

// Stage gates next on one authentication strategy, applying it only when
// its group filter matches (or unconditionally, if the entry carries no
// group).
type Stage struct {
	key   string
	auth  authn.Authenticator
	gate  *group.Filter
	log   *zap.SugaredLogger
}

// Wrap installs the stage in front of next per spec.md §4.5 step 4/5: the
// group gate decides whether the authenticator runs at all; when it runs,
// success marks the request log and proceeds, failure marks it and
// short-circuits the response.
func (s *Stage) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.gate.Match(r) {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := s.auth.Authenticate(r)
		entry := reqlog.FromContext(r.Context())
		if err != nil {
			entry.Set("authentication", "fail")
			status := http.StatusUnauthorized
			var ae *gwerrors.AuthError
			if errors.As(err, &ae) {
				status = ae.Status()
			}
			http.Error(w, err.Error(), status)
			return
		}

		entry.Set("authentication", "success")
		if identity != nil {
			entry.Set("authenticationSubject", identity.Subject)
		}
		next.ServeHTTP(w, r)
	})
}

// Build resolves one API's authentication chain into an ordered list of
// stages, per spec.md §4.5:
//  1. use-reference resolution against shared; an entry with an unknown
//     reference makes Build return a ConfigError and no stages at all.
//  2. Strategy load via C2; load failures are logged and the stage omitted.
//  3. Each stage is registered under (apiKey, index) so repeat configures
//     never collide in the loader's internal bookkeeping (the registry
//     itself is keyed by (kind, name), not by call site, so this is really
//     about giving callers — metrics, logs — a stable per-stage label).
//  4/5. Wrapped with its group gate, resolved via C3.
//
// Entries are sorted default-last (group-less entry moved to the end)
// before any of the above; more than one default entry is a ConfigError
// for the whole authentication kind, and Build returns no stages at all
// in that case. pipeline.Build passes the error on, so the gateway drops
// the whole API rather than serving it with partial or no authentication
// (spec.md §8 invariant 7, mirrored from C4).
func Build(apiPath string, apiKey string, entries []config.AuthenticationConfig, shared map[string]config.AuthenticationConfig, groups map[string]group.Group, reg *loader.Registry, log *zap.SugaredLogger) ([]*Stage, error) {
	sorted, err := sortDefaultLast(apiPath, entries)
	if err != nil {
		return nil, err
	}

	stages := make([]*Stage, 0, len(sorted))
	for i, entry := range sorted {
		resolved, err := resolveUse(entry, shared)
		if err != nil {
			return nil, &gwerrors.ConfigError{Path: apiPath, Err: err}
		}

		handler, err := reg.Load(loader.KindAuthenticationStrategy, resolved.Strategy.Name, resolved.Strategy.Options)
		if err != nil {
			log.Warnw("authentication strategy load failed, omitting stage", "path", apiPath, "strategy", resolved.Strategy.Name, "err", err)
			continue
		}
		authenticator, ok := handler.(authn.Authenticator)
		if !ok {
			log.Warnw("authentication strategy does not implement Authenticator, omitting stage", "path", apiPath, "strategy", resolved.Strategy.Name)
			continue
		}

		gate, _, err := group.BuildAllowFilter(groups, resolved.Group)
		if err != nil {
			log.Warnw("authentication stage group resolution failed, omitting stage", "path", apiPath, "err", err)
			continue
		}

		stageKey := fmt.Sprintf("%s#auth#%d", apiKey, i)
		stages = append(stages, &Stage{key: stageKey, auth: authenticator, gate: gate, log: log})
	}
	return stages, nil
}

// resolveUse fills a `use`-referencing entry's missing strategy/group
// fields from the shared authentication dictionary. An entry with no
// `use` is returned unchanged. An unknown reference is fatal for this
// stage (spec.md §4.5 step 1), surfaced as an error so Build can abort
// the whole authentication kind for this API.
func resolveUse(entry config.AuthenticationConfig, shared map[string]config.AuthenticationConfig) (config.AuthenticationConfig, error) {
	if entry.Use == "" {
		return entry, nil
	}
	base, ok := shared[entry.Use]
	if !ok {
		return config.AuthenticationConfig{}, fmt.Errorf("unknown authentication reference %q", entry.Use)
	}

	resolved := base
	if entry.Strategy.Name != "" {
		resolved.Strategy = entry.Strategy
	}
	if len(entry.Group) > 0 {
		resolved.Group = entry.Group
	}
	return resolved, nil
}

// sortDefaultLast mirrors breaker.SortDefaultLast: the group-less entry,
// if any, moves to the end; more than one is a ConfigError.
func sortDefaultLast(apiPath string, entries []config.AuthenticationConfig) ([]config.AuthenticationConfig, error) {
	var withGroup, defaults []config.AuthenticationConfig
	for _, e := range entries {
		if len(e.Group) == 0 {
			defaults = append(defaults, e)
		} else {
			withGroup = append(withGroup, e)
		}
	}
	if len(defaults) > 1 {
		return nil, &gwerrors.ConfigError{Path: apiPath, Err: errTooManyDefaults("authentication")}
	}
	return append(withGroup, defaults...), nil
}

type errTooManyDefaults string

func (e errTooManyDefaults) Error() string {
	return string(e) + ": more than one group-less (default) entry configured"
}
