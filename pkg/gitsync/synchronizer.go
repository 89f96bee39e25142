package gitsync

import (
	"context"
	"errors"

	"github.com/babygitr/babygitr/internal/config"
	"github.com/babygitr/babygitr/internal/credentials"
	"github.com/babygitr/babygitr/internal/errs"
	"github.com/babygitr/babygitr/internal/gitsync"
	"github.com/babygitr/babygitr/internal/logging"
	pkgsync "github.com/babygitr/babygitr/pkg/sync"
)

// Synchronizer defines the interface for keeping a local working copy in
// step with its remote branch.
//
// The synchronizer is not thread-safe. Callers should handle concurrency.
type Synchronizer interface {
	pkgsync.Synchronizer

	// Sync runs one reconciliation cycle and reports what it did. Execute is
	// Sync without the outcome.
	Sync(ctx context.Context) (Outcome, error)

	// Snapshot commits working copy changes in the configured directory,
	// leaving out ignored paths. It reports false when there was nothing to
	// commit. The commit is pushed by the next cycle.
	Snapshot(ctx context.Context, message string) (bool, error)
}

// NewFromConfig opens or initializes the working copy described by cfg and
// returns a Synchronizer for it. This is the recommended constructor for
// external projects integrating with this package.
//
// The cfg map uses the same fields as the configuration file:
//   - "local_folder" (string, optional): working copy path, defaults to "."
//   - "remote_url" (string, optional): remote to reconcile with
//   - "remote_name" (string, optional): defaults to "origin"
//   - "branch_name" (string, optional): defaults to "babygitr_managed_branch"
//   - "identity" (object, optional): "name" and "email" of the committer
//   - "auth_configuration" (object, optional): auth description
//   - "sync_configuration" (object, optional): "dir", "ignore" and "message"
//     for snapshots
//   - "logging" (object, optional): "level" and "format". At "debug" level
//     identity exchange requests and responses are logged without bodies or
//     authorization headers.
//
// When credential is not empty, the auth description is fetched from provider
// under that name before every cycle and takes precedence over
// auth_configuration.
func NewFromConfig(ctx context.Context, cfg map[string]any, credential string, provider SecretProvider) (Synchronizer, error) {
	root, err := config.FromMap(cfg)
	if err != nil {
		return nil, err
	}

	if credential != "" && provider == nil {
		return nil, errs.Configuration("config", "credential %q requires a secret provider", credential)
	}

	log := logging.NewNoOpLogger()
	debug := false
	if root.Logging != nil {
		lc, err := root.Logging.Config()
		if err != nil {
			return nil, err
		}
		log = logging.NewLogger(lc)
		debug = lc.Level == logging.Debug
	}

	opts, err := gitsync.OptionsFromConfig(root)
	if err != nil {
		return nil, err
	}
	opts.Logger = log

	w, err := gitsync.OpenOrInit(ctx, opts)
	if err != nil {
		return nil, err
	}

	if root.RemoteURL != "" {
		if _, err := w.SetRemote(root.RemoteURL); err != nil {
			return nil, err
		}
	}

	return &synchronizer{
		watcher:    w,
		auth:       root.Auth,
		credential: credential,
		secrets:    provider,
		resolver:   credentials.New().WithLogger(log).WithDebug(debug),
		log:        log,
	}, nil
}

type synchronizer struct {
	watcher    *gitsync.Watcher
	auth       *config.Auth
	credential string
	secrets    SecretProvider
	resolver   *credentials.Resolver
	log        *logging.Logger
}

func (s *synchronizer) Execute(ctx context.Context) error {
	_, err := s.Sync(ctx)
	return err
}

func (s *synchronizer) Sync(ctx context.Context) (Outcome, error) {
	provider, err := s.credentials(ctx)
	if err != nil {
		return Outcome{}, err
	}

	out, err := s.watcher.Sync(ctx, provider)
	if errors.Is(err, errs.ErrAuthenticationRejected) {
		s.log.Warnf("remote rejected %v credentials, they will be resolved again on the next cycle", provider.Scheme())
	}
	return out, err
}

func (s *synchronizer) Snapshot(ctx context.Context, message string) (bool, error) {
	_, ok, err := s.watcher.Snapshot(ctx, message)
	return ok, err
}

// credentials resolves a fresh provider for one cycle.
func (s *synchronizer) credentials(ctx context.Context) (credentials.Provider, error) {
	auth := s.auth

	if s.credential != "" {
		value, err := s.secrets.GetSecret(ctx, s.credential)
		if err != nil {
			return credentials.Provider{}, errs.New(errs.ErrCredentialResolution, "resolve", err)
		}
		auth = &config.Auth{Value: value}
	}

	return s.resolver.Resolve(ctx, auth)
}

// Close releases any resources held by the synchronizer.
func (*synchronizer) Close(context.Context) {
	// No resources to close.
}
