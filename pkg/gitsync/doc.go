// Package gitsync keeps a local working copy in step with a single remote
// branch, for programs that embed the watcher instead of running it as a
// service.
//
// Each Execute call runs one reconciliation cycle. Credentials are resolved
// afresh for every cycle, either from the configuration's auth_configuration
// section or from a SecretProvider, so rotated secrets and short-lived
// installation tokens never go stale. Supported schemes:
//   - Plaintext username and password, with optional extra HTTP headers
//   - SSH keypairs with fingerprint or known_hosts host key validation
//   - Static tokens (PAT)
//   - GitHub App installation tokens
//   - OIDC client credentials
//
// When local and remote history have diverged the remote wins: local-only
// commits are discarded and the outcome reports Discarded with the previous
// head, so that callers can recover the lost commit from the object store.
//
// Example usage:
//
//	import "github.com/babygitr/babygitr/pkg/gitsync"
//
//	cfg := map[string]any{
//	    "local_folder": "/var/lib/notes",
//	    "remote_url":   "https://github.com/myorg/notes.git",
//	    "branch_name":  "main",
//	}
//	provider := myorg.NewVaultSecretProvider(vaultClient)
//	syncer, err := gitsync.NewFromConfig(ctx, cfg, "github-token", provider)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer syncer.Close(ctx)
//
//	outcome, err := syncer.Sync(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if outcome.Discarded {
//	    log.Printf("local commit %s was replaced by %s", outcome.PreviousHead, outcome.Head)
//	}
//
// Thread Safety: Synchronizer instances are NOT thread-safe. Each instance should
// be used by a single goroutine. Create separate instances for concurrent operations.
package gitsync
