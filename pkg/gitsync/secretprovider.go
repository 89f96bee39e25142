package gitsync

import pkgsync "github.com/babygitr/babygitr/pkg/sync"

// SecretProvider is re-exported from pkg/sync for convenience.
// See pkg/sync for interface documentation and supported auth descriptions.
type SecretProvider = pkgsync.SecretProvider
