package credentials

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/babygitr/babygitr/internal/config"
	"github.com/babygitr/babygitr/internal/errs"
	"github.com/babygitr/babygitr/internal/logging"
	"github.com/babygitr/babygitr/internal/metrics"
)

const (
	defaultSSHUser         = "git"
	defaultGitHubAppUser   = "x-access-token"
	defaultExchangeTimeout = 30 * time.Second
)

// Key files probed, in order, when a keypair description names no private key.
var defaultKeyFiles = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// Resolver resolves auth descriptions into providers. It holds no mutable
// state and may be shared between goroutines once configured.
type Resolver struct {
	homeDir   string
	transport http.RoundTripper
	log       *logging.Logger
	debug     bool
}

func New() *Resolver {
	return &Resolver{
		transport: http.DefaultTransport,
		log:       logging.NewNoOpLogger(),
	}
}

// WithHomeDir overrides the directory whose .ssh folder holds the default keys
// and against which "~/" paths are expanded.
func (r *Resolver) WithHomeDir(dir string) *Resolver {
	r.homeDir = dir
	return r
}

// WithTransport sets the round tripper used for identity exchanges.
func (r *Resolver) WithTransport(rt http.RoundTripper) *Resolver {
	r.transport = rt
	return r
}

func (r *Resolver) WithLogger(log *logging.Logger) *Resolver {
	r.log = log
	return r
}

// WithDebug makes identity exchanges log their HTTP traffic at debug level.
func (r *Resolver) WithDebug(debug bool) *Resolver {
	r.debug = debug
	return r
}

// Resolve validates the description and builds a provider from it. A nil or
// empty description resolves to the anonymous provider. Resolution never
// touches repository state; token schemes may block on an identity exchange.
func (r *Resolver) Resolve(ctx context.Context, auth *config.Auth) (Provider, error) {
	if auth == nil || len(auth.Value) == 0 {
		return Anonymous(), nil
	}

	p, err := r.resolve(ctx, auth)
	metrics.CredentialResolved(auth.Scheme(), err)
	if err != nil {
		return Provider{}, err
	}

	r.log.Debugf("resolved credentials: %v", p)
	return p, nil
}

func (r *Resolver) resolve(ctx context.Context, auth *config.Auth) (Provider, error) {
	typed, err := auth.Typed(ctx)
	if err != nil {
		return Provider{}, err
	}

	switch value := typed.(type) {
	case config.AuthPlaintext:
		return NewPlaintext(Plaintext{
			Username: value.Username,
			Password: value.Password,
			Headers:  value.Headers,
		}), nil

	case config.AuthKeypair:
		return r.keypair(value)

	case config.AuthToken:
		return r.token(ctx, value)

	default:
		return Provider{}, errs.Configuration("resolve", "unsupported auth description %T", value)
	}
}

func (r *Resolver) keypair(value config.AuthKeypair) (Provider, error) {
	key, err := r.privateKey(value.PrivateKey)
	if err != nil {
		return Provider{}, err
	}

	signer, err := parseSigner(key, value.Passphrase)
	if err != nil {
		return Provider{}, err
	}

	if value.PublicKey != "" {
		material, err := r.material(value.PublicKey)
		if err != nil {
			return Provider{}, err
		}

		pub, _, _, _, err := ssh.ParseAuthorizedKey(material)
		if err != nil {
			return Provider{}, resolutionError(fmt.Errorf("invalid public key: %w", err))
		}

		if !bytes.Equal(pub.Marshal(), signer.PublicKey().Marshal()) {
			return Provider{}, resolutionError(errors.New("public key does not match private key"))
		}
	}

	callback, err := r.hostKeyCallback(value)
	if err != nil {
		return Provider{}, err
	}

	return NewKeypair(Keypair{
		User:            cmp.Or(value.Username, defaultSSHUser),
		Signer:          signer,
		HostKeyCallback: callback,
	}), nil
}

// privateKey returns the configured key material, or the first key found in
// the standard key directory.
func (r *Resolver) privateKey(key string) ([]byte, error) {
	if key != "" {
		return r.material(key)
	}

	home, err := r.home()
	if err != nil {
		return nil, resolutionError(fmt.Errorf("%w: %v", errs.ErrCredentialsNotFound, err))
	}

	for _, name := range defaultKeyFiles {
		path := filepath.Join(home, ".ssh", name)
		bs, err := os.ReadFile(path)
		if err == nil {
			r.log.Debugf("using default private key %s", path)
			return bs, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, resolutionError(err)
		}
	}

	return nil, resolutionError(fmt.Errorf("%w: no private key in %s", errs.ErrCredentialsNotFound, filepath.Join(home, ".ssh")))
}

func parseSigner(key []byte, passphrase string) (ssh.Signer, error) {
	var signer ssh.Signer
	var err error
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(key)
	}

	var missing *ssh.PassphraseMissingError
	switch {
	case errors.As(err, &missing):
		return nil, resolutionError(errors.New("private key is encrypted and no passphrase was given"))
	case err != nil:
		return nil, resolutionError(fmt.Errorf("invalid private key: %w", err))
	}

	return signer, nil
}

func (r *Resolver) hostKeyCallback(value config.AuthKeypair) (ssh.HostKeyCallback, error) {
	switch {
	case value.InsecureIgnoreHostKey:
		r.log.Warnf("host key verification is disabled")
		return ssh.InsecureIgnoreHostKey(), nil

	case value.KnownHosts != "":
		cb, err := knownhosts.New(r.expand(value.KnownHosts))
		if err != nil {
			return nil, resolutionError(fmt.Errorf("known hosts: %w", err))
		}
		return cb, nil

	case len(value.Fingerprints) > 0:
		return newCheckFingerprints(value.Fingerprints), nil
	}

	return nil, errs.Configuration("resolve", "ssh: at least one fingerprint is required when no known_hosts file is given")
}

func newCheckFingerprints(fingerprints []string) ssh.HostKeyCallback {
	m := make(map[string]bool, len(fingerprints))
	for _, fp := range fingerprints {
		m[fp] = true
	}

	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		fingerprint := ssh.FingerprintSHA256(key)
		if _, ok := m[fingerprint]; !ok {
			return fmt.Errorf("ssh: unknown fingerprint (%s) for %s", fingerprint, hostname)
		}
		return nil
	}
}

func (r *Resolver) token(ctx context.Context, value config.AuthToken) (Provider, error) {
	if value.Exchange == nil {
		return NewToken(Token{Token: value.Token, Identity: value.Identity}), nil
	}

	timeout := cmp.Or(time.Duration(value.Exchange.Timeout), defaultExchangeTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var token Token
	var err error

	switch value.Exchange.Type {
	case config.ExchangeGitHubApp:
		token, err = r.githubApp(ctx, value.Exchange)
		token.Identity = cmp.Or(value.Identity, defaultGitHubAppUser)
	case config.ExchangeOIDCClientCredentials:
		token, err = r.clientCredentials(ctx, value.Exchange)
		token.Identity = value.Identity
	default:
		return Provider{}, errs.Configuration("resolve", "unknown token exchange type %q", value.Exchange.Type)
	}

	if err != nil {
		return Provider{}, err
	}

	r.log.Debugf("exchanged %s credentials for a token expiring at %v", value.Exchange.Type, token.Expiry)
	return NewToken(token), nil
}

func (r *Resolver) githubApp(ctx context.Context, ex *config.TokenExchange) (Token, error) {
	key, err := r.material(ex.PrivateKey)
	if err != nil {
		return Token{}, err
	}

	tr, err := ghinstallation.New(r.roundTripper(), ex.IntegrationID, ex.InstallationID, key)
	if err != nil {
		return Token{}, resolutionError(fmt.Errorf("%w: %w", errs.ErrExchangeFailed, err))
	}

	if ex.BaseURL != "" {
		tr.BaseURL = strings.TrimSuffix(ex.BaseURL, "/")
	}

	token, err := tr.Token(ctx)
	if err != nil {
		return Token{}, resolutionError(fmt.Errorf("%w: %w", errs.ErrExchangeFailed, err))
	}

	expiry, _, err := tr.Expiry()
	if err != nil {
		expiry = time.Time{}
	}

	return Token{Token: token, Expiry: expiry}, nil
}

func (r *Resolver) clientCredentials(ctx context.Context, ex *config.TokenExchange) (Token, error) {
	cfg := clientcredentials.Config{
		ClientID:     ex.ClientID,
		ClientSecret: ex.ClientSecret,
		TokenURL:     ex.TokenURL,
		Scopes:       ex.Scopes,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: r.roundTripper()})

	tok, err := cfg.Token(ctx)
	if err != nil {
		return Token{}, resolutionError(fmt.Errorf("%w: %w", errs.ErrExchangeFailed, err))
	}

	return Token{Token: tok.AccessToken, Expiry: tok.Expiry}, nil
}

func (r *Resolver) roundTripper() http.RoundTripper {
	rt := r.transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	if r.debug {
		return NewLoggingTransport(rt, r.log)
	}
	return rt
}

// material returns s itself when it holds inline key material, and the
// contents of the file it names otherwise.
func (r *Resolver) material(s string) ([]byte, error) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "-----BEGIN") || strings.HasPrefix(trimmed, "ssh-") || strings.HasPrefix(trimmed, "ecdsa-") {
		return []byte(trimmed + "\n"), nil
	}

	bs, err := os.ReadFile(r.expand(trimmed))
	if errors.Is(err, os.ErrNotExist) {
		return nil, resolutionError(fmt.Errorf("%w: %v", errs.ErrCredentialsNotFound, err))
	} else if err != nil {
		return nil, resolutionError(err)
	}
	return bs, nil
}

func (r *Resolver) expand(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := r.home()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func (r *Resolver) home() (string, error) {
	if r.homeDir != "" {
		return r.homeDir, nil
	}
	return os.UserHomeDir()
}

func resolutionError(err error) error {
	return errs.New(errs.ErrCredentialResolution, "resolve", err)
}
