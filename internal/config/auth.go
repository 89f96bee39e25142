package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"slices"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-yaml"
	"github.com/swaggest/jsonschema-go"

	"github.com/babygitr/babygitr/internal/errs"
)

// Scheme names accepted in the "type" field of an auth description.
const (
	SchemePlaintext = "plaintext"
	SchemeKeypair   = "keypair"
	SchemeToken     = "token"
)

// Token exchange types.
const (
	ExchangeGitHubApp             = "github_app"
	ExchangeOIDCClientCredentials = "oidc_client_credentials"
)

var wellknownFingerprints = []string{
	"SHA256:uNiVztksCsDhcc0u9e8BujQXVUpKZIDTMczCvj3tD2s", // github.com https://docs.github.com/en/github/authenticating-to-github/githubs-ssh-key-fingerprints
	"SHA256:p2QAMXNIC1TJYWeIOttrVc98/R1BUFWu3/LiyKgUfQM", // github.com
	"SHA256:+DiY3wvvV6TuJJhbpZisF/zLDA0zPMSvHdkr4UvCOqU", // github.com
	"SHA256:zzXQOXSRBEiUtuE8AikJYKwbHaxvSc0ojez9YXaGp1A", // bitbucket.org https://support.atlassian.com/bitbucket-cloud/docs/configure-ssh-and-two-step-verification/
	"SHA256:ohD8VZEXGWo6Ez8GSEJQ9WpafgLFsOfLOtGGQCQo6Og", // dev.azure.com https://github.com/MicrosoftDocs/azure-devops-docs/issues/7726
}

// Auth describes how to authenticate against the remote. The description is
// kept as a loose map so that it can be stored and compared as written, and is
// only turned into one of the typed variants by Typed.
//
// For example, a keypair description (in YAML):
//
//	auth_configuration:
//	  type: keypair
//	  username: git
//	  private_key: ~/.ssh/deploy_key
//	  passphrase: ${DEPLOY_KEY_PASSPHRASE}
//
// String values may refer to environment variables using the ${VAR_NAME}
// syntax.
//
// The following schemes are supported:
//
//   - "plaintext": "username" and "password" are required. "headers" (string
//     array) adds extra HTTP headers.
//   - "keypair": "private_key" (PEM or path) is optional and defaults to the
//     standard key locations. "username", "public_key", "passphrase",
//     "fingerprints", "known_hosts" and "insecure_ignore_host_key" are optional.
//   - "token": either "token" or an "exchange" block is required. "identity"
//     is sent as the basic auth username when set.
//
// When "type" is omitted the scheme is inferred from the keys present.
type Auth struct {
	Value map[string]any `json:"-"`
}

func (*Auth) PrepareJSONSchema(schema *jsonschema.Schema) error {
	schema.Type = nil
	schema.AddType(jsonschema.Object)
	return nil
}

func (a *Auth) MarshalYAML() (any, error) {
	if len(a.Value) == 0 {
		return map[string]any{}, nil
	}
	return a.Value, nil
}

func (a *Auth) MarshalJSON() ([]byte, error) {
	v, err := a.MarshalYAML()
	if err != nil {
		return nil, err
	}

	return json.Marshal(v)
}

func (a *Auth) UnmarshalYAML(bs []byte) error {
	if err := yaml.Unmarshal(bs, &a.Value); err != nil {
		return fmt.Errorf("expected mapping node: %w", err)
	}
	return nil
}

func (a *Auth) UnmarshalJSON(bs []byte) error {
	return json.Unmarshal(bs, &a.Value)
}

// Scheme returns the declared or inferred scheme name, or "" if neither is
// possible.
func (a *Auth) Scheme() string {
	if a == nil {
		return ""
	}

	if t, ok := a.Value["type"].(string); ok {
		return t
	}

	has := func(keys ...string) bool {
		return slices.ContainsFunc(keys, func(k string) bool {
			_, ok := a.Value[k]
			return ok
		})
	}

	switch {
	case has("token", "exchange"):
		return SchemeToken
	case has("private_key", "public_key", "passphrase", "fingerprints", "known_hosts"):
		return SchemeKeypair
	case has("password"):
		return SchemePlaintext
	}
	return ""
}

// get retrieves the values from any external source as necessary.
func (a *Auth) get() map[string]any {
	return expand(a.Value)
}

func expand(m map[string]any) map[string]any {
	value := make(map[string]any, len(m))

	for k, v := range m {
		switch v := v.(type) {
		case string:
			value[k] = os.ExpandEnv(v)
		case map[string]any:
			value[k] = expand(v)
		case []any:
			items := make([]any, len(v))
			for i, item := range v {
				if s, ok := item.(string); ok {
					items[i] = os.ExpandEnv(s)
				} else {
					items[i] = item
				}
			}
			value[k] = items
		default: // Keep non-string values as is
			value[k] = v
		}
	}

	return value
}

// Typed validates the description and returns one of AuthPlaintext,
// AuthKeypair or AuthToken. All failures are configuration errors.
func (a *Auth) Typed(context.Context) (any, error) {
	if a == nil || len(a.Value) == 0 {
		return nil, errs.Configuration("resolve", "auth configuration is empty")
	}

	m := a.get()

	switch scheme := a.Scheme(); scheme {
	case SchemePlaintext:
		var value AuthPlaintext
		if err := decode(m, &value); err != nil {
			return nil, errs.Configuration("resolve", "invalid plaintext auth: %v", err)
		} else if value.Username == "" || value.Password == "" {
			return nil, errs.Configuration("resolve", "missing username or password in plaintext auth")
		}

		return value, nil

	case SchemeKeypair:
		var value AuthKeypair
		if err := decode(m, &value); err != nil {
			return nil, errs.Configuration("resolve", "invalid keypair auth: %v", err)
		}

		if value.InsecureIgnoreHostKey && (len(value.Fingerprints) > 0 || value.KnownHosts != "") {
			return nil, errs.Configuration("resolve", "insecure_ignore_host_key cannot be combined with fingerprints or known_hosts")
		}

		// If no host key policy is provided, use well-known fingerprints for popular services.
		if !value.InsecureIgnoreHostKey && value.KnownHosts == "" && len(value.Fingerprints) == 0 {
			value.Fingerprints = wellknownFingerprints
		}

		return value, nil

	case SchemeToken:
		var value AuthToken
		if err := decode(m, &value); err != nil {
			return nil, errs.Configuration("resolve", "invalid token auth: %v", err)
		}

		switch {
		case value.Token == "" && value.Exchange == nil:
			return nil, errs.Configuration("resolve", "missing token or exchange in token auth")
		case value.Token != "" && value.Exchange != nil:
			return nil, errs.Configuration("resolve", "token and exchange are mutually exclusive in token auth")
		case value.Exchange != nil:
			if err := value.Exchange.validate(); err != nil {
				return nil, err
			}
		}

		return value, nil

	case "":
		return nil, errs.Configuration("resolve", "cannot infer auth scheme from keys")

	default:
		return nil, errs.Configuration("resolve", "unknown auth scheme %q", scheme)
	}
}

type AuthPlaintext struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Headers  []string `json:"headers,omitempty"` // Optional additional headers for HTTP requests.
}

type AuthKeypair struct {
	Username              string   `json:"username,omitempty"`
	PrivateKey            string   `json:"private_key,omitempty"` // PEM or path. Standard key locations when empty.
	PublicKey             string   `json:"public_key,omitempty"`  // Authorized key line or path, checked against the private key.
	Passphrase            string   `json:"passphrase,omitempty"`
	Fingerprints          []string `json:"fingerprints,omitempty"`
	KnownHosts            string   `json:"known_hosts,omitempty"`
	InsecureIgnoreHostKey bool     `json:"insecure_ignore_host_key,omitempty"`
}

type AuthToken struct {
	Token    string         `json:"token,omitempty"`
	Identity string         `json:"identity,omitempty"`
	Exchange *TokenExchange `json:"exchange,omitempty"`
}

// TokenExchange describes a one-time exchange of long-lived material for a
// short-lived token with the host's identity service.
type TokenExchange struct {
	Type string `json:"type"`

	// github_app
	IntegrationID  int64  `json:"integration_id,omitempty"`
	InstallationID int64  `json:"installation_id,omitempty"`
	PrivateKey     string `json:"private_key,omitempty"` // PEM or path.
	BaseURL        string `json:"base_url,omitempty"`

	// oidc_client_credentials
	TokenURL     string   `json:"token_url,omitempty"`
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`

	Timeout Duration `json:"timeout,omitempty"`
}

func (e *TokenExchange) validate() error {
	switch e.Type {
	case ExchangeGitHubApp:
		if e.IntegrationID == 0 || e.InstallationID == 0 || e.PrivateKey == "" {
			return errs.Configuration("resolve", "missing integration_id, installation_id or private_key in github_app exchange")
		}
	case ExchangeOIDCClientCredentials:
		if e.TokenURL == "" || e.ClientID == "" || e.ClientSecret == "" {
			return errs.Configuration("resolve", "missing token_url, client_id or client_secret in oidc_client_credentials exchange")
		}
	default:
		return errs.Configuration("resolve", "unknown token exchange type %q", e.Type)
	}
	return nil
}

// we use this one so we don't need duplicate tags on every struct
func decode(input any, output any) error {
	config := &mapstructure.DecoderConfig{
		TagName:    "json",
		Metadata:   nil,
		Result:     output,
		DecodeHook: mapstructure.DecodeHookFuncType(durationHook),
	}

	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return err
	}

	return decoder.Decode(input)
}

func durationHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeFor[Duration]() || from.Kind() != reflect.String {
		return data, nil
	}

	d, err := time.ParseDuration(data.(string))
	if err != nil {
		return nil, err
	}
	return Duration(d), nil
}
