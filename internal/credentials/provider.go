// Package credentials turns a declarative auth description into an immutable
// Provider the watcher can hand to any remote operation.
package credentials

import (
	"fmt"
	gohttp "net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"
)

type Scheme int

const (
	SchemeAnonymous Scheme = iota
	SchemePlaintext
	SchemeKeypair
	SchemeToken
)

func (s Scheme) String() string {
	switch s {
	case SchemeAnonymous:
		return "anonymous"
	case SchemePlaintext:
		return "plaintext"
	case SchemeKeypair:
		return "keypair"
	case SchemeToken:
		return "token"
	}
	return fmt.Sprintf("scheme(%d)", int(s))
}

type Plaintext struct {
	Username string
	Password string
	Headers  []string
}

type Keypair struct {
	User            string
	Signer          ssh.Signer
	HostKeyCallback ssh.HostKeyCallback
}

type Token struct {
	Token    string
	Identity string
	Expiry   time.Time // Zero when the host did not report one.
}

// Provider is a resolved credential. Exactly one variant is set, selected by
// Scheme. The zero value is the anonymous provider.
type Provider struct {
	scheme    Scheme
	plaintext Plaintext
	keypair   Keypair
	token     Token
}

// Anonymous returns a provider that sends no credentials, for public or local
// remotes.
func Anonymous() Provider {
	return Provider{scheme: SchemeAnonymous}
}

func NewPlaintext(p Plaintext) Provider {
	p.Headers = slices.Clone(p.Headers)
	return Provider{scheme: SchemePlaintext, plaintext: p}
}

func NewKeypair(k Keypair) Provider {
	return Provider{scheme: SchemeKeypair, keypair: k}
}

func NewToken(t Token) Provider {
	return Provider{scheme: SchemeToken, token: t}
}

func (p Provider) Scheme() Scheme {
	return p.scheme
}

func (p Provider) Plaintext() (Plaintext, bool) {
	v := p.plaintext
	v.Headers = slices.Clone(v.Headers)
	return v, p.scheme == SchemePlaintext
}

func (p Provider) Keypair() (Keypair, bool) {
	return p.keypair, p.scheme == SchemeKeypair
}

func (p Provider) Token() (Token, bool) {
	return p.token, p.scheme == SchemeToken
}

// AuthMethod returns the go-git authentication for the provider. It is nil for
// the anonymous provider.
func (p Provider) AuthMethod() transport.AuthMethod {
	switch p.scheme {
	case SchemePlaintext:
		return &basicAuth{
			Username: p.plaintext.Username,
			Password: p.plaintext.Password,
			Headers:  slices.Clone(p.plaintext.Headers),
		}

	case SchemeKeypair:
		return &gitssh.PublicKeys{
			User:   p.keypair.User,
			Signer: p.keypair.Signer,
			HostKeyCallbackHelper: gitssh.HostKeyCallbackHelper{
				HostKeyCallback: p.keypair.HostKeyCallback,
			},
		}

	case SchemeToken:
		if p.token.Identity != "" {
			return &http.BasicAuth{Username: p.token.Identity, Password: p.token.Token}
		}
		return &tokenAuth{token: p.token.Token}

	default:
		return nil
	}
}

func (p Provider) String() string {
	switch p.scheme {
	case SchemePlaintext:
		return fmt.Sprintf("plaintext - %s:%s", p.plaintext.Username, mask(p.plaintext.Password))
	case SchemeKeypair:
		return fmt.Sprintf("keypair - %s %s", p.keypair.User, ssh.FingerprintSHA256(p.keypair.Signer.PublicKey()))
	case SchemeToken:
		return fmt.Sprintf("token - %s:%s", p.token.Identity, mask(p.token.Token))
	default:
		return "anonymous"
	}
}

func mask(secret string) string {
	if secret == "" {
		return "<empty>"
	}
	return "*******"
}

// basicAuth provides HTTP basic authentication but in addition can set
// extra headers required for authentication.
type basicAuth struct {
	Username string
	Password string
	Headers  []string
}

func (a *basicAuth) String() string {
	return fmt.Sprintf("%s - %s:%s [%s]", a.Name(), a.Username, mask(a.Password), strings.Join(a.Headers, ", "))
}

func (*basicAuth) Name() string {
	return "http-basic-auth-extra"
}

func (a *basicAuth) SetAuth(r *gohttp.Request) {
	r.SetBasicAuth(a.Username, a.Password)
	for _, header := range a.Headers {
		name, value, found := strings.Cut(header, ":")
		if found {
			r.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}
}

// tokenAuth provides HTTP bearer token authentication.
type tokenAuth struct {
	token string
}

func (a *tokenAuth) String() string {
	return a.Name() + " - " + mask(a.token)
}

func (*tokenAuth) Name() string {
	return "http-bearer-token"
}

func (a *tokenAuth) SetAuth(r *gohttp.Request) {
	r.Header.Set("Authorization", "Bearer "+a.token)
}
