// Package resolver maps a server name to its connection target and credential.
package resolver

import (
	"github.com/pbeaucage/AFL-andon/internal/config"
	"github.com/pbeaucage/AFL-andon/internal/connector"
	"github.com/pbeaucage/AFL-andon/internal/credential"
)

// Servers looks up server records by name.
type Servers interface {
	Get(name string) (config.ServerSpec, bool)
}

// Credentials returns the current key snapshot.
type Credentials interface {
	Current() (*credential.Credential, error)
}

// Resolution is everything needed to act on one server.
type Resolution struct {
	Name   string
	Spec   config.ServerSpec
	Target connector.Target

	// Credential is nil for connections that do not authenticate (local, docker).
	Credential *credential.Credential
}

// Resolver performs lookups without any network I/O.
type Resolver struct {
	servers     Servers
	creds       Credentials
	defaultUser string
}

// New creates a resolver. defaultUser is used for records without a username.
func New(servers Servers, creds Credentials, defaultUser string) *Resolver {
	return &Resolver{
		servers:     servers,
		creds:       creds,
		defaultUser: defaultUser,
	}
}

// Resolve returns the target and a credential snapshot for name.
// The snapshot is captured here; later reloads do not affect it.
func (r *Resolver) Resolve(name string) (*Resolution, error) {
	spec, ok := r.servers.Get(name)
	if !ok {
		return nil, config.NewError(config.UnknownServer, name, "")
	}

	user := spec.Username
	if user == "" {
		user = r.defaultUser
	}

	res := &Resolution{
		Name: name,
		Spec: spec,
		Target: connector.Target{
			Host:       spec.Host,
			Port:       spec.GetPort(),
			User:       user,
			Connection: spec.GetConnection(),
		},
	}

	if res.Target.Connection != config.ConnectionSSH {
		return res, nil
	}

	cred, err := r.creds.Current()
	if err != nil {
		return nil, config.NewError(config.MissingCredential, name, "no private key loaded")
	}
	res.Credential = cred
	return res, nil
}
