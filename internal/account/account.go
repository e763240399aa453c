package account

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ghettovoice/gosip/sip/parser"
	"github.com/sirupsen/logrus"

	"github.com/dense-identity/callctl/internal/engine"
)

// Registration defaults for accounts created by the manager.
const (
	DefaultRegTimeoutSec = 3600
	credentialScheme     = "digest"
	credentialRealm      = "*"
)

var ErrInvalidIdentity = errors.New("invalid identity")

// Account is a signaling identity known to the engine.
type Account struct {
	Handle     engine.AccountHandle
	IDURI      string
	Username   string
	Domain     string
	Proxies    []string
	Credential *engine.Credential
	Policy     engine.RegistrationPolicy

	Default bool
	// ForCall is the call this ad-hoc account was created for.
	ForCall string
}

// Config returns the engine configuration describing a.
func (a *Account) Config() engine.AccountConfig {
	cfg := engine.AccountConfig{
		IDURI:        a.IDURI,
		Proxies:      append([]string(nil), a.Proxies...),
		Registration: a.Policy,
	}
	if a.Credential != nil {
		cfg.Credentials = []engine.Credential{*a.Credential}
	}
	return cfg
}

// Manager owns the default account and the ad-hoc accounts created for
// individual calls. It is not safe for concurrent use; the call manager
// only touches it from its worker.
type Manager struct {
	eng   engine.Engine
	proxy string

	def    *Account
	adhoc  map[string]*Account // call id -> account
	byHand map[engine.AccountHandle]*Account

	log *logrus.Entry
}

// NewManager creates an account manager over eng.
func NewManager(eng engine.Engine, log *logrus.Entry) *Manager {
	return &Manager{
		eng:    eng,
		adhoc:  make(map[string]*Account),
		byHand: make(map[engine.AccountHandle]*Account),
		log:    log,
	}
}

// SetProxy sets the process-wide proxy. It applies to accounts created or
// modified from now on.
func (m *Manager) SetProxy(addr string) {
	m.proxy = strings.TrimSpace(addr)
	m.log.Infof("proxy set to %q", m.proxy)
}

// Proxy returns the process-wide proxy.
func (m *Manager) Proxy() string {
	return m.proxy
}

// SetDefaultAccount creates the default account from identity (for example
// "sip:alice@example.com") or, when one exists, modifies it in place.
// Registration is not triggered by either path.
func (m *Manager) SetDefaultAccount(identity, password string) (*Account, error) {
	user, domain, err := ParseIdentity(identity)
	if err != nil {
		return nil, err
	}

	acc := &Account{
		IDURI:    strings.TrimSpace(identity),
		Username: user,
		Domain:   domain,
		Proxies:  m.proxies(""),
		Credential: &engine.Credential{
			Scheme:   credentialScheme,
			Realm:    credentialRealm,
			Username: user,
			Password: password,
		},
		Policy: engine.RegistrationPolicy{
			RegistrarURI: "sip:" + domain,
			TimeoutSec:   DefaultRegTimeoutSec,
		},
		Default: true,
	}

	if m.def == nil {
		h, err := m.eng.CreateAccount(acc.Config(), true)
		if err != nil {
			return nil, err
		}
		acc.Handle = h
		m.def = acc
		m.byHand[h] = acc
		m.log.WithField("account", acc.IDURI).Info("default account created")
		return acc, nil
	}

	acc.Handle = m.def.Handle
	if err := m.eng.ModifyAccount(acc.Handle, acc.Config()); err != nil {
		return nil, err
	}
	m.def = acc
	m.byHand[acc.Handle] = acc
	m.log.WithField("account", acc.IDURI).Info("default account modified")
	return acc, nil
}

// Default returns the default account, or nil when none is set.
func (m *Manager) Default() *Account {
	return m.def
}

// CreateAdHocAccount creates an identity for a single call flow. proxy, when
// given, is used in front of the process-wide proxy. The default account is
// never touched.
func (m *Manager) CreateAdHocAccount(callID, username, password, domain, proxy string) (*Account, error) {
	username = strings.TrimSpace(username)
	domain = strings.TrimSpace(domain)
	if username == "" || domain == "" {
		return nil, fmt.Errorf("%w: username and domain are required", ErrInvalidIdentity)
	}

	acc := &Account{
		IDURI:    fmt.Sprintf("sip:%s@%s", username, domain),
		Username: username,
		Domain:   domain,
		Proxies:  m.proxies(proxy),
		Policy: engine.RegistrationPolicy{
			TimeoutSec: DefaultRegTimeoutSec,
		},
		ForCall: callID,
	}
	// Credentials only matter when a proxy will challenge us.
	if len(acc.Proxies) > 0 {
		acc.Credential = &engine.Credential{
			Scheme:   credentialScheme,
			Realm:    credentialRealm,
			Username: username,
			Password: password,
		}
	}

	h, err := m.eng.CreateAccount(acc.Config(), false)
	if err != nil {
		return nil, err
	}
	acc.Handle = h
	if prev, ok := m.adhoc[callID]; ok && callID != "" {
		m.release(prev)
	}
	if callID != "" {
		m.adhoc[callID] = acc
	}
	m.byHand[h] = acc
	m.log.WithFields(logrus.Fields{"account": acc.IDURI, "call_id": callID}).Info("ad-hoc account created")
	return acc, nil
}

// ByHandle finds an account by its engine handle.
func (m *Manager) ByHandle(h engine.AccountHandle) (*Account, bool) {
	acc, ok := m.byHand[h]
	return acc, ok
}

// AdHocFor returns the ad-hoc account created for callID.
func (m *Manager) AdHocFor(callID string) (*Account, bool) {
	acc, ok := m.adhoc[callID]
	return acc, ok
}

// ReleaseFor deletes the ad-hoc account of a finished call. It is a no-op
// when the call used the default account.
func (m *Manager) ReleaseFor(callID string) {
	acc, ok := m.adhoc[callID]
	if !ok {
		return
	}
	delete(m.adhoc, callID)
	m.release(acc)
}

// AdHocCount returns the number of live ad-hoc accounts.
func (m *Manager) AdHocCount() int {
	return len(m.adhoc)
}

func (m *Manager) release(acc *Account) {
	delete(m.byHand, acc.Handle)
	if err := m.eng.DeleteAccount(acc.Handle); err != nil {
		m.log.WithField("account", acc.IDURI).Warnf("deleting ad-hoc account: %v", err)
	}
}

func (m *Manager) proxies(explicit string) []string {
	var out []string
	explicit = strings.TrimSpace(explicit)
	if explicit != "" {
		out = append(out, explicit)
	}
	if m.proxy != "" && m.proxy != explicit {
		out = append(out, m.proxy)
	}
	return out
}

// ParseIdentity splits a "scheme:user@domain" identity into its user and
// host parts.
func ParseIdentity(identity string) (user, domain string, err error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return "", "", fmt.Errorf("%w: empty identity", ErrInvalidIdentity)
	}
	uri, err := parser.ParseUri(identity)
	if err != nil {
		return "", "", fmt.Errorf("%w: %q: %v", ErrInvalidIdentity, identity, err)
	}
	if u := uri.User(); u != nil {
		user = u.String()
	}
	domain = uri.Host()
	if user == "" || domain == "" {
		return "", "", fmt.Errorf("%w: %q must look like sip:user@domain", ErrInvalidIdentity, identity)
	}
	return user, domain, nil
}
