package broker

import (
	"fmt"
	"sync"

	"broker-core/internal/account"
)

const paperStartingBalance = 100_000

// Factory builds and caches one Client per (account, venue) pair.
// Clients hold credential material, so they are constructed once and
// reused for the life of the process.
type Factory struct {
	dryRun bool
	nonces NonceSource

	mu      sync.Mutex
	clients map[string]Client
}

// NewFactory creates a factory. When dryRun is true every account gets
// a paper client regardless of its live flag.
func NewFactory(dryRun bool, nonces NonceSource) *Factory {
	return &Factory{
		dryRun:  dryRun,
		nonces:  nonces,
		clients: make(map[string]Client),
	}
}

// Client returns the venue client for acct on brk, building it on
// first use.
func (f *Factory) Client(acct account.Account, brk account.Broker) (Client, error) {
	key := acct.ID + "/" + brk.Name
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[key]; ok {
		return c, nil
	}

	c, err := f.build(acct, brk)
	if err != nil {
		return nil, err
	}
	f.clients[key] = c
	return c, nil
}

func (f *Factory) build(acct account.Account, brk account.Broker) (Client, error) {
	if f.dryRun || !acct.Live {
		return NewPaper(brk.Name, paperStartingBalance), nil
	}
	if acct.CredentialKey == "" || acct.CredentialSec == "" {
		return nil, fmt.Errorf("account %s: live trading requires credentials", acct.ID)
	}
	return NewREST(RESTConfig{
		Venue:     brk.Name,
		BaseURL:   brk.BaseURL,
		APIKey:    acct.CredentialKey,
		APISecret: acct.CredentialSec,
		SelfNonce: !brk.RequiresNonce,
	}, f.nonces)
}

// Close wipes credentials on every cached REST client.
func (f *Factory) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.clients {
		if rc, ok := c.(*REST); ok {
			rc.Close()
		}
	}
	f.clients = make(map[string]Client)
}
