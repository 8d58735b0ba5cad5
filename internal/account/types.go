// Package account holds the static per-account and per-broker configuration
// plus the runtime registry of tradable identities.
package account

import "time"

// Account is one tradable identity bound to exactly one broker credential set.
// Credential handles must never be shared between accounts; that is the basis
// of fund isolation and is enforced at config load.
type Account struct {
	ID            string   `yaml:"id"`
	Broker        string   `yaml:"broker"`  // primary broker family
	Brokers       []string `yaml:"brokers"` // candidate priority order; defaults to [Broker]
	CredentialKey string   `yaml:"credential_key"`
	CredentialSec string   `yaml:"credential_secret"`
	Enabled       bool     `yaml:"enabled"`
	Live          bool     `yaml:"live"` // false => orders are simulated, never sent

	MinBalance         float64  `yaml:"min_balance"`
	MinOrderUSD        float64  `yaml:"min_order_usd"`
	MaxOrderUSD        float64  `yaml:"max_order_usd"`
	MaxOrdersPerMinute int      `yaml:"max_orders_per_minute"`
	ApprovalQuota      int      `yaml:"approval_quota"` // first N orders need manual sign-off
	Symbols            []string `yaml:"symbols"`
}

// Candidates returns the broker priority list for this account.
func (a Account) Candidates() []string {
	if len(a.Brokers) > 0 {
		return a.Brokers
	}
	return []string{a.Broker}
}

// Broker holds per-broker-family tuning. One entry is shared by every
// account trading through that family, mirroring the exchange's own
// key/IP-level quotas.
type Broker struct {
	Name string `yaml:"name"`
	// Credential-authenticated REST endpoint; empty means paper trading.
	BaseURL       string `yaml:"base_url"`
	RequiresNonce bool   `yaml:"requires_nonce"`

	// Rate ceilings per endpoint class (requests per second, burst).
	OrdersPerSec  float64 `yaml:"orders_per_sec"`
	OrdersBurst   int     `yaml:"orders_burst"`
	AccountPerSec float64 `yaml:"account_per_sec"`
	AccountBurst  int     `yaml:"account_burst"`
	MarketPerSec  float64 `yaml:"market_per_sec"`
	MarketBurst   int     `yaml:"market_burst"`

	// Adaptive batch sizing driven by health score.
	MinBatch int `yaml:"min_batch"`
	MidBatch int `yaml:"mid_batch"`
	MaxBatch int `yaml:"max_batch"`

	// Mandatory pause after any bulk (market-class) call.
	BulkCooldown time.Duration `yaml:"bulk_cooldown"`

	// Circuit breaker tuning.
	FailureThreshold int           `yaml:"failure_threshold"`
	BaseCooldown     time.Duration `yaml:"base_cooldown"`
	HardCooldown     time.Duration `yaml:"hard_cooldown"`

	// Hard bound on balance fetches inside trading loops.
	BalanceTimeout time.Duration `yaml:"balance_timeout"`
}
