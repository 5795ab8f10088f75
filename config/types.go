package config

// Dispute captures the post-settlement challenge policy.
type Dispute struct {
	Enabled      bool   `toml:"Enabled"`
	WindowMs     int64  `toml:"WindowMs"`
	AllowPartial bool   `toml:"AllowPartial"`
	MaxRefundPct uint32 `toml:"MaxRefundPct"` // percent of the settled amount, 0-100
}

// Replay controls batch verification.
type Replay struct {
	Workers int `toml:"Workers"` // 0 means GOMAXPROCS
}

// Settlement selects the injected settlement provider.
type Settlement struct {
	Provider    string `toml:"Provider"` // "boundary" (default) or "memory"
	ArchivePath string `toml:"ArchivePath"`
}

// Storage locates mutable protocol state.
type Storage struct {
	DisputeDB string `toml:"DisputeDB"` // LevelDB directory; empty keeps disputes in memory
}
