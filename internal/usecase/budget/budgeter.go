package budget

// Config holds the budget tables and ceilings. Zero values select defaults.
type Config struct {
	Table              *Table
	Estimator          Estimator
	CharsPerToken      int // default 4
	PerResultMaxChars  int // default 5000
	ResponseMaxChars   int // default 20000
	ResponseMaxTokens  int // default 6000
	SafetyNetItems     int // default 3
	SafetyNetItemChars int // default 500
}

// Budgeter applies the truncation layers. It holds only immutable
// configuration and is safe for concurrent use.
type Budgeter struct {
	cfg Config
}

// New returns a Budgeter with defaults filled in.
func New(cfg Config) *Budgeter {
	if cfg.CharsPerToken <= 0 {
		cfg.CharsPerToken = 4
	}
	if cfg.Table == nil {
		cfg.Table = NewTable(nil, 4000)
	}
	if cfg.Estimator == nil {
		cfg.Estimator = CharEstimator{CharsPerToken: cfg.CharsPerToken}
	}
	if cfg.PerResultMaxChars <= 0 {
		cfg.PerResultMaxChars = 5000
	}
	if cfg.ResponseMaxChars <= 0 {
		cfg.ResponseMaxChars = 20000
	}
	if cfg.ResponseMaxTokens <= 0 {
		cfg.ResponseMaxTokens = 6000
	}
	if cfg.SafetyNetItems <= 0 {
		cfg.SafetyNetItems = 3
	}
	if cfg.SafetyNetItemChars <= 0 {
		cfg.SafetyNetItemChars = 500
	}
	return &Budgeter{cfg: cfg}
}

// Budget returns the budget for model.
func (b *Budgeter) Budget(model string) Budget {
	return b.cfg.Table.Lookup(model)
}

// CharCeiling is the character equivalent of the model's token budget.
func (b *Budgeter) CharCeiling(model string) int {
	return b.Budget(model).MaxInfoTokens * b.cfg.CharsPerToken
}

// Estimator returns the estimator behind EstimateTokens.
func (b *Budgeter) Estimator() Estimator { return b.cfg.Estimator }

// EstimateTokens returns the advisory token estimate for text.
func (b *Budgeter) EstimateTokens(text string) int {
	return b.cfg.Estimator.Count(text)
}
