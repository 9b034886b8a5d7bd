package balance

const (
	BaseMainnetChainID int64 = 8453
	BaseSepoliaChainID int64 = 84532
)

// Network binds a chain ID to the RPC endpoint and stablecoin contract used
// for balance reads on that chain.
type Network struct {
	ChainID       int64
	Name          string
	RPCURL        string
	TokenAddress  string
	TokenSymbol   string
	TokenDecimals int32
}

// DefaultNetworks returns USDC on Base and Base Sepolia.
func DefaultNetworks() []Network {
	return []Network{
		{
			ChainID:       BaseMainnetChainID,
			Name:          "Base",
			RPCURL:        "https://mainnet.base.org",
			TokenAddress:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			TokenSymbol:   "USDC",
			TokenDecimals: 6,
		},
		{
			ChainID:       BaseSepoliaChainID,
			Name:          "Base Sepolia",
			RPCURL:        "https://sepolia.base.org",
			TokenAddress:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			TokenSymbol:   "USDC",
			TokenDecimals: 6,
		},
	}
}
