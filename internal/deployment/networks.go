package deployment

import (
	"sort"
	"strings"
)

// Network is a chain the deployment service can deploy to.
type Network struct {
	Key      string `json:"key"`
	ChainID  int64  `json:"chain_id"`
	Name     string `json:"name"`
	RPC      string `json:"rpc"`
	Explorer string `json:"explorer"`
}

var networks = map[string]Network{
	"basecamp-testnet": {
		Key:      "basecamp-testnet",
		ChainID:  84532,
		Name:     "Base Camp Testnet",
		RPC:      "https://sepolia.base.org",
		Explorer: "https://sepolia.basescan.org",
	},
	"sepolia": {
		Key:      "sepolia",
		ChainID:  11155111,
		Name:     "Ethereum Sepolia",
		RPC:      "https://ethereum-sepolia-rpc.publicnode.com",
		Explorer: "https://sepolia.etherscan.io",
	},
	"polygon": {
		Key:      "polygon",
		ChainID:  137,
		Name:     "Polygon",
		RPC:      "https://polygon.llamarpc.com",
		Explorer: "https://polygonscan.com",
	},
	"avalanche-fuji": {
		Key:      "avalanche-fuji",
		ChainID:  43113,
		Name:     "Avalanche Fuji",
		RPC:      "https://api.avax-test.network/ext/bc/C/rpc",
		Explorer: "https://testnet.snowtrace.io",
	},
}

// LookupNetwork returns the configuration of a known network.
func LookupNetwork(key string) (Network, bool) {
	n, ok := networks[strings.ToLower(strings.TrimSpace(key))]
	return n, ok
}

// ChainID returns the chain id of key, or 0 for an unknown network.
func ChainID(key string) int64 {
	n, _ := LookupNetwork(key)
	return n.ChainID
}

// ExplorerURL links to address on the network's block explorer. Unknown
// networks have no explorer and yield "".
func ExplorerURL(key, address string) string {
	n, ok := LookupNetwork(key)
	if !ok || address == "" {
		return ""
	}
	return n.Explorer + "/address/" + address
}

// Networks lists every known network sorted by key.
func Networks() []Network {
	out := make([]Network, 0, len(networks))
	for _, n := range networks {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
