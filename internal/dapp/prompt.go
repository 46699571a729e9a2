package dapp

import (
	"fmt"
	"strings"

	"webforge/internal/pipeline"
)

// frontendPrompt turns the user's request into the frontend build prompt. The
// contract details themselves reach the planner through the build's contract
// context.
func frontendPrompt(userPrompt string, c *pipeline.ContractContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create a modern, responsive Web3 frontend for the deployed smart contract %s.\n\n", c.ContractName)
	b.WriteString("USER REQUEST:\n")
	b.WriteString(userPrompt)
	b.WriteString("\n\nREQUIREMENTS:\n")
	b.WriteString("1. React + Vite + TypeScript single page application.\n")
	b.WriteString("2. Wallet connection through the injected provider (window.ethereum) using ethers v6 BrowserProvider, with connect and disconnect states.\n")
	fmt.Fprintf(&b, "3. Detect the connected chain and offer to switch to chain id %d (%s) when it differs.\n", c.ChainID, c.Network)
	fmt.Fprintf(&b, "4. Put the contract address (%s) and ABI in src/contract.ts and use them for every contract call.\n", c.Address)
	b.WriteString("5. A section for every view function that reads and displays its value, and a form for every state-changing function.\n")
	b.WriteString("6. Show transaction status (pending, confirmed, failed) and surface revert reasons.\n")
	if c.ExplorerURL != "" {
		fmt.Fprintf(&b, "7. Link the contract and every transaction to the block explorer (contract page: %s).\n", c.ExplorerURL)
	}
	b.WriteString("\nDo not deploy contracts and do not hard-code private keys.")
	return b.String()
}
