package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

const planSystemPrompt = `You are a senior frontend architect. You plan React + Vite + TypeScript applications.
Respond with a single JSON object and nothing else:
{"summary": "...", "files": [{"path": "src/App.tsx", "purpose": "..."}], "dependencies": ["package-name"]}
Paths are relative to the project root. Include package.json, index.html, vite.config.ts and src/main.tsx.`

const strictPlanInstruction = `
Your previous answer could not be used. Return ONLY the JSON object described above:
no markdown fences, no commentary, at least one file, relative paths without "..", and no duplicate paths.`

const generateSystemPrompt = "You are a senior frontend developer. Generate complete, production-ready code with no placeholders. " +
	"Respond with the full contents of the requested file only, without markdown fences or explanations."

// contractSection renders deployed-contract details for plan and generation
// prompts.
func contractSection(c *ContractContext) string {
	if c == nil || c.Address == "" {
		return ""
	}
	name := c.ContractName
	if name == "" {
		name = "Contract"
	}
	abi := "[]"
	if len(c.ABI) > 0 {
		var buf bytes.Buffer
		if err := json.Indent(&buf, c.ABI, "", "  "); err == nil {
			abi = buf.String()
		} else {
			abi = string(c.ABI)
		}
	}

	var b strings.Builder
	b.WriteString("\nCONTRACT DETAILS:\n")
	fmt.Fprintf(&b, "- Name: %s\n", name)
	fmt.Fprintf(&b, "- Address: %s\n", c.Address)
	fmt.Fprintf(&b, "- Network: %s (Chain ID: %d)\n", c.Network, c.ChainID)
	if c.ExplorerURL != "" {
		fmt.Fprintf(&b, "- Explorer: %s\n", c.ExplorerURL)
	}
	fmt.Fprintf(&b, "- ABI: %s\n", abi)
	b.WriteString(`
The application is a Web3 frontend for this contract. Provide a wallet connect button,
cards for read functions, forms with transaction feedback for write functions, loading
and error states, and a clear message when the wallet is on the wrong network.
Use ethers for contract access.
`)
	return b.String()
}

func planPrompt(req PlanRequest) string {
	var b strings.Builder
	b.WriteString("Plan the files for this application.\n\nREQUEST:\n")
	b.WriteString(strings.TrimSpace(req.Prompt))
	b.WriteString("\n")
	b.WriteString(contractSection(req.Context))
	if req.Strict {
		b.WriteString(strictPlanInstruction)
	}
	return b.String()
}

func generatePrompt(req GenerateRequest, intent FileIntent) string {
	var b strings.Builder
	b.WriteString("REQUEST:\n")
	b.WriteString(strings.TrimSpace(req.Prompt))
	b.WriteString("\n")
	b.WriteString(contractSection(req.Context))

	if req.Plan != nil {
		if req.Plan.Summary != "" {
			fmt.Fprintf(&b, "\nPLAN SUMMARY: %s\n", req.Plan.Summary)
		}
		b.WriteString("\nPROJECT FILES:\n")
		for _, f := range req.Plan.Files {
			fmt.Fprintf(&b, "- %s: %s\n", f.Path, f.Purpose)
		}
		if len(req.Plan.Dependencies) > 0 {
			fmt.Fprintf(&b, "\nAVAILABLE DEPENDENCIES: %s\n", strings.Join(req.Plan.Dependencies, ", "))
		}
	}

	if prev, ok := req.Files[intent.Path]; ok && prev != "" {
		fmt.Fprintf(&b, "\nCURRENT CONTENT OF %s:\n%s\n", intent.Path, prev)
	}
	if fb := req.Feedback.Text(); fb != "" {
		b.WriteString("\nTHE PREVIOUS BUILD FAILED. FIX THESE PROBLEMS:\n")
		b.WriteString(fb)
	}

	fmt.Fprintf(&b, "\nWrite the complete contents of %s (%s).\n", intent.Path, intent.Purpose)
	return b.String()
}

// cleanJSONResponse strips markdown fences and surrounding prose from a JSON
// answer, keeping the outermost object.
func cleanJSONResponse(content string) string {
	clean := stripCodeFence(content)
	start := strings.Index(clean, "{")
	end := strings.LastIndex(clean, "}")
	if start >= 0 && end > start {
		return clean[start : end+1]
	}
	return clean
}

// stripCodeFence removes a surrounding ``` fence (with optional language tag).
func stripCodeFence(content string) string {
	clean := strings.TrimSpace(content)
	if !strings.HasPrefix(clean, "```") {
		return clean
	}
	clean = strings.TrimPrefix(clean, "```")
	if i := strings.IndexByte(clean, '\n'); i >= 0 {
		clean = clean[i+1:]
	} else {
		clean = ""
	}
	clean = strings.TrimSuffix(strings.TrimRight(clean, " \t\r\n"), "```")
	return strings.TrimSpace(clean)
}
