package model

import (
	"github.com/rotisserie/eris"
)

// Logical agent names. Each maps to provider/model settings in a
// WorkflowConfig and, for LLM-backed agents, to a prompt template.
const (
	AgentOSDetection   = "OSDetectionAgent"
	AgentRank          = "RankAgent"
	AgentSigma         = "SigmaAgent"
	AgentCmdline       = "CmdlineExtract"
	AgentCmdlineQA     = "CmdlineQA"
	AgentProcTree      = "ProcTreeExtract"
	AgentProcTreeQA    = "ProcTreeQA"
	AgentHuntQueries   = "HuntQueriesExtract"
	AgentHuntQueriesQA = "HuntQueriesQA"
	AgentRegistry      = "RegistryExtract"
	AgentRegistryQA    = "RegistryQA"
)

// SubAgent identifies one extractor run during the extract stage.
type SubAgent string

const (
	SubAgentCmdline        SubAgent = "cmdline"
	SubAgentProcessLineage SubAgent = "process_lineage"
	SubAgentHuntQueries    SubAgent = "hunt_queries"
	SubAgentRegistry       SubAgent = "registry"
)

// SubAgentSpec is one row of the sub-agent routing table.
type SubAgentSpec struct {
	ID       SubAgent
	Agent    string
	Category string
	QAAgent  string
	// ItemsKey is the JSON key holding the extracted item list.
	ItemsKey string
}

// ExpectedKeys returns the top-level keys the structured parser should look
// for in this extractor's response.
func (s SubAgentSpec) ExpectedKeys() []string {
	return []string{s.ItemsKey, "count"}
}

var subAgentTable = []SubAgentSpec{
	{ID: SubAgentCmdline, Agent: AgentCmdline, Category: "cmdline", QAAgent: AgentCmdlineQA, ItemsKey: "cmdline_items"},
	{ID: SubAgentProcessLineage, Agent: AgentProcTree, Category: "process_lineage", QAAgent: AgentProcTreeQA, ItemsKey: "process_lineage"},
	{ID: SubAgentHuntQueries, Agent: AgentHuntQueries, Category: "hunt_queries", QAAgent: AgentHuntQueriesQA, ItemsKey: "queries"},
	{ID: SubAgentRegistry, Agent: AgentRegistry, Category: "registry", QAAgent: AgentRegistryQA, ItemsKey: "registry_artifacts"},
}

// SubAgents returns the routing table in execution order.
func SubAgents() []SubAgentSpec {
	out := make([]SubAgentSpec, len(subAgentTable))
	copy(out, subAgentTable)
	return out
}

// Spec returns the routing table row for s.
func (s SubAgent) Spec() (SubAgentSpec, bool) {
	for _, row := range subAgentTable {
		if row.ID == s {
			return row, true
		}
	}
	return SubAgentSpec{}, false
}

// ParseSubAgent accepts a sub-agent id or its logical extractor agent name.
func ParseSubAgent(name string) (SubAgent, error) {
	for _, row := range subAgentTable {
		if string(row.ID) == name || row.Agent == name {
			return row.ID, nil
		}
	}
	return "", eris.Errorf("model: unknown sub-agent %q", name)
}

// LLMAgents lists every logical agent that issues model calls.
func LLMAgents() []string {
	out := []string{AgentOSDetection, AgentRank, AgentSigma}
	for _, row := range subAgentTable {
		out = append(out, row.Agent, row.QAAgent)
	}
	return out
}
