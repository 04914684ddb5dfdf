package reasoning

import (
	"encoding/json"
	"log/slog"

	"github.com/rbranco/agentapi/pkg/agent"
	"github.com/rbranco/agentapi/pkg/llm"
)

// buildTools converts the agent's declared tools plus the built-in
// query_data tool into model-facing definitions. Returns nil when the agent
// has nothing callable.
func (e *Engine) buildTools(cfg *agent.Config) []llm.ToolDefinition {
	var tools []llm.ToolDefinition

	for _, t := range cfg.Tools {
		desc := t.Description
		if desc == "" {
			desc = "Tool: " + t.Name
		}
		params := t.Parameters
		if params == nil {
			params = map[string]interface{}{}
		}
		tools = append(tools, llm.ToolDefinition{
			Name:        t.Name,
			Description: desc,
			Parameters:  params,
		})
	}

	if cfg.HasDataAnalysis() && e.data != nil {
		tools = append(tools, e.dataQueryTool(cfg))
	}
	return tools
}

// dataQueryTool advertises query_data with the agent's current dataframe
// layout embedded in the parameter description, so the model knows which
// columns exist before writing a query.
func (e *Engine) dataQueryTool(cfg *agent.Config) llm.ToolDefinition {
	if err := e.data.LoadFrames(cfg.ID); err != nil {
		slog.Error("reasoning: load data files failed", "agent_id", cfg.ID, "error", err)
	}

	available := "Nenhum arquivo carregado"
	if infos, err := e.data.Info(cfg.ID); err == nil && len(infos) > 0 {
		if raw, err := json.MarshalIndent(map[string]interface{}{"files": infos}, "", "  "); err == nil {
			available = string(raw)
		}
	}

	return llm.ToolDefinition{
		Name: "query_data",
		Description: "Executa queries em dados carregados (CSV, JSON, XLSX). " +
			"Use esta ferramenta para analisar dados, filtrar, agregar, calcular estatísticas, etc.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type": "string",
					"description": "Query a ser executada. Dados disponíveis: " + available +
						". Exemplos: 'df.head()', 'df.describe()', 'df[df[\"coluna\"] > 10]', 'df.sort_values(\"coluna\")'",
				},
			},
			"required": []string{"query"},
		},
	}
}

// parseQueryArgument extracts the query field from a tool-call argument
// blob. Malformed JSON degrades to an empty query rather than failing the
// turn.
func parseQueryArgument(arguments string) string {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return ""
	}
	return args.Query
}
