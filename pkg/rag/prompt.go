package rag

import (
	"fmt"
	"strings"

	"github.com/rbranco/agentapi/pkg/model"
)

// BuildUserContent renders the user message sent to the model. With contexts
// it enumerates them above the question; without, it tells the model the
// knowledge base came back empty so it does not hallucinate sources.
func BuildUserContent(text string, contexts []model.RAGContext) string {
	if len(contexts) == 0 {
		return fmt.Sprintf("Nenhum contexto foi recuperado da base de conhecimento (RAG) deste agente.\n\n"+
			"Pergunta: %s\n\n"+
			"Instrução: se a resposta depender de documentos internos, informe que não há trechos recuperados "+
			"e oriente como melhorar a consulta ou acionar a carga de documentos.", text)
	}

	blocks := make([]string, 0, len(contexts))
	for i, ctx := range contexts {
		lines := []string{
			fmt.Sprintf("[Contexto %d] (score=%.3f)", i+1, ctx.Score),
			formatMetadata(ctx.Metadata),
			ctx.Content,
		}
		blocks = append(blocks, strings.TrimSpace(strings.Join(lines, "\n")))
	}

	return fmt.Sprintf("Contextos relevantes:\n%s\n\n"+
		"Com base nos contextos acima, responda à seguinte pergunta:\n\n"+
		"Pergunta: %s", strings.Join(blocks, "\n\n"), text)
}

// formatMetadata renders the source line of one context block. Empty when
// the document carries no provenance.
func formatMetadata(md map[string]interface{}) string {
	if len(md) == 0 {
		return ""
	}

	var parts []string
	source, _ := md["source_file"].(string)
	if source == "" {
		source, _ = md["source"].(string)
	}
	if source != "" {
		parts = append(parts, "Fonte: "+source)
	}

	chunk, chunkOK := asInt(md["chunk_index"])
	total, totalOK := asInt(md["total_chunks"])
	if chunkOK && totalOK {
		parts = append(parts, fmt.Sprintf("Chunk: %d/%d", chunk+1, total))
	}

	if fileType, _ := md["file_type"].(string); fileType != "" {
		parts = append(parts, "Tipo: "+fileType)
	}
	return strings.Join(parts, " | ")
}

func asInt(v interface{}) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	}
	return 0, false
}
