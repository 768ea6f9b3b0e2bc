package notebookctx

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/martinemde/sherlog/agentloop"
)

const (
	defaultListLimit = 20
	previewChars     = 300
	cellContentChars = 8000
)

// Tools returns the list_cells and get_cell tools bound to notebookID.
func Tools(notebookID string, reader CellReader) (*agentloop.FunctionToolset, error) {
	if notebookID == "" {
		return nil, errors.New("notebookctx: notebook id is empty")
	}
	if reader == nil {
		return nil, errors.New("notebookctx: no cell reader configured")
	}
	t := &tools{notebookID: notebookID, reader: reader}
	return agentloop.NewFunctionToolset(
		agentloop.Tool{
			Definition: agentloop.ToolDefinition{
				Name:        "list_cells",
				Description: "List the cells of the current notebook with a short preview of each.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"cell_type": map[string]interface{}{
							"type":        "string",
							"description": "Only list cells of this type, e.g. markdown, sql, log_ai.",
						},
						"limit": map[string]interface{}{
							"type":        "integer",
							"description": "Maximum number of cells to return, most recent last. Default 20.",
						},
					},
				},
			},
			Handler: t.listCells,
		},
		agentloop.Tool{
			Definition: agentloop.ToolDefinition{
				Name:        "get_cell",
				Description: "Fetch one cell of the current notebook, including its full content and result.",
				Parameters: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"cell_id": map[string]interface{}{
							"type":        "string",
							"description": "The id of the cell, as returned by list_cells.",
						},
					},
					"required": []string{"cell_id"},
				},
			},
			Handler: t.getCell,
		},
	), nil
}

type tools struct {
	notebookID string
	reader     CellReader
}

func (t *tools) listCells(ctx context.Context, args map[string]any) (any, error) {
	cells, err := t.reader.ListCells(ctx, t.notebookID)
	if err != nil {
		return nil, fmt.Errorf("list cells of notebook %s: %w", t.notebookID, err)
	}

	cellType, _ := agentloop.GetStringArg(args, "cell_type")
	limit, ok := agentloop.GetIntArg(args, "limit")
	if !ok || limit <= 0 {
		limit = defaultListLimit
	}

	var selected []Cell
	for _, c := range cells {
		if cellType == "" || strings.EqualFold(c.Type, cellType) {
			selected = append(selected, c)
		}
	}
	if len(selected) > limit {
		selected = selected[len(selected)-limit:]
	}

	out := make([]map[string]any, 0, len(selected))
	for _, c := range selected {
		out = append(out, map[string]any{
			"id":      c.ID,
			"type":    c.Type,
			"status":  c.Status,
			"preview": preview(c.Content),
		})
	}
	return out, nil
}

func (t *tools) getCell(ctx context.Context, args map[string]any) (any, error) {
	id, ok := agentloop.GetStringArg(args, "cell_id")
	if !ok || id == "" {
		return nil, &agentloop.RetryPromptError{Message: "get_cell requires a cell_id string argument."}
	}
	cell, err := t.reader.GetCell(ctx, t.notebookID, id)
	if errors.Is(err, ErrCellNotFound) {
		return nil, &agentloop.RetryPromptError{
			Message: fmt.Sprintf("Cell %s not found in notebook %s. Use list_cells to find valid ids.", id, t.notebookID),
		}
	}
	if err != nil {
		return nil, fmt.Errorf("get cell %s: %w", id, err)
	}
	cell.Content = agentloop.TruncateOutput(cell.Content, cellContentChars, agentloop.TruncateHeadTail)
	return cell, nil
}

func preview(content string) string {
	content = strings.TrimSpace(content)
	r := []rune(content)
	if len(r) <= previewChars {
		return content
	}
	return string(r[:previewChars]) + "..."
}
