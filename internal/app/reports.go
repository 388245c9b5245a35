package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"vendaflow/api/internal/export"
	"vendaflow/api/internal/kanban"
	"vendaflow/api/internal/search"
)

// BoardReport resolves the board to display values for export.
func (s *Service) BoardReport(ctx context.Context, session Session) (export.Report, error) {
	board, err := s.orgBoard(ctx, session)
	if err != nil {
		return export.Report{}, err
	}
	columns, err := s.backend.LoadColumns(ctx, board.ID)
	if err != nil {
		return export.Report{}, err
	}
	assignees, err := s.store.ListAssigneesByBoard(ctx, board.ID)
	if err != nil {
		return export.Report{}, err
	}
	users, err := s.store.ListOrganizationUsers(ctx, session.OrganizationID)
	if err != nil {
		return export.Report{}, err
	}
	names := make(map[string]string, len(users))
	for _, user := range users {
		names[user.ID] = user.DisplayName
	}
	completed := make(map[string]int)
	total := make(map[string]int)
	byCard := make(map[string][]string)
	for _, row := range assignees {
		total[row.CardID]++
		if row.IsCompleted {
			completed[row.CardID]++
		}
		byCard[row.CardID] = append(byCard[row.CardID], names[row.UserID])
	}

	orgName := ""
	if org, err := s.store.GetOrganization(ctx, session.OrganizationID); err == nil {
		orgName = org.Name
	}
	report := export.Report{
		Title:        "Quadro de tarefas",
		Organization: orgName,
		GeneratedAt:  s.now(),
		GeneratedBy:  session.UserName,
		Columns:      make([]export.ReportColumn, 0, len(columns)),
	}
	for _, column := range columns {
		rc := export.ReportColumn{Name: column.Name, IsCompletionStage: column.IsCompletionStage}
		for _, card := range column.Cards {
			item := export.ReportCard{
				Title:          card.Title,
				Kind:           kanban.KindName(card.Kind),
				DueDate:        card.DueDate,
				Assignees:      byCard[card.ID],
				TimerStartedAt: card.TimerStartedAt,
			}
			if _, gated := card.Approval(); gated {
				item.Approval = fmt.Sprintf("%d/%d", completed[card.ID], total[card.ID])
			}
			rc.Cards = append(rc.Cards, item)
		}
		report.Columns = append(report.Columns, rc)
	}
	return report, nil
}

func (s *Service) ExportBoard(ctx context.Context, session Session, format export.Format) (*export.Result, error) {
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	if format != export.FormatPDF && format != export.FormatHTML {
		return nil, validationError("format must be pdf or html")
	}
	report, err := s.BoardReport(ctx, session)
	if err != nil {
		return nil, err
	}
	result, err := s.exporter.Export(ctx, report, format)
	if errors.Is(err, export.ErrPDFDependencyMissing) {
		return nil, domainError(http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF rendering is not available on this server", nil)
	}
	return result, err
}

func (s *Service) SearchCards(ctx context.Context, session Session, text, columnID string, limit, offset int) (search.Response, error) {
	if s.index == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	board, err := s.orgBoard(ctx, session)
	if err != nil {
		return search.Response{}, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.index.Search(ctx, search.Query{
		Text:     text,
		BoardID:  board.ID,
		ColumnID: columnID,
		Limit:    limit,
		Offset:   offset,
	}), nil
}
